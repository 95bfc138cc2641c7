package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is the far end of a net.Pipe handed to the Connection
type fakeServer struct {
	conn     net.Conn
	received chan protocol.Message
}

func newFakeServer(conn net.Conn) *fakeServer {
	s := &fakeServer{conn: conn, received: make(chan protocol.Message, 32)}
	go func() {
		defer close(s.received)
		decoder := protocol.NewDecoder(protocol.MaxFrameSize)
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			for msg, decodeErr := range decoder.Feed(buf[:n]) {
				if decodeErr != nil {
					return
				}
				s.received <- msg
			}
			if err != nil {
				return
			}
		}
	}()
	return s
}

func (s *fakeServer) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-s.received:
		require.True(t, ok, "client closed the connection")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return protocol.Message{}
	}
}

func (s *fakeServer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.EncodeTo(s.conn, msg))
}

// pipeDialer hands out one in-memory connection per dial
func pipeDialer(servers chan<- *fakeServer) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		servers <- newFakeServer(server)
		return client, nil
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	updates []StateUpdate
	changed chan StateUpdate
}

func newStateRecorder(conn *Connection) *stateRecorder {
	r := &stateRecorder{changed: make(chan StateUpdate, 64)}
	conn.OnStateChange(func(u StateUpdate) {
		r.mu.Lock()
		r.updates = append(r.updates, u)
		r.mu.Unlock()
		select {
		case r.changed <- u:
		default:
		}
	})
	return r
}

func (r *stateRecorder) waitFor(t *testing.T, state ConnectionState) StateUpdate {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-r.changed:
			if u.State == state {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
			return StateUpdate{}
		}
	}
}

func (r *stateRecorder) all() []StateUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateUpdate(nil), r.updates...)
}

type fakeHistory struct {
	mu          sync.Mutex
	connections []string
	logins      []LoginRecord
}

func (h *fakeHistory) SaveSuccessfulConnection(address, transport string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections = append(h.connections, address+"/"+transport)
	return nil
}

func (h *fakeHistory) RecordLogin(address, nickname string, accepted bool, reply string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logins = append(h.logins, LoginRecord{Address: address, Nickname: nickname, Accepted: accepted, Reply: reply})
	return nil
}

func newTestConnection(t *testing.T, cfg Config) (*Connection, chan *fakeServer) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "localhost:6465"
	}
	if cfg.Nickname == "" {
		cfg.Nickname = "alice"
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	conn, err := NewConnection(cfg)
	require.NoError(t, err)

	servers := make(chan *fakeServer, 4)
	conn.SetDialer(pipeDialer(servers))
	return conn, servers
}

func runConnection(ctx context.Context, conn *Connection) <-chan error {
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNewConnectionValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing nickname", Config{Address: "localhost:1"}, "nickname is required"},
		{"missing port", Config{Address: "localhost", Nickname: "a"}, "invalid server address"},
		{"unknown transport", Config{Address: "localhost:1", Nickname: "a", Transport: "carrier-pigeon"}, "unsupported transport"},
		{"nickname too long", Config{Address: "localhost:1", Nickname: strings.Repeat("n", 2000)}, "nickname too long"},
		{"welcome would not fit", Config{Address: "localhost:1", Nickname: strings.Repeat("n", 600)}, "nickname too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnection(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	conn, err := NewConnection(Config{Address: "localhost:6465", Nickname: "alice"})
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, conn.State())
	assert.Equal(t, "alice", conn.Nickname())
	assert.Equal(t, "localhost:6465", conn.GetAddress())

	longest := strings.Repeat("n", 503)
	require.LessOrEqual(t, protocol.PayloadSize(protocol.Welcome(longest)), protocol.MaxFrameSize)
	_, err = NewConnection(Config{Address: "localhost:6465", Nickname: longest})
	assert.NoError(t, err)
}

func TestConnectionLoginAndChat(t *testing.T) {
	history := &fakeHistory{}
	conn, servers := newTestConnection(t, Config{History: history})
	states := newStateRecorder(conn)

	messages := make(chan protocol.Message, 8)
	conn.OnMessage(func(msg protocol.Message) { messages <- msg })

	done := runConnection(context.Background(), conn)
	server := <-servers

	login := server.next(t)
	assert.Equal(t, protocol.Message{Kind: protocol.KindLogin, Nickname: "alice"}, login)
	states.waitFor(t, StateConnected)

	server.send(t, protocol.Message{Kind: protocol.KindLogin, Body: protocol.WelcomeBody("alice")})
	assert.Equal(t, protocol.WelcomeBody("alice"), (<-messages).Body)

	require.NoError(t, conn.SendText("hello"))
	text := server.next(t)
	assert.Equal(t, protocol.KindText, text.Kind)
	assert.Equal(t, "hello", text.Body)
	assert.Empty(t, text.Nickname, "the server fills in the sender")

	server.send(t, protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: "hello"})
	assert.Equal(t, protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: "hello"}, <-messages)

	conn.Close()
	assert.NoError(t, waitRun(t, done))
	assert.Equal(t, StateClosed, conn.State())
	assert.Greater(t, conn.GetBytesSent(), uint64(0))
	assert.Greater(t, conn.GetBytesReceived(), uint64(0))

	history.mu.Lock()
	defer history.mu.Unlock()
	assert.Equal(t, []string{"localhost:6465/tcp"}, history.connections)
	require.Len(t, history.logins, 1)
	assert.True(t, history.logins[0].Accepted)
}

func TestConnectionRejectedLogin(t *testing.T) {
	history := &fakeHistory{}
	conn, servers := newTestConnection(t, Config{History: history})

	messages := make(chan protocol.Message, 8)
	conn.OnMessage(func(msg protocol.Message) { messages <- msg })

	done := runConnection(context.Background(), conn)
	server := <-servers
	server.next(t)

	server.send(t, protocol.Message{Kind: protocol.KindLogin, Body: protocol.UnavailableBody("alice")})
	server.conn.Close()

	assert.NoError(t, waitRun(t, done), "an orderly close by the server is not an error")
	assert.Equal(t, protocol.UnavailableBody("alice"), (<-messages).Body)

	history.mu.Lock()
	defer history.mu.Unlock()
	require.Len(t, history.logins, 1)
	assert.False(t, history.logins[0].Accepted)
}

func TestConnectionRetriesUntilDialSucceeds(t *testing.T) {
	conn, servers := newTestConnection(t, Config{})
	states := newStateRecorder(conn)

	var attempts atomic.Int32
	pipe := pipeDialer(servers)
	conn.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return pipe(ctx, addr)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConnection(ctx, conn)

	states.waitFor(t, StateConnected)
	assert.Equal(t, int32(3), attempts.Load())

	var connecting []StateUpdate
	for _, u := range states.all() {
		if u.State == StateConnecting {
			connecting = append(connecting, u)
		}
	}
	require.Len(t, connecting, 3)
	assert.Equal(t, 1, connecting[0].Attempt)
	assert.NoError(t, connecting[0].Err)
	assert.Equal(t, 3, connecting[2].Attempt)
	assert.EqualError(t, connecting[2].Err, "connection refused")

	cancel()
	assert.NoError(t, waitRun(t, done))
}

func TestConnectionConnectTimeoutPerAttempt(t *testing.T) {
	conn, _ := newTestConnection(t, Config{ConnectTimeout: 20 * time.Millisecond})
	states := newStateRecorder(conn)

	conn.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runConnection(ctx, conn)

	for {
		u := states.waitFor(t, StateConnecting)
		if u.Attempt == 2 {
			assert.ErrorIs(t, u.Err, context.DeadlineExceeded)
			break
		}
	}

	cancel()
	assert.NoError(t, waitRun(t, done), "shutdown while connecting is not an error")
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionInputLines(t *testing.T) {
	conn, servers := newTestConnection(t, Config{Input: strings.NewReader("first\n\nsecond\n")})

	done := runConnection(context.Background(), conn)
	server := <-servers

	assert.Equal(t, protocol.KindLogin, server.next(t).Kind)
	assert.Equal(t, "first", server.next(t).Body)
	assert.Equal(t, "second", server.next(t).Body)

	assert.NoError(t, waitRun(t, done), "end of input shuts down cleanly")
}

func TestConnectionMalformedFrame(t *testing.T) {
	conn, servers := newTestConnection(t, Config{})

	done := runConnection(context.Background(), conn)
	server := <-servers
	server.next(t)

	// kind 9 with empty nickname and body
	_, err := server.conn.Write([]byte{0x00, 0x05, 0x09, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	err = waitRun(t, done)
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionOversizeFrame(t *testing.T) {
	conn, servers := newTestConnection(t, Config{})

	done := runConnection(context.Background(), conn)
	server := <-servers
	server.next(t)

	_, err := server.conn.Write([]byte{0xFF, 0xFF})
	require.NoError(t, err)

	assert.ErrorIs(t, waitRun(t, done), protocol.ErrFrameTooLarge)
}

func TestSendTextStates(t *testing.T) {
	conn, servers := newTestConnection(t, Config{})
	states := newStateRecorder(conn)

	assert.ErrorIs(t, conn.SendText("early"), ErrNotConnected)

	done := runConnection(context.Background(), conn)
	server := <-servers
	server.next(t)
	states.waitFor(t, StateConnected)

	err := conn.SendText(strings.Repeat("x", protocol.MaxFrameSize))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	conn.Close()
	require.NoError(t, waitRun(t, done))
	assert.ErrorIs(t, conn.SendText("late"), ErrConnectionClosed)
}

func TestConnectionCloseWithStalledPeer(t *testing.T) {
	conn, err := NewConnection(Config{
		Address:        "localhost:6465",
		Nickname:       "alice",
		ConnectTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	// The peer accepts the connection but never reads, so every write blocks
	peers := make(chan net.Conn, 1)
	conn.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		peers <- server
		return client, nil
	})
	states := newStateRecorder(conn)

	done := runConnection(context.Background(), conn)
	peer := <-peers
	defer peer.Close()
	states.waitFor(t, StateConnected)
	require.NoError(t, conn.SendText("stuck behind the login"))

	conn.Close()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateClosed, conn.State())

	// The socket was closed rather than left to the stalled writer
	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.Copy(io.Discard, peer)
	assert.NoError(t, err)
}

func TestConnectionClosedIsTerminal(t *testing.T) {
	conn, _ := newTestConnection(t, Config{})

	conn.Close()
	assert.Equal(t, StateClosed, conn.State())

	assert.NoError(t, conn.Run(context.Background()))
	assert.Equal(t, StateClosed, conn.State())

	conn.setState(StateUpdate{State: StateConnecting, Attempt: 1})
	assert.Equal(t, StateClosed, conn.State())

	assert.ErrorIs(t, conn.Run(context.Background()), ErrAlreadyStarted)
}

func TestNormalizeCloseError(t *testing.T) {
	assert.NoError(t, normalizeCloseError(nil))
	assert.NoError(t, normalizeCloseError(errShutdown))
	assert.NoError(t, normalizeCloseError(errInputClosed))
	assert.NoError(t, normalizeCloseError(ErrServerClosed))
	assert.NoError(t, normalizeCloseError(context.Canceled))

	ioErr := errors.New("read error: connection reset")
	assert.Equal(t, ioErr, normalizeCloseError(ioErr))
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/minichat/pkg/logging"
	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records what the registry sends it
type fakePeer struct {
	id uint64

	mu      sync.Mutex
	frames  [][]byte
	closed  []error
	sendErr error
}

func newFakePeer(id uint64) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) Close(reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, reason)
}

func (p *fakePeer) messages(t *testing.T) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []protocol.Message
	for _, frame := range p.frames {
		msg, err := protocol.DecodePayload(frame[2:])
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (p *fakePeer) closeReasons() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.closed...)
}

// startTestRegistry runs a registry until the test ends
func startTestRegistry(t *testing.T) *Registry {
	t.Helper()

	reg := NewRegistry(logging.Discard(), NewMetrics(), protocol.MaxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-reg.Done()
	})
	return reg
}

func login(t *testing.T, reg *Registry, peer Peer, nickname string) bool {
	t.Helper()
	ok, err := reg.Login(context.Background(), peer, nickname, nil)
	require.NoError(t, err)
	return ok
}

func stats(t *testing.T, reg *Registry) RegistryStats {
	t.Helper()
	st, err := reg.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestRegistryLoginUniqueness(t *testing.T) {
	reg := startTestRegistry(t)

	alice := newFakePeer(1)
	impostor := newFakePeer(2)
	require.NoError(t, reg.Add(alice))
	require.NoError(t, reg.Add(impostor))

	assert.True(t, login(t, reg, alice, "alice"))
	assert.False(t, login(t, reg, impostor, "alice"), "second claim of a held nickname must fail")
	assert.False(t, login(t, reg, alice, "alice2"), "a logged in peer cannot log in again")

	st := stats(t, reg)
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 1, st.Authenticated)
	assert.Equal(t, []string{"alice"}, st.Nicknames)
}

func TestRegistryLoginRejectsEmptyAndUnknown(t *testing.T) {
	reg := startTestRegistry(t)

	known := newFakePeer(1)
	require.NoError(t, reg.Add(known))

	assert.False(t, login(t, reg, known, ""))
	assert.False(t, login(t, reg, newFakePeer(99), "ghost"), "peers must be added before login")
}

func TestRegistryNicknameReusableAfterRemove(t *testing.T) {
	reg := startTestRegistry(t)

	first := newFakePeer(1)
	second := newFakePeer(2)
	require.NoError(t, reg.Add(first))
	require.NoError(t, reg.Add(second))

	require.True(t, login(t, reg, first, "alice"))
	reg.Remove(first, ErrPeerClosed)

	assert.True(t, login(t, reg, second, "alice"))
}

func TestRegistryConcurrentLoginsClaimOnce(t *testing.T) {
	reg := startTestRegistry(t)

	const contenders = 50
	peers := make([]*fakePeer, contenders)
	for i := range peers {
		peers[i] = newFakePeer(uint64(i + 1))
		require.NoError(t, reg.Add(peers[i]))
	}

	var wg sync.WaitGroup
	results := make([]bool, contenders)
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.Login(context.Background(), p, "shared", nil)
			assert.NoError(t, err)
			results[i] = ok
		}()
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRegistryBroadcastOrderAndAudience(t *testing.T) {
	reg := startTestRegistry(t)

	peers := []*fakePeer{newFakePeer(1), newFakePeer(2), newFakePeer(3)}
	for _, p := range peers {
		require.NoError(t, reg.Add(p))
	}
	require.True(t, login(t, reg, peers[0], "alice"))
	require.True(t, login(t, reg, peers[2], "carol"))

	for i := range 5 {
		require.NoError(t, reg.Broadcast(protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: fmt.Sprintf("msg %d", i)}))
	}
	// Stats is processed after every earlier event
	stats(t, reg)

	for _, p := range []*fakePeer{peers[0], peers[2]} {
		msgs := p.messages(t)
		require.Len(t, msgs, 5)
		for i, msg := range msgs {
			assert.Equal(t, protocol.KindText, msg.Kind)
			assert.Equal(t, "alice", msg.Nickname)
			assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Body)
		}
	}
	assert.Empty(t, peers[1].messages(t), "unauthenticated peers receive no broadcasts")
}

func TestRegistryWelcomePrecedesBroadcasts(t *testing.T) {
	reg := startTestRegistry(t)

	alice := newFakePeer(1)
	require.NoError(t, reg.Add(alice))

	welcome, err := protocol.Encode(protocol.Message{Kind: protocol.KindLogin, Nickname: "alice", Body: "Logged in as alice"})
	require.NoError(t, err)

	ok, err := reg.Login(context.Background(), alice, "alice", welcome)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reg.Broadcast(protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: "hi"}))
	stats(t, reg)

	msgs := alice.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.KindLogin, msgs[0].Kind)
	assert.Equal(t, protocol.KindText, msgs[1].Kind)
}

func TestRegistryBroadcastSendFailureClosesOnlyThatPeer(t *testing.T) {
	reg := startTestRegistry(t)

	healthy := newFakePeer(1)
	broken := newFakePeer(2)
	broken.sendErr = errors.New("queue full")
	for _, p := range []*fakePeer{healthy, broken} {
		require.NoError(t, reg.Add(p))
	}
	require.True(t, login(t, reg, healthy, "alice"))
	require.True(t, login(t, reg, broken, "bob"))

	require.NoError(t, reg.Broadcast(protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: "hello"}))
	stats(t, reg)

	assert.Len(t, healthy.messages(t), 1)
	assert.Empty(t, healthy.closeReasons())

	reasons := broken.closeReasons()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], ErrSendFailure)
}

func TestRegistryDropsOversizeBroadcast(t *testing.T) {
	reg := NewRegistry(logging.Discard(), NewMetrics(), 64)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	defer func() {
		cancel()
		<-reg.Done()
	}()

	alice := newFakePeer(1)
	require.NoError(t, reg.Add(alice))
	require.True(t, login(t, reg, alice, "alice"))

	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, reg.Broadcast(protocol.Message{Kind: protocol.KindText, Nickname: "alice", Body: string(big)}))
	stats(t, reg)

	assert.Empty(t, alice.messages(t))
	assert.Empty(t, alice.closeReasons())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := startTestRegistry(t)

	alice := newFakePeer(1)
	bob := newFakePeer(2)
	require.NoError(t, reg.Add(alice))
	require.NoError(t, reg.Add(bob))
	require.True(t, login(t, reg, alice, "alice"))
	require.True(t, login(t, reg, bob, "bob"))

	reg.Remove(alice, ErrInactivityTimeout)
	reg.Remove(alice, ErrInactivityTimeout)
	reg.Remove(newFakePeer(42), ErrPeerClosed)

	st := stats(t, reg)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, []string{"bob"}, st.Nicknames)

	// Only one inactivity notice despite the repeated remove
	msgs := bob.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.Message{Kind: protocol.KindStatus, Body: "alice disconnected due to inactivity"}, msgs[0])
}

func TestRegistryInactivityNoticeNamesUnauthenticatedClient(t *testing.T) {
	reg := startTestRegistry(t)

	lurker := newFakePeer(1)
	bob := newFakePeer(2)
	require.NoError(t, reg.Add(lurker))
	require.NoError(t, reg.Add(bob))
	require.True(t, login(t, reg, bob, "bob"))

	reg.Remove(lurker, ErrInactivityTimeout)
	reg.Remove(bob, ErrPeerClosed)
	stats(t, reg)

	msgs := bob.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Client disconnected due to inactivity", msgs[0].Body)
}

func TestRegistryShutdownClosesPeers(t *testing.T) {
	reg := NewRegistry(logging.Discard(), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)

	alice := newFakePeer(1)
	require.NoError(t, reg.Add(alice))

	cancel()
	select {
	case <-reg.Done():
	case <-time.After(time.Second):
		t.Fatal("registry did not stop")
	}

	assert.Equal(t, []error{ErrServerShutdown}, alice.closeReasons())
	assert.ErrorIs(t, reg.Add(newFakePeer(2)), ErrRegistryClosed)
	assert.ErrorIs(t, reg.Broadcast(protocol.Message{Kind: protocol.KindStatus}), ErrRegistryClosed)

	_, err := reg.Stats(context.Background())
	assert.ErrorIs(t, err, ErrRegistryClosed)

	// Remove after shutdown is a no-op
	reg.Remove(alice, ErrPeerClosed)
}

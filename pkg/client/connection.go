package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/minichat/pkg/logging"
	"github.com/aeolun/minichat/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// StateUpdate describes a connection state change
type StateUpdate struct {
	State   ConnectionState
	Attempt int   // connect attempt number while Connecting
	Err     error // why the previous attempt failed, or why the connection closed
}

// Config holds the settings of one client Connection
type Config struct {
	Address        string // host:port
	Nickname       string
	Transport      string // "tcp" (default) or "websocket"
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxFrameSize   int

	// Input supplies user lines once connected; nil when text arrives through SendText only
	Input io.Reader

	// ThrottleBytesPerSec slows the socket down to simulate a poor link (0 = off)
	ThrottleBytesPerSec int

	// History, when set, records connection and login outcomes
	History History

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.MaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Connection is the client side of one chat session. It keeps retrying the
// initial connect until it succeeds or is shut down; once connected, any
// failure closes it for good.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	state   atomic.Int32
	started atomic.Bool

	// Set by Run while connected
	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	outgoing chan []byte

	handlerMu     sync.RWMutex
	onMessage     func(protocol.Message)
	onStateChange func(StateUpdate)

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewConnection validates cfg and creates a Connection in the Connecting state
func NewConnection(cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	if cfg.Nickname == "" {
		return nil, errors.New("nickname is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.Address, err)
	}
	// The welcome reply carries the nickname twice and must fit our receive limit
	if protocol.PayloadSize(protocol.Welcome(cfg.Nickname)) > cfg.MaxFrameSize {
		return nil, fmt.Errorf("nickname too long: %w", ErrMessageTooLong)
	}

	dial, err := dialerFor(cfg.Transport)
	if err != nil {
		return nil, err
	}

	return &Connection{
		cfg:      cfg,
		logger:   cfg.Logger.With("server", cfg.Address, "transport", cfg.Transport),
		dial:     dial,
		outgoing: make(chan []byte, 100),
	}, nil
}

// SetDialer replaces the transport dialer, for tests and custom transports
func (c *Connection) SetDialer(dial DialFunc) {
	c.dial = dial
}

// OnMessage registers the display callback for every message received while connected
func (c *Connection) OnMessage(fn func(protocol.Message)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers a callback for state transitions
func (c *Connection) OnStateChange(fn func(StateUpdate)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onStateChange = fn
}

// State returns the current state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Nickname returns the configured nickname
func (c *Connection) Nickname() string {
	return c.cfg.Nickname
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.cfg.Address
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// SendText queues one line of user input as a Text message. The nickname is
// left empty; the server fills in the authoritative sender.
func (c *Connection) SendText(body string) error {
	if c.State() != StateConnected {
		if c.State() == StateClosed {
			return ErrConnectionClosed
		}
		return ErrNotConnected
	}

	msg := protocol.Message{Kind: protocol.KindText, Body: body}
	if protocol.PayloadSize(msg) > c.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLong, protocol.PayloadSize(msg), c.cfg.MaxFrameSize)
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Connection) enqueue(frame []byte) error {
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return ErrOutgoingQueueFull
	}
}

// Close requests shutdown; Run returns nil once everything is torn down.
// Closing before Run has started makes Run return immediately.
func (c *Connection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel(errShutdown)
		return
	}
	c.setState(StateUpdate{State: StateClosed, Err: errShutdown})
}

// Run connects, logs in and processes traffic until the connection closes or
// ctx is canceled. It returns nil on shutdown, end of input or an orderly close
// by the server, and an error for protocol or I/O failures. A Connection can
// only be run once.
func (c *Connection) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errShutdown)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.State() == StateClosed {
		return nil
	}

	conn, err := c.connect(ctx)
	if err != nil {
		c.setState(StateUpdate{State: StateClosed, Err: err})
		return normalizeCloseError(err)
	}

	err = c.serve(ctx, cancel, conn)
	c.setState(StateUpdate{State: StateClosed, Err: err})
	return normalizeCloseError(err)
}

// connect dials until an attempt succeeds. Each attempt is bounded by
// ConnectTimeout and failed attempts are spaced by ReconnectDelay.
func (c *Connection) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		c.setState(StateUpdate{State: StateConnecting, Attempt: attempt, Err: lastErr})
		c.logger.Info("Connecting", "attempt", attempt)

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		conn, err := c.dial(dialCtx, c.cfg.Address)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		lastErr = err
		c.logger.Warn("Connect failed", "attempt", attempt, "error", err, "retry_in", c.cfg.ReconnectDelay)

		retry := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			retry.Stop()
			return nil, context.Cause(ctx)
		case <-retry.C:
		}
	}
}

// serve runs the connected phase: send Login, then read, write and take input
// until the first of them fails
func (c *Connection) serve(ctx context.Context, cancel context.CancelCauseFunc, raw net.Conn) error {
	if limited, ok := raw.(interface{ SetMaxFrameSize(int) }); ok {
		limited.SetMaxFrameSize(c.cfg.MaxFrameSize)
	}
	conn := wrapConn(raw, c.cfg.ThrottleBytesPerSec, &c.bytesSent, &c.bytesReceived)
	defer conn.Close()

	login, err := protocol.Encode(protocol.Message{Kind: protocol.KindLogin, Nickname: c.cfg.Nickname})
	if err != nil {
		return err
	}
	// Nothing else can be queued before the state flips to Connected
	c.enqueue(login)

	c.logger.Info("Connected", "local", raw.LocalAddr().String())
	if c.cfg.History != nil {
		if err := c.cfg.History.SaveSuccessfulConnection(c.cfg.Address, c.cfg.Transport); err != nil {
			c.logger.Warn("Failed to record connection", "error", err)
		}
	}
	c.setState(StateUpdate{State: StateConnected})

	// Once anything ends the connection, unblock the reader at once and give
	// the writer ConnectTimeout to flush before a stalled peer fails it
	stop := context.AfterFunc(ctx, func() {
		raw.SetReadDeadline(time.Unix(1, 0))
		raw.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	})
	defer stop()

	if c.cfg.Input != nil {
		go c.inputLoop(ctx, cancel)
	}

	var g errgroup.Group
	g.Go(func() error {
		err := c.readLoop(ctx, conn)
		cancel(err)
		return err
	})
	g.Go(func() error {
		err := c.writeLoop(ctx, conn)
		cancel(err)
		return err
	})
	g.Wait()

	if closer, ok := c.cfg.Input.(io.Closer); ok {
		closer.Close()
	}

	return context.Cause(ctx)
}

// readLoop decodes server frames and hands each one to the dispatcher
func (c *Connection) readLoop(ctx context.Context, conn io.Reader) error {
	decoder := protocol.NewDecoder(c.cfg.MaxFrameSize)
	buf := make([]byte, c.cfg.MaxFrameSize+2)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for msg, decodeErr := range decoder.Feed(buf[:n]) {
				if decodeErr != nil {
					return decodeErr
				}
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				if err := c.dispatch(msg); err != nil {
					return err
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, io.EOF) {
				return ErrServerClosed
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// dispatch applies the client role to one received message
func (c *Connection) dispatch(msg protocol.Message) error {
	c.logger.Log(context.Background(), logging.LevelTrace, "← RECV", "kind", msg.Kind, "bytes", protocol.FrameSize(msg))

	switch msg.Kind {
	case protocol.KindLogin:
		accepted := protocol.IsWelcome(msg, c.cfg.Nickname)
		c.logger.Info("Login reply", "accepted", accepted, "body", msg.Body)
		if c.cfg.History != nil {
			if err := c.cfg.History.RecordLogin(c.cfg.Address, c.cfg.Nickname, accepted, msg.Body); err != nil {
				c.logger.Warn("Failed to record login", "error", err)
			}
		}
	case protocol.KindText, protocol.KindStatus:
	default:
		return fmt.Errorf("%w: unexpected kind %s", protocol.ErrMalformedFrame, msg.Kind)
	}

	c.handlerMu.RLock()
	fn := c.onMessage
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
	return nil
}

// writeLoop writes queued frames in order. When the input ends, lines
// already queued are still written before it returns.
func (c *Connection) writeLoop(ctx context.Context, conn io.Writer) error {
	for {
		select {
		case frame := <-c.outgoing:
			if err := c.writeFrame(ctx, conn, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, errInputClosed) {
				c.drainOutgoing(ctx, conn)
			}
			return cause
		}
	}
}

func (c *Connection) drainOutgoing(ctx context.Context, conn io.Writer) {
	for {
		select {
		case frame := <-c.outgoing:
			if err := c.writeFrame(ctx, conn, frame); err != nil {
				c.logger.Debug("Dropped queued messages", "error", err)
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeFrame(ctx context.Context, conn io.Writer, frame []byte) error {
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	c.logger.Log(ctx, logging.LevelTrace, "→ SEND", "kind", protocol.Kind(frame[2]), "bytes", len(frame))
	return nil
}

// inputLoop turns each line of user input into a Text message. It is not
// waited for: a terminal read cannot be interrupted, so it exits on its next
// line or when the input is closed.
func (c *Connection) inputLoop(ctx context.Context, cancel context.CancelCauseFunc) {
	scanner := bufio.NewScanner(c.cfg.Input)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxPayloadSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := c.SendText(line); err != nil {
			if errors.Is(err, ErrMessageTooLong) || errors.Is(err, ErrOutgoingQueueFull) {
				c.logger.Warn("Message not sent", "error", err)
				continue
			}
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("Input error", "error", err)
	}
	cancel(errInputClosed)
}

func (c *Connection) setState(update StateUpdate) {
	if ConnectionState(c.state.Swap(int32(update.State))) == StateClosed {
		// Closed is terminal
		c.state.Store(int32(StateClosed))
		return
	}

	if update.State == StateClosed {
		if err := normalizeCloseError(update.Err); err != nil {
			c.logger.Warn("Connection closed", "error", err)
		} else {
			c.logger.Info("Connection closed", "reason", update.Err)
		}
	}

	c.handlerMu.RLock()
	fn := c.onStateChange
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(update)
	}
}

// normalizeCloseError maps orderly close causes to nil
func normalizeCloseError(err error) error {
	switch {
	case err == nil,
		errors.Is(err, errShutdown),
		errors.Is(err, errInputClosed),
		errors.Is(err, ErrServerClosed),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

package server

import (
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

// SessionState is the login state of a Session
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// SessionConfig holds the per-connection limits
type SessionConfig struct {
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	MaxFrameSize      int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.MaxFrameSize
	}
	return c
}

// Session represents one accepted connection. Frames are read and dispatched on
// the reader goroutine; outbound frames are queued and written by the writer
// goroutine so a slow peer never blocks the Registry.
type Session struct {
	id        uint64
	conn      net.Conn
	transport string
	registry  *Registry
	metrics   *Metrics
	logger    *slog.Logger
	cfg       SessionConfig

	decoder  *protocol.Decoder
	outbox   chan []byte
	watchdog *time.Timer

	ctx    context.Context
	cancel context.CancelCauseFunc

	state    atomic.Int32
	mu       sync.Mutex // protects nickname
	nickname string
}

// NewSession wraps conn. The session lives until Run returns; canceling ctx
// closes it with ErrServerShutdown.
func NewSession(ctx context.Context, id uint64, conn net.Conn, transport string, registry *Registry, metrics *Metrics, logger *slog.Logger, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	sctx, cancel := context.WithCancelCause(ctx)

	return &Session{
		id:        id,
		conn:      conn,
		transport: transport,
		registry:  registry,
		metrics:   metrics,
		logger:    logger.With("session", id),
		cfg:       cfg,
		decoder:   protocol.NewDecoder(cfg.MaxFrameSize),
		outbox:    make(chan []byte, cfg.OutboundQueueSize),
		ctx:       sctx,
		cancel:    cancel,
	}
}

// ID implements Peer
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the current login state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Nickname returns the authenticated nickname, empty before login
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// Send implements Peer by queueing frame for the writer goroutine
func (s *Session) Send(frame []byte) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	select {
	case s.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// SendMessage encodes msg and queues it
func (s *Session) SendMessage(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Close implements Peer. The first reason wins; later calls are no-ops.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionClosed
	}
	s.cancel(reason)
}

// Run drives the session until it closes and returns the close reason.
// The socket is closed and the session removed from the Registry exactly once,
// here, whichever path closed it.
func (s *Session) Run() error {
	defer s.conn.Close()

	s.metrics.RecordSessionCreated(s.transport)
	if err := s.registry.Add(s); err != nil {
		s.Close(err)
		s.state.Store(int32(StateClosed))
		return err
	}

	s.watchdog = time.AfterFunc(s.cfg.InactivityTimeout, func() {
		s.Close(ErrInactivityTimeout)
	})

	// Unblock the reader once the session is closed from elsewhere
	stopUnblock := context.AfterFunc(s.ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})

	var g errgroup.Group
	g.Go(func() error {
		err := s.readLoop()
		s.Close(err)
		return err
	})
	g.Go(func() error {
		err := s.writeLoop()
		s.Close(err)
		return err
	})
	g.Wait()

	stopUnblock()
	s.watchdog.Stop()
	s.state.Store(int32(StateClosed))

	reason := context.Cause(s.ctx)
	if errors.Is(reason, context.Canceled) {
		reason = ErrServerShutdown
	}
	s.registry.Remove(s, reason)

	if expectedClose(reason) {
		s.logger.Info("Session closed", "nickname", s.Nickname(), "reason", reason)
	} else {
		s.logger.Warn("Session closed", "nickname", s.Nickname(), "reason", reason)
	}
	return reason
}

// readLoop reads socket bytes into the decoder and dispatches each complete frame
func (s *Session) readLoop() error {
	buf := make([]byte, s.cfg.MaxFrameSize+2)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.logger.Log(s.ctx, logging.LevelTrace, "Received bytes", "count", n)
			for msg, decodeErr := range s.decoder.Feed(buf[:n]) {
				if decodeErr != nil {
					return decodeErr
				}
				if s.ctx.Err() != nil {
					return context.Cause(s.ctx)
				}

				s.watchdog.Reset(s.cfg.InactivityTimeout)
				if err := s.dispatch(msg); err != nil {
					return err
				}
			}
		}

		if err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

// dispatch applies one received message to the session state machine
func (s *Session) dispatch(msg protocol.Message) error {
	s.metrics.RecordFrameReceived(msg.Kind)
	s.logger.Debug("← RECV", "kind", msg.Kind, "state", s.State())

	switch s.State() {
	case StateUnauthenticated:
		if msg.Kind == protocol.KindLogin {
			return s.handleLogin(msg)
		}
		return fmt.Errorf("%w: %s before login", ErrProtocolViolation, msg.Kind)

	case StateAuthenticated:
		if msg.Kind == protocol.KindText {
			return s.handleText(msg)
		}
		return fmt.Errorf("%w: %s after login", ErrProtocolViolation, msg.Kind)

	default:
		return ErrSessionClosed
	}
}

func (s *Session) handleLogin(msg protocol.Message) error {
	nickname := msg.Nickname

	// The welcome repeats the nickname, so it can outgrow a login frame that fit
	reply := protocol.Welcome(nickname)
	if protocol.PayloadSize(reply) > s.cfg.MaxFrameSize {
		s.SendMessage(protocol.Message{Kind: protocol.KindLogin, Body: protocol.NicknameTooLongBody})
		return fmt.Errorf("%w: nickname of %d bytes too long", ErrNicknameUnavailable, len(nickname))
	}

	welcome, err := protocol.Encode(reply)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	ok, err := s.registry.Login(s.ctx, s, nickname, welcome)
	if err != nil {
		return err
	}

	if !ok {
		rejection := protocol.Message{
			Kind:     protocol.KindLogin,
			Nickname: nickname,
			Body:     protocol.UnavailableBody(nickname),
		}
		if protocol.PayloadSize(rejection) > s.cfg.MaxFrameSize {
			rejection = protocol.Message{Kind: protocol.KindLogin, Nickname: nickname, Body: "Nickname is not available"}
		}
		s.SendMessage(rejection)
		return fmt.Errorf("%w: %q", ErrNicknameUnavailable, nickname)
	}

	s.mu.Lock()
	s.nickname = nickname
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))

	s.logger.Info("Logged in", "nickname", nickname, "addr", s.conn.RemoteAddr())
	return nil
}

func (s *Session) handleText(msg protocol.Message) error {
	out := protocol.Message{
		Kind:     protocol.KindText,
		Nickname: s.Nickname(),
		Body:     msg.Body,
	}

	if protocol.PayloadSize(out) > s.cfg.MaxFrameSize {
		return s.SendMessage(protocol.Message{
			Kind: protocol.KindStatus,
			Body: "Message too long to deliver",
		})
	}

	return s.registry.Broadcast(out)
}

// writeLoop writes queued frames until the session closes, then flushes
// what is still queued so replies such as a login rejection reach the peer
func (s *Session) writeLoop() error {
	for {
		select {
		case frame := <-s.outbox:
			if err := s.write(frame); err != nil {
				return err
			}
		case <-s.ctx.Done():
			s.flush()
			return context.Cause(s.ctx)
		}
	}
}

func (s *Session) flush() {
	reason := context.Cause(s.ctx)
	if errors.Is(reason, ErrSendFailure) || errors.Is(reason, ErrPeerClosed) {
		return
	}

	for {
		select {
		case frame := <-s.outbox:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}

	if len(frame) > 2 {
		kind := protocol.Kind(frame[2])
		s.metrics.RecordFrameSent(kind)
		s.logger.Debug("→ SEND", "kind", kind, "bytes", len(frame))
	}
	return nil
}

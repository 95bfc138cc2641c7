package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
)

// Registry is the set of live peers. All of its state is owned by the Run
// goroutine; other goroutines talk to it only through events, which makes the
// nickname check-and-claim atomic with respect to every other login and broadcast.
type Registry struct {
	logger   *slog.Logger
	metrics  *Metrics
	maxFrame int

	events chan event
	done   chan struct{}

	// Owned by Run
	entries []*entry
	byID    map[uint64]*entry
	byNick  map[string]*entry
}

type entry struct {
	peer     Peer
	nickname string
	loggedIn bool
}

// name is how notices refer to the peer
func (e *entry) name() string {
	if e.loggedIn {
		return e.nickname
	}
	return "Client"
}

type event any

type addEvent struct {
	peer Peer
}

type loginEvent struct {
	peer     Peer
	nickname string
	welcome  []byte
	reply    chan bool
}

type broadcastEvent struct {
	msg protocol.Message
}

type removeEvent struct {
	peer   Peer
	reason error
}

type statsEvent struct {
	reply chan RegistryStats
}

// RegistryStats is a point-in-time view of the registry
type RegistryStats struct {
	Live          int
	Authenticated int
	Nicknames     []string // authenticated nicknames in insertion order
}

// NewRegistry creates a registry; call Run to start processing events.
// maxFrame is the receive capacity of peers: broadcasts larger than it are dropped.
func NewRegistry(logger *slog.Logger, metrics *Metrics, maxFrame int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if maxFrame <= 0 {
		maxFrame = protocol.MaxFrameSize
	}

	return &Registry{
		logger:   logger,
		metrics:  metrics,
		maxFrame: maxFrame,
		events:   make(chan event),
		done:     make(chan struct{}),
		byID:     make(map[uint64]*entry),
		byNick:   make(map[string]*entry),
	}
}

// Run processes events until ctx is canceled, then closes every remaining peer
// with ErrServerShutdown. It must be called exactly once.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

// Done is closed once Run has returned
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Add registers a newly accepted peer as unauthenticated
func (r *Registry) Add(peer Peer) error {
	return r.submit(context.Background(), addEvent{peer: peer})
}

// Login atomically checks that nickname is free and claims it for peer. On success
// welcome is queued to the peer before any later broadcast can reach it.
func (r *Registry) Login(ctx context.Context, peer Peer, nickname string, welcome []byte) (bool, error) {
	reply := make(chan bool, 1)
	if err := r.submit(ctx, loginEvent{peer: peer, nickname: nickname, welcome: welcome, reply: reply}); err != nil {
		return false, err
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-r.done:
		return false, ErrRegistryClosed
	case <-ctx.Done():
		return false, context.Cause(ctx)
	}
}

// Broadcast queues msg to every authenticated peer in insertion order
func (r *Registry) Broadcast(msg protocol.Message) error {
	return r.submit(context.Background(), broadcastEvent{msg: msg})
}

// Remove drops peer from the live set. Unknown or already removed peers are ignored.
// A reason of ErrInactivityTimeout triggers a Status notice to the remaining peers.
func (r *Registry) Remove(peer Peer, reason error) {
	if err := r.submit(context.Background(), removeEvent{peer: peer, reason: reason}); err != nil {
		r.logger.Debug("Remove after registry shutdown", "session", peer.ID())
	}
}

// Stats returns a snapshot of the registry
func (r *Registry) Stats(ctx context.Context) (RegistryStats, error) {
	reply := make(chan RegistryStats, 1)
	if err := r.submit(ctx, statsEvent{reply: reply}); err != nil {
		return RegistryStats{}, err
	}
	return <-reply, nil
}

// submit hands ev to the Run goroutine. The events channel is unbuffered, so a
// nil return means Run has taken the event and will process it.
func (r *Registry) submit(ctx context.Context, ev event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRegistryClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (r *Registry) handle(ev event) {
	switch ev := ev.(type) {
	case addEvent:
		r.add(ev.peer)
	case loginEvent:
		ev.reply <- r.login(ev.peer, ev.nickname, ev.welcome)
	case broadcastEvent:
		r.broadcast(ev.msg)
	case removeEvent:
		r.remove(ev.peer, ev.reason)
	case statsEvent:
		ev.reply <- r.stats()
	default:
		r.logger.Error("Unknown registry event", "type", fmt.Sprintf("%T", ev))
	}
}

func (r *Registry) add(peer Peer) {
	if _, ok := r.byID[peer.ID()]; ok {
		return
	}

	e := &entry{peer: peer}
	r.entries = append(r.entries, e)
	r.byID[peer.ID()] = e
	r.recordSessions()
}

func (r *Registry) login(peer Peer, nickname string, welcome []byte) bool {
	e, ok := r.byID[peer.ID()]
	if !ok || e.loggedIn || nickname == "" {
		r.metrics.RecordLoginRejected()
		return false
	}

	if holder, taken := r.byNick[nickname]; taken && holder.loggedIn {
		r.logger.Info("Nickname unavailable", "session", peer.ID(), "nickname", nickname, "holder", holder.peer.ID())
		r.metrics.RecordLoginRejected()
		return false
	}

	e.loggedIn = true
	e.nickname = nickname
	r.byNick[nickname] = e
	r.recordSessions()

	if len(welcome) > 0 {
		if err := peer.Send(welcome); err != nil {
			peer.Close(fmt.Errorf("%w: %v", ErrSendFailure, err))
		}
	}
	return true
}

func (r *Registry) broadcast(msg protocol.Message) {
	if protocol.PayloadSize(msg) > r.maxFrame {
		r.logger.Warn("Dropping broadcast larger than frame capacity", "kind", msg.Kind, "size", protocol.PayloadSize(msg))
		r.metrics.RecordBroadcastDropped()
		return
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", "kind", msg.Kind, "error", err)
		return
	}

	start := time.Now()
	delivered := 0
	for _, e := range r.entries {
		if !e.loggedIn {
			continue
		}
		if err := e.peer.Send(frame); err != nil {
			r.logger.Debug("Broadcast send failed", "session", e.peer.ID(), "error", err)
			// The peer's own disconnect path will call Remove
			e.peer.Close(fmt.Errorf("%w: %v", ErrSendFailure, err))
			continue
		}
		delivered++
	}

	r.metrics.RecordBroadcast(delivered, time.Since(start).Seconds())
}

func (r *Registry) remove(peer Peer, reason error) {
	e, ok := r.byID[peer.ID()]
	if !ok {
		return
	}

	delete(r.byID, peer.ID())
	if e.loggedIn && r.byNick[e.nickname] == e {
		delete(r.byNick, e.nickname)
	}
	for i, other := range r.entries {
		if other == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.recordSessions()
	r.metrics.RecordSessionClosed(reason)

	if errors.Is(reason, ErrInactivityTimeout) {
		r.broadcast(protocol.Message{
			Kind: protocol.KindStatus,
			Body: fmt.Sprintf("%s disconnected due to inactivity", e.name()),
		})
	}
}

func (r *Registry) stats() RegistryStats {
	st := RegistryStats{Live: len(r.entries)}
	for _, e := range r.entries {
		if e.loggedIn {
			st.Authenticated++
			st.Nicknames = append(st.Nicknames, e.nickname)
		}
	}
	return st
}

func (r *Registry) recordSessions() {
	r.metrics.RecordSessions(len(r.entries), len(r.byNick))
}

// closeAll discards every peer, equivalent to closing every socket
func (r *Registry) closeAll() {
	for _, e := range r.entries {
		e.peer.Close(ErrServerShutdown)
	}
	r.entries = nil
	r.byID = make(map[uint64]*entry)
	r.byNick = make(map[string]*entry)
	r.recordSessions()
}

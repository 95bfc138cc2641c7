package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
)

var errLoginRejected = errors.New("login rejected")

// BotConfig holds the settings shared by every bot
type BotConfig struct {
	Address       string
	Transport     string
	MinDelay      time.Duration
	MaxDelay      time.Duration
	LoginTimeout  time.Duration
	EchoTimeout   time.Duration
	ThrottleBytes int // per-direction byte rate for slow bots, 0 = unthrottled
}

// BotClient is a scripted chat participant
type BotClient struct {
	id       int
	nickname string
	cfg      BotConfig
	conn     *client.Connection
	stats    *Stats
	logger   *slog.Logger
	rng      *rand.Rand

	loginResult chan error

	// Messages waiting for their broadcast echo, keyed by body
	pendingMu sync.Mutex
	pending   map[string]time.Time
	seq       int
}

// NewBotClient creates a bot; the nickname gets the id appended so bots don't collide
func NewBotClient(id int, cfg BotConfig, stats *Stats, logger *slog.Logger) (*BotClient, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	nickname := fmt.Sprintf("%s%d", generateUsername(rng), id)

	bc := &BotClient{
		id:          id,
		nickname:    nickname,
		cfg:         cfg,
		stats:       stats,
		logger:      logger.With("bot", id, "nickname", nickname),
		rng:         rng,
		loginResult: make(chan error, 1),
		pending:     make(map[string]time.Time),
	}

	conn, err := client.NewConnection(client.Config{
		Address:             cfg.Address,
		Nickname:            nickname,
		Transport:           cfg.Transport,
		ThrottleBytesPerSec: cfg.ThrottleBytes,
		Logger:              bc.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.OnMessage(bc.handleMessage)
	bc.conn = conn

	return bc, nil
}

func (bc *BotClient) handleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindLogin:
		var err error
		if !protocol.IsWelcome(msg, bc.nickname) {
			err = fmt.Errorf("%w: %s", errLoginRejected, msg.Body)
		}
		select {
		case bc.loginResult <- err:
		default:
		}

	case protocol.KindText:
		bc.stats.recordBroadcast()
		if msg.Nickname != bc.nickname {
			return
		}

		bc.pendingMu.Lock()
		sent, ok := bc.pending[msg.Body]
		delete(bc.pending, msg.Body)
		bc.pendingMu.Unlock()
		if ok {
			bc.stats.recordDelivered(time.Since(sent))
		}
	}
}

// Run connects, logs in and posts until ctx ends. Failures are recorded in
// the stats rather than returned so one bot cannot stop the fleet.
func (bc *BotClient) Run(ctx context.Context) error {
	// The connection outlives ctx so late echoes can still be counted
	runDone := make(chan error, 1)
	go func() { runDone <- bc.conn.Run(context.Background()) }()

	if err := bc.awaitLogin(ctx, runDone); err != nil {
		if errors.Is(err, errLoginRejected) {
			bc.stats.recordLoginRejected()
		} else if ctx.Err() == nil {
			bc.stats.recordConnectionError()
		}
		bc.logger.Debug("Bot did not start", "error", err)
		bc.conn.Close()
		<-runDone
		return nil
	}

	bc.postLoop(ctx, runDone)

	// Give the last echoes a chance to arrive before counting timeouts
	bc.drainEchoes(runDone)
	bc.conn.Close()
	<-runDone

	bc.pendingMu.Lock()
	lost := len(bc.pending)
	bc.pendingMu.Unlock()
	if lost > 0 {
		bc.stats.recordTimeouts(lost)
	}
	return nil
}

func (bc *BotClient) awaitLogin(ctx context.Context, runDone chan error) error {
	timer := time.NewTimer(bc.cfg.LoginTimeout)
	defer timer.Stop()

	select {
	case err := <-bc.loginResult:
		return err
	case err := <-runDone:
		runDone <- err
		if err == nil {
			err = client.ErrConnectionClosed
		}
		return err
	case <-timer.C:
		return fmt.Errorf("timeout waiting for login reply")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (bc *BotClient) postLoop(ctx context.Context, runDone chan error) {
	for {
		delay := bc.cfg.MinDelay
		if spread := bc.cfg.MaxDelay - bc.cfg.MinDelay; spread > 0 {
			delay += time.Duration(bc.rng.Int63n(int64(spread)))
		}

		select {
		case <-ctx.Done():
			return
		case err := <-runDone:
			// Put it back for Run's final wait
			runDone <- err
			bc.stats.recordDisconnection()
			bc.logger.Debug("Bot disconnected", "error", err)
			return
		case <-time.After(delay):
		}

		bc.post()
	}
}

func (bc *BotClient) post() {
	bc.pendingMu.Lock()
	bc.seq++
	body := fmt.Sprintf("%s #%d", randomSentence(bc.rng), bc.seq)
	bc.pending[body] = time.Now()
	bc.pendingMu.Unlock()

	if err := bc.conn.SendText(body); err != nil {
		bc.pendingMu.Lock()
		delete(bc.pending, body)
		bc.pendingMu.Unlock()
		bc.stats.recordSendFailure()
		return
	}
	bc.stats.recordPosted()
}

func (bc *BotClient) drainEchoes(runDone chan error) {
	deadline := time.Now().Add(bc.cfg.EchoTimeout)
	for time.Now().Before(deadline) {
		bc.pendingMu.Lock()
		outstanding := len(bc.pending)
		bc.pendingMu.Unlock()
		if outstanding == 0 {
			return
		}

		select {
		case err := <-runDone:
			runDone <- err
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Nickname returns the bot's login name
func (bc *BotClient) Nickname() string {
	return bc.nickname
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// FleetConfig describes one load test run
type FleetConfig struct {
	Bot          BotConfig
	Clients      int
	SlowClients  int // how many of Clients are throttled
	SlowRate     int // bytes per second for slow clients
	Duration     time.Duration
	ReportEvery  time.Duration
	RampUpFactor int // the first 1/RampUpFactor of Duration staggers bot starts
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("minichat-loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	address := fs.String("address", "localhost", "Server host name or IP")
	port := fs.Uint("port", 6465, "Server port")
	transport := fs.String("transport", client.TransportTCP, "Transport: tcp or websocket")
	numClients := fs.Int("clients", 10, "Number of concurrent clients")
	slowClients := fs.Int("slow", 0, "Number of clients with a throttled link")
	slowRate := fs.Int("slow-rate", 200, "Bytes per second for throttled clients")
	duration := fs.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := fs.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := fs.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	level := fs.String("level", "info", "Log level: "+strings.Join(logging.LevelNames, "|"))

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	logLevel, err := logging.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := logging.New(stderr, logLevel)

	cfg := FleetConfig{
		Bot: BotConfig{
			Address:      net.JoinHostPort(*address, strconv.FormatUint(uint64(*port), 10)),
			Transport:    *transport,
			MinDelay:     *minDelay,
			MaxDelay:     *maxDelay,
			LoginTimeout: 10 * time.Second,
			EchoTimeout:  2 * time.Second,
		},
		Clients:      *numClients,
		SlowClients:  *slowClients,
		SlowRate:     *slowRate,
		Duration:     *duration,
		ReportEvery:  5 * time.Second,
		RampUpFactor: 4,
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	snap, err := runFleet(ctx, cfg, logger)
	if err != nil {
		logger.Error("Load test failed", "error", err)
		return 1
	}
	report(logger, cfg, snap)
	return 0
}

func (c FleetConfig) validate() error {
	switch {
	case c.Clients <= 0:
		return errors.New("--clients must be positive")
	case c.SlowClients < 0 || c.SlowClients > c.Clients:
		return fmt.Errorf("--slow must be between 0 and --clients (%d)", c.Clients)
	case c.SlowClients > 0 && c.SlowRate <= 0:
		return errors.New("--slow-rate must be positive")
	case c.Bot.MinDelay <= 0 || c.Bot.MaxDelay < c.Bot.MinDelay:
		return errors.New("delays must be positive and --max-delay >= --min-delay")
	case c.Duration <= 0:
		return errors.New("--duration must be positive")
	}
	return nil
}

// runFleet starts the bots staggered over the ramp-up window and waits for
// all of them to finish
func runFleet(ctx context.Context, cfg FleetConfig, logger *slog.Logger) (Snapshot, error) {
	rampUp := cfg.Duration / time.Duration(max(cfg.RampUpFactor, 1))
	stagger := max(rampUp/time.Duration(cfg.Clients), time.Millisecond)

	logger.Info("Starting load test",
		"server", cfg.Bot.Address,
		"clients", cfg.Clients,
		"slow_clients", cfg.SlowClients,
		"duration", cfg.Duration,
		"ramp_up", rampUp,
		"delay_min", cfg.Bot.MinDelay,
		"delay_max", cfg.Bot.MaxDelay)

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	stats := &Stats{}
	stopReporter := startReporter(cfg.ReportEvery, stats, logger)
	defer stopReporter()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Clients && gctx.Err() == nil; i++ {
		botCfg := cfg.Bot
		if i < cfg.SlowClients {
			botCfg.ThrottleBytes = cfg.SlowRate
		}

		bot, err := NewBotClient(i, botCfg, stats, logger)
		if err != nil {
			cancel()
			g.Wait()
			return Snapshot{}, err
		}
		g.Go(func() error { return bot.Run(gctx) })

		if i%100 == 0 {
			logger.Debug("Bot started", "bot", i, "nickname", bot.Nickname())
		}

		select {
		case <-gctx.Done():
		case <-time.After(stagger):
		}
	}

	err := g.Wait()
	return stats.snapshot(), err
}

func startReporter(every time.Duration, stats *Stats, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-ticker.C:
				snap := stats.snapshot()
				logger.Info("Stats",
					"posted", snap.Posted,
					"rate", fmt.Sprintf("%.1f/s", float64(snap.Posted)/time.Since(start).Seconds()),
					"delivered", snap.Delivered,
					"failed", snap.Failed,
					"conn_errors", snap.ConnErrors,
					"avg_latency", snap.AvgResponse)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func report(logger *slog.Logger, cfg FleetConfig, snap Snapshot) {
	logger.Info("Final results",
		"duration", cfg.Duration,
		"posted", snap.Posted,
		"rate", fmt.Sprintf("%.1f/s", float64(snap.Posted)/cfg.Duration.Seconds()),
		"delivered", snap.Delivered,
		"broadcasts_received", snap.Broadcasts,
		"failed", snap.Failed,
		"send_failures", snap.SendFailures,
		"timeouts", snap.Timeouts,
		"disconnections", snap.Disconnects,
		"connection_errors", snap.ConnErrors,
		"logins_rejected", snap.Rejected,
		"avg_latency", snap.AvgResponse)

	if snap.Posted > 0 {
		logger.Info("Delivery rate", "percent", fmt.Sprintf("%.1f", float64(snap.Delivered)/float64(snap.Posted)*100))
	}
}

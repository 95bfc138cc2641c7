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
	"github.com/aeolun/minichat/pkg/client/ui"
	"github.com/aeolun/minichat/pkg/logging"
	"github.com/aeolun/minichat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	address    string
	port       uint
	nickname   string
	level      string
	configPath string
	transport  string
	statePath  string
	logFile    string
	tui        bool
	notify     bool
	timestamps bool
}

func parseFlags(args []string, stderr io.Writer) (options, bool, error) {
	var opts options

	fs := flag.NewFlagSet("minichat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.address, "address", "", "Server host name or IP (required)")
	fs.UintVar(&opts.port, "port", 0, "Server port (required)")
	fs.StringVar(&opts.nickname, "nickname", "", "Nickname to log in with (required)")
	fs.StringVar(&opts.level, "level", "info", "Log level: "+strings.Join(logging.LevelNames, "|"))
	fs.StringVar(&opts.configPath, "config", client.DefaultConfigPath(), "Path to TOML config file (created with defaults if missing)")
	fs.StringVar(&opts.transport, "transport", "", "Transport: tcp, websocket or auto (overrides config)")
	fs.StringVar(&opts.statePath, "state", "", "Path to state database (overrides config)")
	fs.StringVar(&opts.logFile, "log-file", "", "Write logs to this file (the terminal UI discards logs otherwise)")
	fs.BoolVar(&opts.tui, "tui", false, "Use the full-screen terminal UI (overrides config)")
	fs.BoolVar(&opts.notify, "notify", false, "Desktop notification when your nickname is mentioned (overrides config)")
	fs.BoolVar(&opts.timestamps, "timestamps", false, "Prefix printed lines with the time")
	version := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, true, nil
		}
		return opts, false, err
	}
	if *version {
		fmt.Fprintf(stderr, "MiniChat Client %s\n", Version)
		return opts, true, nil
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var missing []string
	for _, name := range []string{"address", "port", "nickname"} {
		if !set[name] {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		fs.Usage()
		return opts, false, fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	if opts.port == 0 || opts.port > 65535 {
		return opts, false, fmt.Errorf("invalid --port %d: must be 1-65535", opts.port)
	}
	if strings.TrimSpace(opts.nickname) == "" {
		return opts, false, errors.New("--nickname cannot be empty")
	}
	return opts, false, nil
}

// run parses args, chats until the connection closes and returns the exit code
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, done, err := parseFlags(args, stderr)
	if done {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	config, err := client.LoadClientConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	tuiMode := opts.tui || config.UI.Mode == "tui"
	notify := opts.notify || config.UI.NotifyMentions

	logger, closeLog, err := newLogger(opts, tuiMode, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeLog()

	statePath := opts.statePath
	if statePath == "" {
		if statePath, err = config.GetStateDBPath(); err != nil {
			logger.Error("Failed to resolve state path", "error", err)
			return 1
		}
	}

	// History is best effort; the client works without it
	var history client.History
	var transportHistory client.TransportHistory
	state, err := client.OpenState(statePath, logger)
	if err != nil {
		logger.Warn("Connection history unavailable", "path", statePath, "error", err)
	} else {
		defer state.Close()
		history = state
		transportHistory = state
	}

	address := net.JoinHostPort(opts.address, strconv.FormatUint(uint64(opts.port), 10))
	requested := config.Connection.Transport
	if opts.transport != "" {
		requested = opts.transport
	}

	connConfig := client.Config{
		Address:        address,
		Nickname:       opts.nickname,
		Transport:      client.ResolveTransport(address, requested, transportHistory, logger),
		ConnectTimeout: config.ConnectTimeout(),
		ReconnectDelay: config.ReconnectDelay(),
		History:        history,
		Logger:         logger,
	}
	if !tuiMode {
		connConfig.Input = stdin
	}

	conn, err := client.NewConnection(connConfig)
	if err != nil {
		logger.Error("Invalid connection settings", "error", err)
		fmt.Fprintln(stderr, err)
		return 1
	}

	var notifier *client.MentionNotifier
	if notify {
		notifier = client.NewMentionNotifier(opts.nickname, nil, logger)
	}

	if tuiMode {
		err = runTUI(ctx, conn, notifier, stderr)
	} else {
		err = runLineMode(ctx, conn, notifier, stdout, opts.timestamps)
	}
	if err != nil {
		logger.Error("Connection failed", "error", err)
		if tuiMode || opts.logFile != "" {
			fmt.Fprintln(stderr, err)
		}
		return 1
	}
	return 0
}

func newLogger(opts options, tuiMode bool, stderr io.Writer) (*slog.Logger, func(), error) {
	level, err := logging.ParseLevel(opts.level)
	if err != nil {
		return nil, nil, err
	}

	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return logging.New(f, level), func() { f.Close() }, nil
	}
	if tuiMode {
		// The alternate screen owns the terminal
		return logging.Discard(), func() {}, nil
	}
	return logging.New(stderr, level), func() {}, nil
}

// runLineMode prints one line per received message; input lines come from the
// connection's Input
func runLineMode(ctx context.Context, conn *client.Connection, notifier *client.MentionNotifier, stdout io.Writer, timestamps bool) error {
	printer := client.NewPrinter(stdout, timestamps)

	conn.OnMessage(func(msg protocol.Message) {
		printer.Print(msg)
		if notifier != nil {
			notifier.Handle(msg)
		}
	})

	return conn.Run(ctx)
}

// runTUI drives the connection from the bubbletea program
func runTUI(ctx context.Context, conn *client.Connection, notifier *client.MentionNotifier, stderr io.Writer) error {
	model := ui.NewModel(conn, Version)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	conn.OnMessage(func(msg protocol.Message) {
		p.Send(ui.ServerMessageMsg{Message: msg, At: time.Now()})
		if notifier != nil {
			notifier.Handle(msg)
		}
	})
	conn.OnStateChange(func(update client.StateUpdate) {
		p.Send(ui.StateChangeMsg{Update: update})
	})

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	final, progErr := p.Run()
	conn.Close()
	err := <-runErr

	reportLoginRejection(final, stderr)

	if progErr != nil && !errors.Is(progErr, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal UI: %w", progErr)
	}
	return err
}

// reportLoginRejection prints the server's refusal once the terminal is restored
func reportLoginRejection(final tea.Model, stderr io.Writer) {
	m, ok := final.(ui.Model)
	if !ok {
		return
	}
	if reply := m.LoginRejection(); reply != "" {
		fmt.Fprintf(stderr, "Login rejected: %s\n", reply)
	}
}

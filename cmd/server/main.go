package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aeolun/minichat/pkg/logging"
	"github.com/aeolun/minichat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

// run parses args, serves until ctx is canceled and returns the exit code
func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("minichat-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	port := fs.Uint("port", 0, "TCP port to listen on (required)")
	level := fs.String("level", "info", "Log level: "+strings.Join(logging.LevelNames, "|"))
	configPath := fs.String("config", "", "Path to TOML config file (created with defaults if missing)")
	httpPort := fs.Int("http-port", 0, "Port for WebSocket, /metrics, /health and /stats (0 = disabled, overrides config)")
	pprofAddr := fs.String("pprof", "", "Serve net/http/pprof on this address (e.g. localhost:6060)")
	version := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *version {
		fmt.Fprintf(stderr, "MiniChat Server %s\n", Version)
		return 0
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["port"] {
		fmt.Fprintln(stderr, "missing required flag: --port")
		fs.Usage()
		return 1
	}
	if *port > 65535 {
		fmt.Fprintf(stderr, "invalid --port %d: must be 0-65535\n", *port)
		return 1
	}

	logLevel, err := logging.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := logging.New(stderr, logLevel)

	config := server.DefaultTOMLConfig()
	if *configPath != "" {
		config, err = server.LoadConfig(*configPath)
		if err != nil {
			logger.Error("Failed to load config", "path", *configPath, "error", err)
			return 1
		}
		logger.Info("Loaded config", "path", *configPath)
	}

	// Command-line flags override config file
	serverConfig := config.ToServerConfig()
	serverConfig.TCPPort = int(*port)
	if set["http-port"] {
		serverConfig.HTTPPort = *httpPort
	}

	srv, err := server.NewServer(serverConfig, logger)
	if err != nil {
		logger.Error("Invalid server configuration", "error", err)
		return 1
	}

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start server", "error", err)
		return 1
	}

	logger.Info("MiniChat server started", "version", Version, "addr", srv.Addr().String())
	if addr := srv.HTTPAddr(); addr != nil {
		logger.Info("HTTP endpoints available",
			"websocket", fmt.Sprintf("ws://%s/ws", addr),
			"metrics", fmt.Sprintf("http://%s/metrics", addr))
	}

	if *pprofAddr != "" {
		go func() {
			logger.Info("Starting pprof server", "addr", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("pprof server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	logger.Info("Shutting down server")
	if err := srv.Stop(); err != nil {
		logger.Error("Error during shutdown", "error", err)
		return 1
	}
	logger.Info("Server stopped")
	return 0
}

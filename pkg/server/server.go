package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/transport"
)

// Server accepts chat connections over TCP and, when an HTTP port is set,
// over WebSocket, and serves Prometheus metrics on the same HTTP listener.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	metrics  *Metrics
	registry *Registry

	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
	startTime  time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // orders session registration against Stop
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // accept loop and HTTP server
	sessions sync.WaitGroup // one per live Session
	nextID   atomic.Uint64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress       string
	TCPPort           int
	HTTPPort          int // 0 disables the HTTP listener, -1 picks a free port
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	MaxFrameSize      int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           6465,
		HTTPPort:          0,
		InactivityTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Second,
		OutboundQueueSize: 64,
		MaxFrameSize:      protocol.MaxFrameSize,
	}
}

func (c ServerConfig) sessionConfig() SessionConfig {
	return SessionConfig{
		InactivityTimeout: c.InactivityTimeout,
		WriteTimeout:      c.WriteTimeout,
		OutboundQueueSize: c.OutboundQueueSize,
		MaxFrameSize:      c.MaxFrameSize,
	}
}

// Validate checks the configuration before any socket is opened
func (c ServerConfig) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	}
	if c.HTTPPort < -1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.MaxFrameSize < 0 || c.MaxFrameSize > protocol.MaxPayloadSize {
		return fmt.Errorf("max frame size %d out of range", c.MaxFrameSize)
	}
	return nil
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = protocol.MaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		registry: NewRegistry(logger.With("component", "registry"), metrics, config.MaxFrameSize),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}, nil
}

// Registry exposes the live session set, mainly for tests and the loadtest tool
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start opens the listeners and begins accepting connections
func (s *Server) Start() error {
	s.startTime = time.Now()

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.TCPPort))
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(s.logger, listener.Addr().String())

	if s.config.HTTPPort != 0 {
		if err := s.startHTTPServer(lc); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	go s.registry.Run(s.ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	go s.monitorListenOverflows()

	return nil
}

func (s *Server) startHTTPServer(lc net.ListenConfig) error {
	port := s.config.HTTPPort
	if port < 0 {
		port = 0
	}

	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(port))
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpAddr = listener.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc(transport.WebSocketPath, s.HandleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/stats", s.StatsHandler)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", s.httpAddr.String(), "websocket", transport.WebSocketPath, "metrics", "/metrics")
	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when it is disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Stop gracefully stops the server: listeners are closed, every session is
// closed with ErrServerShutdown, and Stop waits for their goroutines to exit.
// It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.shutdown)
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = s.httpServer.Shutdown(shutdownCtx)
			cancel()
		}

		// Cancels every session context and stops the registry
		s.cancel()

		s.wg.Wait()
		s.sessions.Wait()
		if s.listener != nil {
			<-s.registry.Done()
		}

		s.logger.Info("Server stopped")
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", "error", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.serve(conn, "tcp")
	}
}

// serve runs a Session for conn on its own goroutine
func (s *Server) serve(conn net.Conn, transportName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	id := s.nextID.Add(1)
	sess := NewSession(s.ctx, id, conn, transportName, s.registry, s.metrics, s.logger, s.config.sessionConfig())
	s.logger.Info("New connection", "session", id, "addr", conn.RemoteAddr().String(), "transport", transportName)

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.Run()
	}()
}

//go:build !linux

package server

import "log/slog"

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(logger *slog.Logger, addr string) {
	logger.Info("TCP server listening", "addr", addr)
}

// monitorListenOverflows is a no-op on non-Linux systems
func (s *Server) monitorListenOverflows() {}

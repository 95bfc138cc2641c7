package client

import (
	"log/slog"
	"strings"
)

// ResolveTransport picks the transport for address. An explicit request wins;
// "auto" (or empty) reuses the transport that last connected successfully to
// the same address, falling back to TCP when there is no history.
func ResolveTransport(address, requested string, history TransportHistory, logger *slog.Logger) string {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested != "" && requested != TransportAuto {
		return requested
	}
	if history == nil {
		return TransportTCP
	}

	transport, err := history.GetLastSuccessfulTransport(address)
	if err != nil {
		if logger != nil {
			logger.Warn("Failed to read connection history", "address", address, "error", err)
		}
		return TransportTCP
	}
	if transport == "" {
		return TransportTCP
	}

	if logger != nil {
		logger.Debug("Found connection history", "address", address, "transport", transport)
	}
	return transport
}

package client

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/aeolun/minichat/pkg/transport"
)

// Transport names accepted by Config.Transport and the --transport flag
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportAuto      = "auto"
)

// DialFunc opens a stream to addr; ctx carries the connect timeout
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func dialerFor(name string) (DialFunc, error) {
	switch strings.ToLower(name) {
	case TransportTCP, "":
		return dialTCP, nil
	case TransportWebSocket, "ws":
		return dialWebSocket, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q (want %s or %s)", name, TransportTCP, TransportWebSocket)
	}
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

func dialWebSocket(ctx context.Context, addr string) (net.Conn, error) {
	return transport.DialWebSocket(ctx, addr)
}

// Package transport carries the chat frame stream over transports other than raw TCP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// WebSocketPath is where the server mounts the chat endpoint
const WebSocketPath = "/ws"

// ErrTextMessage is returned when the peer sends a WebSocket text message;
// the chat stream is carried in binary messages only.
var ErrTextMessage = errors.New("websocket: unexpected text message")

// Upgrader accepts chat WebSocket connections from any origin; the terminal
// client sends no Origin header.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConn adapts a WebSocket connection to net.Conn so Sessions and
// Connections read a byte stream no matter which transport carried it.
// Each Write is sent as one binary message; Read hands message bytes out
// in whatever sizes the caller asks for.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// framesPerMessage bounds how many frames one WebSocket message may carry.
// Senders write one frame per message; the slack covers coalescing peers.
const framesPerMessage = 4

// ReadLimit is the largest WebSocket message accepted for a frame limit of maxFrame
func ReadLimit(maxFrame int) int64 {
	return int64(maxFrame+2) * framesPerMessage
}

// NewWebSocketConn wraps an established WebSocket connection. Messages
// are limited to the default frame size until SetMaxFrameSize says otherwise.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(ReadLimit(protocol.MaxFrameSize))
	return &WebSocketConn{ws: ws}
}

// SetMaxFrameSize bounds incoming messages so a peer cannot buffer more
// than a few frames ahead of the frame decoder
func (c *WebSocketConn) SetMaxFrameSize(maxFrame int) {
	c.ws.SetReadLimit(ReadLimit(maxFrame))
}

// DialWebSocket connects to ws://addr/ws, honoring ctx for the handshake
func DialWebSocket(ctx context.Context, addr string) (*WebSocketConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: WebSocketPath}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			return nil, fmt.Errorf("handshake with %s failed (is the HTTP listener enabled?): %w", u.String(), err)
		}
		return nil, err
	}

	return NewWebSocketConn(ws), nil
}

// Read implements net.Conn.Read
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrTextMessage
		}
		c.readBuf.Write(data)
	}

	return c.readBuf.Read(b)
}

// Write implements net.Conn.Write
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn.Close. Repeated calls return the first result.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// LocalAddr implements net.Conn.LocalAddr
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.RemoteAddr
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.SetReadDeadline
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

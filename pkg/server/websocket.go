package server

import (
	"net/http"

	"github.com/aeolun/minichat/pkg/transport"
)

// HandleWebSocket upgrades an HTTP request and runs the connection as a session,
// exactly like an accepted TCP connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.NewWebSocketConn(ws)
	conn.SetMaxFrameSize(s.config.MaxFrameSize)
	s.serve(conn, "websocket")
}

package server

import (
	"errors"
	"io"
	"os"

	"github.com/aeolun/minichat/pkg/protocol"
)

// Close reasons. A Session is closed with exactly one of these (possibly wrapped);
// the reason decides logging, metrics and whether an inactivity notice is broadcast.
var (
	ErrNicknameUnavailable = errors.New("nickname unavailable")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrInactivityTimeout   = errors.New("inactivity timeout")
	ErrSendFailure         = errors.New("send failure")
	ErrPeerClosed          = errors.New("connection closed by peer")
	ErrSessionClosed       = errors.New("session closed")
	ErrServerShutdown      = errors.New("server shutting down")

	ErrOutboxFull     = errors.New("outbound queue full")
	ErrRegistryClosed = errors.New("registry closed")
)

// closeReasonLabel maps a close reason onto a bounded metrics label
func closeReasonLabel(reason error) string {
	switch {
	case reason == nil, errors.Is(reason, ErrPeerClosed), errors.Is(reason, io.EOF):
		return "peer_closed"
	case errors.Is(reason, ErrInactivityTimeout):
		return "inactivity"
	case errors.Is(reason, ErrNicknameUnavailable):
		return "nickname_unavailable"
	case errors.Is(reason, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(reason, protocol.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(reason, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(reason, ErrSendFailure), errors.Is(reason, os.ErrDeadlineExceeded):
		return "send_failure"
	case errors.Is(reason, ErrServerShutdown), errors.Is(reason, ErrRegistryClosed):
		return "shutdown"
	default:
		return "io_error"
	}
}

// expectedClose reports whether reason is an ordinary end of a session
// rather than something an operator should look at
func expectedClose(reason error) bool {
	switch closeReasonLabel(reason) {
	case "peer_closed", "inactivity", "nickname_unavailable", "shutdown":
		return true
	default:
		return false
	}
}

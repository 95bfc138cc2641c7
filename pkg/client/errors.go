package client

import "errors"

var (
	ErrMessageTooLong    = errors.New("message too long")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrOutgoingQueueFull = errors.New("outgoing queue full")
	ErrServerClosed      = errors.New("connection closed by server")
	ErrAlreadyStarted    = errors.New("connection already started")

	// Internal close causes that end Run without an error
	errShutdown    = errors.New("shutdown requested")
	errInputClosed = errors.New("input closed")
)

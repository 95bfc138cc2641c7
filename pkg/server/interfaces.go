package server

// Peer is the Registry's handle on one live connection.
// The Registry never touches a socket; it queues frames and requests closes.
type Peer interface {
	// ID uniquely identifies the peer for the lifetime of the process
	ID() uint64

	// Send queues an encoded frame without blocking. An error means the
	// frame was not queued and the peer should be considered dead.
	Send(frame []byte) error

	// Close requests the peer's disconnect path. It must not block and must
	// tolerate repeated calls; only the first reason is kept.
	Close(reason error)
}

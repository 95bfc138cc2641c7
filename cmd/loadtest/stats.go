package main

import (
	"sync/atomic"
	"time"
)

// Stats tracks performance metrics across all bots
type Stats struct {
	messagesPosted    atomic.Int64
	messagesDelivered atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	broadcastsSeen    atomic.Int64

	// Detailed failure tracking
	connectionErrors atomic.Int64
	loginsRejected   atomic.Int64
	sendFailures     atomic.Int64
	timeouts         atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordPosted() {
	s.messagesPosted.Add(1)
}

// recordDelivered counts our own message coming back from the broadcast
func (s *Stats) recordDelivered(latency time.Duration) {
	s.messagesDelivered.Add(1)
	s.totalResponseTime.Add(latency.Microseconds())
}

func (s *Stats) recordBroadcast() {
	s.broadcastsSeen.Add(1)
}

func (s *Stats) recordSendFailure() {
	s.messagesFailed.Add(1)
	s.sendFailures.Add(1)
}

func (s *Stats) recordTimeouts(n int) {
	s.messagesFailed.Add(int64(n))
	s.timeouts.Add(int64(n))
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordLoginRejected() {
	s.loginsRejected.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Posted, Delivered, Failed, Broadcasts int64
	ConnErrors, Rejected                  int64
	SendFailures, Timeouts, Disconnects   int64
	AvgResponse                           time.Duration
}

func (s *Stats) snapshot() Snapshot {
	snap := Snapshot{
		Posted:       s.messagesPosted.Load(),
		Delivered:    s.messagesDelivered.Load(),
		Failed:       s.messagesFailed.Load(),
		Broadcasts:   s.broadcastsSeen.Load(),
		ConnErrors:   s.connectionErrors.Load(),
		Rejected:     s.loginsRejected.Load(),
		SendFailures: s.sendFailures.Load(),
		Timeouts:     s.timeouts.Load(),
		Disconnects:  s.disconnections.Load(),
	}
	if snap.Delivered > 0 {
		snap.AvgResponse = time.Duration(s.totalResponseTime.Load()/snap.Delivered) * time.Microsecond
	}
	return snap
}

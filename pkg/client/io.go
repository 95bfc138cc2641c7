package client

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// meteredConn counts and optionally throttles the bytes moving over a connection
type meteredConn struct {
	io.Reader
	io.Writer
	io.Closer
}

func wrapConn(conn net.Conn, throttle int, sent, received *atomic.Uint64) io.ReadWriteCloser {
	var reader io.Reader = conn
	var writer io.Writer = conn
	if throttle > 0 {
		reader = newThrottledReader(reader, throttle)
		writer = newThrottledWriter(writer, throttle)
	}

	return &meteredConn{
		Reader: &countingReader{r: reader, counter: received},
		Writer: &countingWriter{w: writer, counter: sent},
		Closer: conn,
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// throttledReader limits the read rate to bytesPerSec
type throttledReader struct {
	r            io.Reader
	bytesPerSec  int
	lastReadTime time.Time
	mu           sync.Mutex
}

func newThrottledReader(r io.Reader, bytesPerSec int) *throttledReader {
	return &throttledReader{
		r:            r,
		bytesPerSec:  bytesPerSec,
		lastReadTime: time.Now(),
	}
}

func (tr *throttledReader) Read(p []byte) (n int, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	// Small chunks keep the rate smooth
	maxChunkSize := max(tr.bytesPerSec/10, 1)
	if len(p) > maxChunkSize {
		p = p[:maxChunkSize]
	}

	n, err = tr.r.Read(p)
	if n > 0 {
		elapsed := time.Since(tr.lastReadTime)
		expected := time.Duration(float64(n) / float64(tr.bytesPerSec) * float64(time.Second))
		if expected > elapsed {
			time.Sleep(expected - elapsed)
		}
		tr.lastReadTime = time.Now()
	}

	return n, err
}

// throttledWriter limits the write rate to bytesPerSec
type throttledWriter struct {
	w             io.Writer
	bytesPerSec   int
	lastWriteTime time.Time
	mu            sync.Mutex
}

func newThrottledWriter(w io.Writer, bytesPerSec int) *throttledWriter {
	return &throttledWriter{
		w:             w,
		bytesPerSec:   bytesPerSec,
		lastWriteTime: time.Now(),
	}
}

func (tw *throttledWriter) Write(p []byte) (n int, err error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	chunkSize := max(tw.bytesPerSec/10, 1)
	total := 0
	for total < len(p) {
		end := min(total+chunkSize, len(p))

		written, err := tw.w.Write(p[total:end])
		total += written
		if err != nil {
			return total, err
		}

		if total < len(p) {
			elapsed := time.Since(tw.lastWriteTime)
			expected := time.Duration(float64(written) / float64(tw.bytesPerSec) * float64(time.Second))
			if expected > elapsed {
				time.Sleep(expected - elapsed)
			}
			tw.lastWriteTime = time.Now()
		}
	}

	return total, nil
}

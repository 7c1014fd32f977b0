package transport

import (
	"errors"
	"sync"
)

// Default backpressure watermarks, per spec.md §5/§6: a writer blocks
// once HighWater buffered bytes are outstanding, and unblocks once the
// buffered amount drains to LowWater.
const (
	DefaultHighWater = 16 << 20 // 16 MiB
	DefaultLowWater  = 4 << 20  // 4 MiB
)

// BackpressureWriter wraps a Stream so the chunk engine never outruns
// what the peer can drain. Unlike the teacher's unbounded
// io.Reader/Writer streams, every Write call here may block: the caller
// reports completed acknowledgements via Ack, and
// Write blocks on a condition variable, never a busy poll, once
// buffered bytes cross HighWater.
type BackpressureWriter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	stream    Stream
	buffered  int64
	highWater int64
	lowWater  int64
	closed    bool
}

// NewBackpressureWriter wraps stream with the given watermarks. A
// highWater/lowWater of zero falls back to the package defaults.
func NewBackpressureWriter(stream Stream, highWater, lowWater int64) *BackpressureWriter {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if lowWater <= 0 {
		lowWater = DefaultLowWater
	}
	bw := &BackpressureWriter{stream: stream, highWater: highWater, lowWater: lowWater}
	bw.cond = sync.NewCond(&bw.mu)
	return bw
}

// Write blocks until buffered bytes are below highWater, then writes p
// and counts it toward the buffered total. The caller is expected to
// call Ack once the peer confirms receipt (e.g. a bitmap-sync or
// resend-request round trip), draining the counter back down.
func (bw *BackpressureWriter) Write(p []byte) (int, error) {
	bw.mu.Lock()
	for bw.buffered >= bw.highWater && !bw.closed {
		bw.cond.Wait()
	}
	if bw.closed {
		bw.mu.Unlock()
		return 0, ErrWriterClosed
	}
	bw.buffered += int64(len(p))
	bw.mu.Unlock()

	n, err := bw.stream.Write(p)
	if err != nil {
		bw.Ack(int64(len(p)))
	}
	return n, err
}

// Ack reports n bytes as drained (acknowledged by the peer or flushed
// by the transport), waking any Write blocked on HighWater once the
// buffered total falls to or below LowWater.
func (bw *BackpressureWriter) Ack(n int64) {
	bw.mu.Lock()
	bw.buffered -= n
	if bw.buffered < 0 {
		bw.buffered = 0
	}
	if bw.buffered <= bw.lowWater {
		bw.cond.Broadcast()
	}
	bw.mu.Unlock()
}

// Buffered returns the current outstanding byte count.
func (bw *BackpressureWriter) Buffered() int64 {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.buffered
}

// Close unblocks any pending Write calls and marks the writer closed.
func (bw *BackpressureWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.cond.Broadcast()
	bw.mu.Unlock()
	return bw.stream.Close()
}

// ErrWriterClosed is returned by Write once the BackpressureWriter has
// been closed.
var ErrWriterClosed = errors.New("transport: backpressure writer closed")

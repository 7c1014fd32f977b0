package transport

import (
	"testing"
	"time"
)

type fakeStream struct {
	writes [][]byte
}

func (f *fakeStream) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}
func (f *fakeStream) Read(p []byte) (int, error)        { return 0, nil }
func (f *fakeStream) StreamID() uint64                  { return 1 }
func (f *fakeStream) CloseWrite() error                 { return nil }
func (f *fakeStream) Close() error                       { return nil }
func (f *fakeStream) SetDeadline(t time.Time) error      { return nil }
func (f *fakeStream) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeStream) SetWriteDeadline(t time.Time) error { return nil }

func TestBackpressureWriterBlocksPastHighWater(t *testing.T) {
	fs := &fakeStream{}
	bw := NewBackpressureWriter(fs, 10, 2)

	if _, err := bw.Write(make([]byte, 10)); err != nil {
		t.Fatalf("write up to high water: %v", err)
	}
	if bw.Buffered() != 10 {
		t.Fatalf("buffered = %d, want 10", bw.Buffered())
	}

	done := make(chan struct{})
	go func() {
		bw.Write(make([]byte, 4)) // buffered is at highWater=10, so this waits
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write should have blocked past high water")
	case <-time.After(50 * time.Millisecond):
	}

	bw.Ack(8) // drain to 2, at lowWater, should unblock
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after Ack drained below low water")
	}
}

func TestBackpressureWriterCloseUnblocksWaiters(t *testing.T) {
	fs := &fakeStream{}
	bw := NewBackpressureWriter(fs, 1, 0)
	bw.Write(make([]byte, 1))

	done := make(chan error, 1)
	go func() {
		_, err := bw.Write(make([]byte, 1))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	bw.Close()

	select {
	case err := <-done:
		if err != ErrWriterClosed {
			t.Fatalf("expected ErrWriterClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write never returned after Close")
	}
}

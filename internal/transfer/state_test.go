package transfer

import (
	"testing"
	"time"

	"github.com/tallowproject/tallow/internal/crypto"
)

func TestLifecycleHappyPath(t *testing.T) {
	s := New([16]byte{1}, "peer-a", []byte("enc-name"), 100, 64*1024, 1)
	if s.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", s.Status)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != StatusTransferring {
		t.Fatalf("expected TRANSFERRING, got %s", s.Status)
	}

	hash := crypto.Hash([]byte("data"))
	s.PerChunkHashes[0] = hash
	s.Bitmap.Set(0)

	root := crypto.HashChain(s.PerChunkHashes)
	done, err := s.MaybeComplete(root)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done || s.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got done=%v status=%s", done, s.Status)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	s := New([16]byte{2}, "peer-b", nil, 0, 64*1024, 0)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.Status != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", s.Status)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.Status != StatusTransferring {
		t.Fatalf("expected TRANSFERRING, got %s", s.Status)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New([16]byte{3}, "peer-c", nil, 0, 64*1024, 0)
	if err := s.Transition(StatusCompleted); err == nil {
		t.Fatal("expected PENDING -> COMPLETED to be rejected")
	}
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		s := New([16]byte{4}, "peer-d", nil, 0, 64*1024, 0)
		s.Status = terminal
		if err := s.Transition(StatusTransferring); err == nil {
			t.Fatalf("expected no transitions out of terminal status %s", terminal)
		}
	}
}

func TestCancelFromAnyNonTerminalStatus(t *testing.T) {
	s := New([16]byte{5}, "peer-e", nil, 0, 64*1024, 0)
	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel from PENDING: %v", err)
	}
	if s.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", s.Status)
	}
}

func TestCompletionRejectsRootMismatch(t *testing.T) {
	s := New([16]byte{6}, "peer-f", nil, 64, 64*1024, 1)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Bitmap.Set(0)
	s.PerChunkHashes[0] = crypto.Hash([]byte("real"))

	wrongRoot := crypto.Hash([]byte("wrong"))
	done, err := s.MaybeComplete(wrongRoot)
	if err == nil {
		t.Fatal("expected merkle root mismatch error")
	}
	if done {
		t.Fatal("must not report completion on root mismatch")
	}
	if s.Status == StatusCompleted {
		t.Fatal("status must not advance to COMPLETED on mismatch")
	}
}

func TestIsStale(t *testing.T) {
	s := New([16]byte{7}, "peer-g", nil, 0, 64*1024, 0)
	s.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	if !s.IsStale(time.Now()) {
		t.Fatal("expected transfer idle for 8 days to be stale")
	}

	s.UpdatedAt = time.Now()
	if s.IsStale(time.Now()) {
		t.Fatal("freshly updated transfer must not be stale")
	}
}

func TestBitmapMissing(t *testing.T) {
	b := NewBitmap(5)
	b.Set(1)
	b.Set(3)
	missing := b.Missing(5)
	want := []uint64{0, 2, 4}
	if len(missing) != len(want) {
		t.Fatalf("got %v, want %v", missing, want)
	}
	for i, v := range want {
		if missing[i] != v {
			t.Fatalf("got %v, want %v", missing, want)
		}
	}
}

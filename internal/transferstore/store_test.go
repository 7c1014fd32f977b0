package transferstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/tallowproject/tallow/internal/crypto"
	"github.com/tallowproject/tallow/internal/transfer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transfers.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	st := transfer.New([16]byte{9}, "peer-x", []byte("enc-name"), 128*1024, 64*1024, 2)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	if err := s.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != st.Status || loaded.TotalChunks != st.TotalChunks {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, st)
	}
}

func TestCommitChunkIsAtomic(t *testing.T) {
	s := openTestStore(t)
	st := transfer.New([16]byte{10}, "peer-y", nil, 64*1024, 64*1024, 1)

	plaintext := []byte("chunk contents")
	hash := crypto.Hash(plaintext)
	if err := s.CommitChunk(st, 0, plaintext, hash); err != nil {
		t.Fatalf("commit chunk: %v", err)
	}

	if !st.Bitmap.IsSet(0) {
		t.Fatal("bitmap bit not set after commit")
	}

	got, err := s.ReadChunk(st.ID, 0)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("chunk data mismatch")
	}

	reloaded, err := s.Load(st.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reloaded.Bitmap.IsSet(0) {
		t.Fatal("persisted bitmap missing the committed bit")
	}
}

func TestGCRemovesStaleTransfers(t *testing.T) {
	s := openTestStore(t)

	fresh := transfer.New([16]byte{11}, "peer-z", nil, 0, 64*1024, 0)
	stale := transfer.New([16]byte{12}, "peer-z", nil, 0, 64*1024, 0)
	stale.UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)

	if err := s.Save(fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(stale); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.GC(time.Now())
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}

	if _, err := s.Load(fresh.ID); err != nil {
		t.Fatalf("fresh transfer should survive GC: %v", err)
	}
	if _, err := s.Load(stale.ID); err == nil {
		t.Fatal("stale transfer should have been deleted")
	}
}

func TestDeleteRemovesChunkData(t *testing.T) {
	s := openTestStore(t)
	st := transfer.New([16]byte{13}, "peer-w", nil, 64*1024, 64*1024, 1)
	if err := s.CommitChunk(st, 0, []byte("data"), crypto.Hash([]byte("data"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(st.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ReadChunk(st.ID, 0); err == nil {
		t.Fatal("expected chunk data to be removed with the transfer")
	}
}

package chunk

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/tallowproject/tallow/internal/crypto"
)

func TestTotalChunksBoundaries(t *testing.T) {
	cases := []struct {
		size, chunkSize int64
		want            uint64
	}{
		{0, 64 * 1024, 0},
		{1, 64 * 1024, 1},
		{64 * 1024, 64 * 1024, 1},
		{64*1024 + 1, 64 * 1024, 2},
		{128 * 1024, 64 * 1024, 2},
	}
	for _, c := range cases {
		got := TotalChunks(c.size, int(c.chunkSize))
		if got != c.want {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d", c.size, c.chunkSize, got, c.want)
		}
	}
}

func TestMakeChunksCoversWholeFile(t *testing.T) {
	data := make([]byte, 200*1024+37)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	r := bytes.NewReader(data)

	var reassembled []byte
	var lastIndex uint64
	count := 0
	err := MakeChunks(r, int64(len(data)), SizeModerate, 0, func(p Plain) error {
		reassembled = append(reassembled, p.Plaintext...)
		lastIndex = p.Index
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("MakeChunks: %v", err)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("reassembled data does not match source")
	}
	if uint64(count) != TotalChunks(int64(len(data)), SizeModerate) {
		t.Fatalf("got %d chunks, want %d", count, TotalChunks(int64(len(data)), SizeModerate))
	}
	if lastIndex != uint64(count-1) {
		t.Fatalf("last index %d, expected %d", lastIndex, count-1)
	}
}

func TestEmptyFileZeroChunksRootIsBlake3Empty(t *testing.T) {
	r := bytes.NewReader(nil)
	n := 0
	if err := MakeChunks(r, 0, SizeModerate, 0, func(Plain) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected zero chunks for empty file, got %d", n)
	}
	root := Finalize(nil)
	if root != crypto.Hash(nil) {
		t.Fatal("empty file root must equal BLAKE3(\"\")")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [crypto.KeySize]byte
	copy(key[:], bytes.Repeat([]byte{7}, crypto.KeySize))
	fileHash := crypto.Hash([]byte("example.bin"))

	sealer := NewSealer(key, crypto.DirectionInitiatorToResponder, fileHash)
	opener := NewSealer(key, crypto.DirectionInitiatorToResponder, fileHash)

	plaintext := []byte("chunk plaintext contents")
	frame, err := sealer.Seal(3, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := opener.Open(frame)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("opened plaintext mismatch")
	}
}

func TestOpenRejectsTamperedFrame(t *testing.T) {
	var key [crypto.KeySize]byte
	fileHash := crypto.Hash([]byte("f"))
	sealer := NewSealer(key, crypto.DirectionInitiatorToResponder, fileHash)

	frame, err := sealer.Seal(0, []byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame.Ciphertext[0] ^= 0xFF

	if _, err := sealer.Open(frame); err == nil {
		t.Fatal("expected tampered frame to fail")
	}
}

func TestFinalizeMatchesOrderedHashes(t *testing.T) {
	var hashes [][32]byte
	for i := 0; i < 4; i++ {
		hashes = append(hashes, crypto.Hash([]byte{byte(i)}))
	}
	root1 := Finalize(hashes)
	root2 := Finalize(hashes)
	if root1 != root2 {
		t.Fatal("Finalize is not deterministic")
	}

	reversed := [][32]byte{hashes[3], hashes[2], hashes[1], hashes[0]}
	if Finalize(reversed) == root1 {
		t.Fatal("Finalize must be order-sensitive")
	}
}

package delta

import (
	"bytes"
	"testing"
)

func TestBlockSizeBounds(t *testing.T) {
	if got := BlockSize(10 << 20); got != MinBlockSize {
		t.Fatalf("small file: got %d, want %d", got, MinBlockSize)
	}
	if got := BlockSize(4 << 30); got != MaxBlockSize {
		t.Fatalf("large file: got %d, want %d", got, MaxBlockSize)
	}
	mid := BlockSize((smallFileThreshold + largeFileThreshold) / 2)
	if mid <= MinBlockSize || mid >= MaxBlockSize {
		t.Fatalf("mid-size file block size %d out of expected scaling range", mid)
	}
}

func TestDiffDetectsSmallEdit(t *testing.T) {
	blockSize := 16
	original := bytes.Repeat([]byte("A"), blockSize*10)
	modified := append([]byte(nil), original...)
	// Flip a handful of bytes inside block index 5 only.
	copy(modified[5*blockSize:5*blockSize+4], []byte("XXXX"))

	origSigs, err := ComputeSignatures(bytes.NewReader(original), blockSize)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}
	newSigs, err := ComputeSignatures(bytes.NewReader(modified), blockSize)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}

	changed := Diff(origSigs, newSigs)
	if len(changed) != 1 || changed[0] != 5 {
		t.Fatalf("expected exactly block 5 to differ, got %v", changed)
	}

	// Bandwidth-saved invariant from spec.md §8: for a small edit,
	// bytes retransmitted must be a small fraction of the whole file.
	bytesSent := len(changed) * blockSize
	if float64(bytesSent) > 0.1*float64(len(original)) {
		t.Fatalf("delta sync sent %d of %d bytes, expected <=10%%", bytesSent, len(original))
	}
}

func TestDiffHandlesAppendedBlocks(t *testing.T) {
	blockSize := 8
	original := bytes.Repeat([]byte("B"), blockSize*2)
	appended := append(append([]byte(nil), original...), bytes.Repeat([]byte("C"), blockSize)...)

	origSigs, _ := ComputeSignatures(bytes.NewReader(original), blockSize)
	newSigs, _ := ComputeSignatures(bytes.NewReader(appended), blockSize)

	changed := Diff(origSigs, newSigs)
	if len(changed) != 1 || changed[0] != 2 {
		t.Fatalf("expected only the new trailing block to be flagged, got %v", changed)
	}
}

func TestDiffNoChangesIsEmpty(t *testing.T) {
	blockSize := 8
	data := bytes.Repeat([]byte("Z"), blockSize*4)
	sigs, _ := ComputeSignatures(bytes.NewReader(data), blockSize)
	if changed := Diff(sigs, sigs); len(changed) != 0 {
		t.Fatalf("expected no diffs for identical signature sets, got %v", changed)
	}
}

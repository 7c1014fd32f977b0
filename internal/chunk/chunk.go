// Package chunk fragments a file into fixed-size plaintext windows,
// authenticates each fragment with the session's ratchet, and computes
// the Merkle/root hash used to verify whole-file integrity at transfer
// completion. Grounded on the chunk framing shape of other pack repos'
// chunk_receiver.go and the teacher's io.Pipe streaming idiom in
// internal/filetransfer/stream.go.
package chunk

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tallowproject/tallow/internal/crypto"
)

// Size presets selectable by the transport layer per spec.md §4.3.
// Adaptive selection lives in internal/transport; this package only
// enforces that the chosen size is one of these once a transfer begins.
const (
	SizeVeryPoor = 16 * 1024
	SizePoor     = 32 * 1024
	SizeModerate = 64 * 1024 // default
	SizeFast     = 128 * 1024
	SizeLAN      = 256 * 1024
)

// ValidSizes lists the adaptive chunk sizes in ascending order.
var ValidSizes = []int{SizeVeryPoor, SizePoor, SizeModerate, SizeFast, SizeLAN}

// IsValidSize reports whether n is one of the adaptive chunk-size
// presets.
func IsValidSize(n int) bool {
	for _, v := range ValidSizes {
		if v == n {
			return true
		}
	}
	return false
}

// Plain is one lazily-produced plaintext window of the source file.
type Plain struct {
	Index     uint64
	Offset    int64
	Plaintext []byte
}

// MakeChunks returns a finite, restartable iterator over file windows of
// chunkSize bytes. Restartable means the caller can call it again with a
// different startIndex (e.g. after resume) and get the same plaintext
// windows it would have produced from a fresh pass, since it always
// seeks by index*chunkSize.
func MakeChunks(r io.ReaderAt, fileSize int64, chunkSize int, startIndex uint64, yield func(Plain) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk: invalid chunk size %d", chunkSize)
	}
	total := TotalChunks(fileSize, chunkSize)
	buf := make([]byte, chunkSize)
	for i := startIndex; i < total; i++ {
		offset := int64(i) * int64(chunkSize)
		n := chunkSize
		if remaining := fileSize - offset; int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := r.ReadAt(buf[:n], offset); err != nil && err != io.EOF {
			return fmt.Errorf("chunk: read chunk %d: %w", i, err)
		}
		plaintext := make([]byte, n)
		copy(plaintext, buf[:n])
		if err := yield(Plain{Index: i, Offset: offset, Plaintext: plaintext}); err != nil {
			return err
		}
	}
	return nil
}

// TotalChunks computes the number of chunks a file of fileSize bytes
// splits into at chunkSize. An empty file is zero chunks; a file whose
// size is an exact multiple of chunkSize has no short tail chunk.
func TotalChunks(fileSize int64, chunkSize int) uint64 {
	if fileSize <= 0 {
		return 0
	}
	return uint64((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// Sealer seals and opens chunks under a single session-derived AEAD key
// and one direction tag. A file transfer uses one Sealer for its whole
// duration; the nonce is the direction tag plus a monotonic per-Sealer
// send counter, and chunk_index together with the file's overall
// identity hash is bound into the AAD so chunks cannot be replayed
// across indices or across transfers of different files.
type Sealer struct {
	key        [crypto.KeySize]byte
	direction  uint32
	fileHash   [32]byte
	sendCount  uint64
	recvCount  uint64
}

// NewSealer builds a Sealer from a session-derived AEAD key. fileHash
// identifies the file being transferred (typically a BLAKE3 hash of its
// encrypted name plus size) and is bound into every chunk's AAD.
func NewSealer(key [crypto.KeySize]byte, direction uint32, fileHash [32]byte) *Sealer {
	return &Sealer{key: key, direction: direction, fileHash: fileHash}
}

// Frame is a sealed chunk ready for the wire: index, counter-nonce,
// ciphertext+tag, and the plaintext's own BLAKE3 hash. The hash field is
// not part of the AAD; a tampered hash field is caught by the hash
// comparison in Open.
type Frame struct {
	Index      uint64
	Nonce      [crypto.NonceSize]byte
	Ciphertext []byte // includes the 16-byte trailing tag
	Hash       [32]byte
}

func chunkAAD(index uint64, fileHash [32]byte) []byte {
	aad := make([]byte, 8+32)
	binary.BigEndian.PutUint64(aad[0:8], index)
	copy(aad[8:], fileHash[:])
	return aad
}

// Seal authenticates one plaintext chunk. The nonce counter is the
// Sealer's own strictly monotonic send counter, independent of the
// chunk index, so out-of-order resends never reuse a nonce.
func (s *Sealer) Seal(index uint64, plaintext []byte) (Frame, error) {
	hash := crypto.Hash(plaintext)
	nonce := crypto.BuildNonce(s.direction, s.sendCount)
	s.sendCount++

	ct, err := crypto.Seal(s.key, nonce, plaintext, chunkAAD(index, s.fileHash))
	if err != nil {
		return Frame{}, fmt.Errorf("chunk: seal %d: %w", index, err)
	}
	return Frame{Index: index, Nonce: nonce, Ciphertext: ct, Hash: hash}, nil
}

// ErrHashMismatch is returned by Open when the AEAD tag verifies but the
// recomputed BLAKE3 hash disagrees with the frame's claimed hash. The
// hash field travels outside the AEAD, so this is the check that catches
// a tampered or corrupted hash, done in constant time per spec.md
// §4.3/§8.
var ErrHashMismatch = fmt.Errorf("chunk: plaintext hash does not match frame hash")

// Open verifies and decrypts a chunk frame, in the order the spec
// requires: AEAD tag first, then the constant-time hash comparison.
func (s *Sealer) Open(f Frame) ([]byte, error) {
	plaintext, err := crypto.Open(s.key, f.Nonce, f.Ciphertext, chunkAAD(f.Index, s.fileHash))
	if err != nil {
		return nil, err
	}
	computed := crypto.Hash(plaintext)
	if !crypto.ConstantTimeEqual(computed[:], f.Hash[:]) {
		return nil, ErrHashMismatch
	}
	return plaintext, nil
}

// Finalize computes the Merkle/root hash over the ordered per-chunk
// hashes, per spec.md §4.3. An empty hash list yields BLAKE3(""), which
// is the documented root for a zero-chunk (empty) file.
func Finalize(perChunkHashes [][32]byte) [32]byte {
	return crypto.HashChain(perChunkHashes)
}

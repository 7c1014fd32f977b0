package session

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// transferMeta is the first record a sender writes: everything the
// receiver needs to allocate a transfer.State and accept the chunk
// records that follow. The plaintext file name never crosses the wire — only its
// ciphertext and nonce, sealed under the filename subkey derived in
// Open (see ContextFilenameKey).
type transferMeta struct {
	ID                 [16]byte `cbor:"1,keyasint"`
	FileNameCiphertext []byte   `cbor:"2,keyasint"`
	FileNameNonce      [12]byte `cbor:"3,keyasint"`
	FileSize           int64    `cbor:"4,keyasint"`
	ChunkSize          int      `cbor:"5,keyasint"`
	TotalChunks        uint64   `cbor:"6,keyasint"`

	// DeltaBlockSize is the delta-sync block size (internal/delta);
	// SendFile always leaves it zero.
	DeltaBlockSize int `cbor:"7,keyasint"`
}

func encodeMeta(m *transferMeta) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("session: marshal transfer meta: %w", err)
	}
	return data, nil
}

func decodeMeta(buf []byte) (*transferMeta, error) {
	var m transferMeta
	if err := cbor.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("session: unmarshal transfer meta: %w", err)
	}
	return &m, nil
}

// transferDone is sent by the sender once every chunk has been written
// to the stream: it carries the Merkle root the receiver must match
// before transitioning to COMPLETED.
type transferDone struct {
	MerkleRoot [32]byte `cbor:"1,keyasint"`
}

func encodeDone(d *transferDone) ([]byte, error) {
	return cbor.Marshal(d)
}

func decodeDone(buf []byte) (*transferDone, error) {
	var d transferDone
	if err := cbor.Unmarshal(buf, &d); err != nil {
		return nil, fmt.Errorf("session: unmarshal transfer done: %w", err)
	}
	return &d, nil
}

// transferAck is the receiver's reply once MaybeComplete has verified
// the Merkle root, letting the sender close the transfer as confirmed
// rather than merely "written".
type transferAck struct {
	OK      bool   `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

func encodeAck(a *transferAck) ([]byte, error) {
	return cbor.Marshal(a)
}

func decodeAck(buf []byte) (*transferAck, error) {
	var a transferAck
	if err := cbor.Unmarshal(buf, &a); err != nil {
		return nil, fmt.Errorf("session: unmarshal transfer ack: %w", err)
	}
	return &a, nil
}

// syncRequest is the resume-time analogue of protocol.BitmapSync/
// ResendRequest, carried as its own record kind rather than through
// peer.Connection's control-frame plumbing since this package owns the
// single shared stream directly during a transfer (see record.go).
type syncRequest struct {
	Missing []uint64 `cbor:"1,keyasint"`
}

func encodeSync(s *syncRequest) ([]byte, error) {
	return cbor.Marshal(s)
}

func decodeSync(buf []byte) (*syncRequest, error) {
	var s syncRequest
	if err := cbor.Unmarshal(buf, &s); err != nil {
		return nil, fmt.Errorf("session: unmarshal sync request: %w", err)
	}
	return &s, nil
}

// Progress reports incremental transfer state to a caller-supplied
// callback, matching the shape schollz/progressbar/v3 consumers expect:
// bytes done and total, suitable for driving a progress bar directly.
type Progress struct {
	ChunksDone  uint64
	TotalChunks uint64
	BytesDone   int64
	TotalBytes  int64
	StartedAt   time.Time
}

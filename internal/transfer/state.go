// Package transfer implements the transfer lifecycle state machine from
// spec.md §4.4: per-transfer status transitions, the chunk bitmap, and
// the invariants that gate completion. Persistence is delegated to
// internal/transferstore; this package only holds and mutates in-memory
// state plus validates transitions.
package transfer

import (
	"fmt"
	"time"

	"github.com/tallowproject/tallow/internal/crypto"
)

// Status is one node in the transfer lifecycle state machine.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusTransferring Status = "TRANSFERRING"
	StatusPaused       Status = "PAUSED"
	StatusRetrying     Status = "RETRYING" // self-loop on TRANSFERRING
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether a status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// State is the full in-memory record for one transfer, matching the
// persisted-record shape from spec.md §6.
type State struct {
	ID   [16]byte
	Peer string // peer fingerprint/handle, by-id reference only

	FileNameCiphertext []byte
	FileSize           int64
	ChunkSize          int
	TotalChunks        uint64

	Bitmap         Bitmap
	PerChunkHashes [][32]byte
	MerkleRoot     [32]byte

	SessionKeyHandle string // non-secret id; the actual key lives in ratchet.Session

	Status Status

	CreatedAt time.Time
	UpdatedAt time.Time

	RetryCounts map[uint64]int
}

// New constructs a PENDING transfer with a zeroed bitmap sized to
// TotalChunks(fileSize, chunkSize).
func New(id [16]byte, peer string, fileNameCiphertext []byte, fileSize int64, chunkSize int, totalChunks uint64) *State {
	now := time.Now()
	return &State{
		ID:                 id,
		Peer:               peer,
		FileNameCiphertext: fileNameCiphertext,
		FileSize:           fileSize,
		ChunkSize:          chunkSize,
		TotalChunks:        totalChunks,
		Bitmap:             NewBitmap(totalChunks),
		PerChunkHashes:      make([][32]byte, totalChunks),
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		RetryCounts:        make(map[uint64]int),
	}
}

// Validate checks the structural invariants from spec.md §3: bitmap
// size matches total-chunk count, completed-count never exceeds total.
func (s *State) Validate() error {
	wantBytes := (s.TotalChunks + 7) / 8
	if uint64(len(s.Bitmap)) != wantBytes {
		return fmt.Errorf("transfer: bitmap size %d bytes, want %d for %d chunks", len(s.Bitmap), wantBytes, s.TotalChunks)
	}
	if s.Bitmap.Count() > s.TotalChunks {
		return fmt.Errorf("transfer: completed count %d exceeds total %d", s.Bitmap.Count(), s.TotalChunks)
	}
	return nil
}

// allowedTransitions enumerates every legal edge in the lifecycle state
// machine from spec.md §4.4.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusTransferring: true,
		StatusCancelled:    true,
	},
	StatusTransferring: {
		StatusPaused:    true,
		StatusRetrying:  true,
		StatusFailed:    true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusRetrying: {
		StatusTransferring: true,
		StatusPaused:       true,
		StatusFailed:       true,
		StatusCancelled:    true,
	},
	StatusPaused: {
		StatusTransferring: true,
		StatusCancelled:    true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal
// edge in the state machine.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return allowedTransitions[from][to]
}

// Transition validates and applies a status change, stamping UpdatedAt.
func (s *State) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("transfer: illegal transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// Start moves PENDING -> TRANSFERRING once the handshake is complete
// and the first chunk is scheduled.
func (s *State) Start() error { return s.Transition(StatusTransferring) }

// Pause moves TRANSFERRING/RETRYING -> PAUSED, for both explicit user
// pause and automatic pause on transport loss.
func (s *State) Pause() error {
	if s.Status == StatusRetrying {
		s.Status = StatusTransferring
	}
	return s.Transition(StatusPaused)
}

// Resume moves PAUSED -> TRANSFERRING. Callers are expected to follow
// this with a bitmap-sync control exchange so the sender only
// retransmits missing chunks.
func (s *State) Resume() error { return s.Transition(StatusTransferring) }

// Retry records a self-loop retry without leaving TRANSFERRING.
func (s *State) Retry() error {
	if s.Status != StatusTransferring && s.Status != StatusRetrying {
		return fmt.Errorf("transfer: cannot retry from %s", s.Status)
	}
	s.Status = StatusRetrying
	s.UpdatedAt = time.Now()
	return nil
}

// Fail moves to the terminal FAILED state.
func (s *State) Fail() error { return s.Transition(StatusFailed) }

// Cancel moves to the terminal CANCELLED state from any non-terminal
// status.
func (s *State) Cancel() error {
	if s.Status.Terminal() {
		return fmt.Errorf("transfer: cannot cancel terminal status %s", s.Status)
	}
	s.Status = StatusCancelled
	s.UpdatedAt = time.Now()
	return nil
}

// MaybeComplete moves TRANSFERRING -> COMPLETED only if every chunk bit
// is set and the recomputed Merkle root matches the sender's root,
// satisfying spec.md §8's completion invariant. It returns false (no
// error) if completion conditions are not yet met.
func (s *State) MaybeComplete(senderRoot [32]byte) (bool, error) {
	if !s.Bitmap.Complete(s.TotalChunks) {
		return false, nil
	}
	root := crypto.HashChain(s.PerChunkHashes)
	if root != senderRoot {
		return false, fmt.Errorf("transfer: merkle root mismatch at completion")
	}
	if err := s.Transition(StatusCompleted); err != nil {
		return false, err
	}
	s.MerkleRoot = root
	return true, nil
}

// StaleAfter is the garbage-collection threshold from spec.md §4.4:
// transfers with no update for this long are swept.
const StaleAfter = 7 * 24 * time.Hour

// IsStale reports whether the transfer has had no update for
// StaleAfter and is not already terminal.
func (s *State) IsStale(now time.Time) bool {
	return !s.Status.Terminal() && now.Sub(s.UpdatedAt) > StaleAfter
}

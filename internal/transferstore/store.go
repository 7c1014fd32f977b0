// Package transferstore persists transfer.State records to a local
// key-value database, transactionally at the per-chunk level per
// spec.md §4.4: either a chunk's bitmap bit and its on-disk chunk data
// are both committed, or neither is. Grounded on the teacher's
// atomic-write idiom in internal/filetransfer/partial.go (the on-disk
// state is authoritative across process restarts), adapted from a JSON
// sidecar file onto bbolt transactions since the spec requires the
// commit to be atomic across two different kinds of data (a bitmap bit
// and a chunk's bytes), which a single os.Rename cannot express.
package transferstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/tallowproject/tallow/internal/transfer"
)

var (
	bucketRecords = []byte("transfer_records")
	bucketChunks  = []byte("transfer_chunk_data")
)

// record is the CBOR wire shape of a persisted transfer, matching
// spec.md §6's field list.
type record struct {
	Version            uint8             `cbor:"1,keyasint"`
	FileNameCiphertext []byte            `cbor:"2,keyasint"`
	FileSize           int64             `cbor:"3,keyasint"`
	ChunkSize          int               `cbor:"4,keyasint"`
	TotalChunks        uint64            `cbor:"5,keyasint"`
	Bitmap             []byte            `cbor:"6,keyasint"`
	PerChunkHashes     [][]byte          `cbor:"7,keyasint"`
	MerkleRoot         []byte            `cbor:"8,keyasint"`
	SessionKeyHandle   string            `cbor:"9,keyasint"`
	PeerFingerprint    string            `cbor:"10,keyasint"`
	Status             string            `cbor:"11,keyasint"`
	CreatedAt          time.Time         `cbor:"12,keyasint"`
	UpdatedAt          time.Time         `cbor:"13,keyasint"`
	RetryCounts        map[uint64]int    `cbor:"14,keyasint"`
}

const currentVersion = 1

// Store is a single-writer, multi-reader keyed database of transfer
// records, opened once per process and shared across the transfer
// scheduler and the CLI's status reporting.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transferstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transferstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func toRecord(st *transfer.State) record {
	hashes := make([][]byte, len(st.PerChunkHashes))
	for i, h := range st.PerChunkHashes {
		hashes[i] = append([]byte(nil), h[:]...)
	}
	return record{
		Version:            currentVersion,
		FileNameCiphertext: st.FileNameCiphertext,
		FileSize:           st.FileSize,
		ChunkSize:          st.ChunkSize,
		TotalChunks:        st.TotalChunks,
		Bitmap:             []byte(st.Bitmap),
		PerChunkHashes:     hashes,
		MerkleRoot:         st.MerkleRoot[:],
		SessionKeyHandle:   st.SessionKeyHandle,
		PeerFingerprint:    st.Peer,
		Status:             string(st.Status),
		CreatedAt:          st.CreatedAt,
		UpdatedAt:          st.UpdatedAt,
		RetryCounts:        st.RetryCounts,
	}
}

func fromRecord(id [16]byte, r record) *transfer.State {
	hashes := make([][32]byte, len(r.PerChunkHashes))
	for i, h := range r.PerChunkHashes {
		copy(hashes[i][:], h)
	}
	var root [32]byte
	copy(root[:], r.MerkleRoot)

	retryCounts := r.RetryCounts
	if retryCounts == nil {
		retryCounts = make(map[uint64]int)
	}

	return &transfer.State{
		ID:                 id,
		Peer:               r.PeerFingerprint,
		FileNameCiphertext: r.FileNameCiphertext,
		FileSize:           r.FileSize,
		ChunkSize:          r.ChunkSize,
		TotalChunks:        r.TotalChunks,
		Bitmap:             transfer.Bitmap(r.Bitmap),
		PerChunkHashes:     hashes,
		MerkleRoot:         root,
		SessionKeyHandle:   r.SessionKeyHandle,
		Status:             transfer.Status(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		RetryCounts:        retryCounts,
	}
}

// Save persists the full transfer record, overwriting any previous
// version.
func (s *Store) Save(st *transfer.State) error {
	rec := toRecord(st)
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transferstore: marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(st.ID[:], data)
	})
}

// Load reads a transfer record by id.
func (s *Store) Load(id [16]byte) (*transfer.State, error) {
	var st *transfer.State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(id[:])
		if data == nil {
			return fmt.Errorf("transferstore: no record for id %x", id)
		}
		var rec record
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("transferstore: unmarshal: %w", err)
		}
		st = fromRecord(id, rec)
		return nil
	})
	return st, err
}

// List returns every persisted transfer, most recently updated first.
func (s *Store) List() ([]*transfer.State, error) {
	var out []*transfer.State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("transferstore: unmarshal %x: %w", k, err)
			}
			var id [16]byte
			copy(id[:], k)
			out = append(out, fromRecord(id, rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Delete removes a transfer record and all of its chunk data.
func (s *Store) Delete(id [16]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Delete(id[:]); err != nil {
			return err
		}
		c := tx.Bucket(bucketChunks).Cursor()
		prefix := id[:]
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := tx.Bucket(bucketChunks).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func chunkKey(id [16]byte, index uint64) []byte {
	k := make([]byte, 16+8)
	copy(k[:16], id[:])
	binary.BigEndian.PutUint64(k[16:], index)
	return k
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// CommitChunk atomically writes a chunk's plaintext to the chunk-data
// bucket, sets its bitmap bit and per-chunk hash, and persists the
// updated record — all inside a single bbolt transaction, so a crash
// mid-write leaves either the old state (bit unset, no data) or the
// new one (bit set, data present), never a half-committed chunk.
func (s *Store) CommitChunk(st *transfer.State, index uint64, plaintext []byte, hash [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(chunkKey(st.ID, index), plaintext); err != nil {
			return fmt.Errorf("transferstore: write chunk %d: %w", index, err)
		}
		st.Bitmap.Set(index)
		st.PerChunkHashes[index] = hash
		st.UpdatedAt = time.Now()

		rec := toRecord(st)
		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("transferstore: marshal: %w", err)
		}
		return tx.Bucket(bucketRecords).Put(st.ID[:], data)
	})
}

// ReadChunk returns a previously committed chunk's plaintext.
func (s *Store) ReadChunk(id [16]byte, index uint64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(chunkKey(id, index))
		if v == nil {
			return fmt.Errorf("transferstore: no chunk data for index %d", index)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// GC deletes every persisted transfer whose State.IsStale is true as of
// now, per spec.md §4.4's 7-day retention policy.
func (s *Store) GC(now time.Time) (deleted int, err error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	for _, st := range all {
		if st.IsStale(now) {
			if err := s.Delete(st.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

package session

import (
	"context"
	"crypto/rand"
	"os"
	"time"

	"github.com/tallowproject/tallow/internal/chunk"
	"github.com/tallowproject/tallow/internal/crypto"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/peer"
	"github.com/tallowproject/tallow/internal/protocol"
	"github.com/tallowproject/tallow/internal/transfer"
	"github.com/tallowproject/tallow/internal/transferstore"
)

// maxFileNameLen caps the plaintext name sealed into the metadata
// record; spec.md places no hard limit, but an unbounded name would let
// a malicious peer force an arbitrarily large AEAD open.
const maxFileNameLen = 4096

// SendOptions configures a single outbound transfer.
type SendOptions struct {
	// ChunkSize overrides the connection's sampled-link-quality default
	// (see peer.Connection.ChunkSize); 0 means "use the adaptive default".
	ChunkSize int
	// MaxRetries bounds the retries of a chunk whose local seal or
	// write fails; 0 means chunk.DefaultMaxRetries. A chunk that fails
	// to open at the receiver is not resent.
	MaxRetries int
	// OnProgress is invoked after each chunk is acknowledged written;
	// may be nil.
	OnProgress func(Progress)
}

// ReceiveOptions configures a single inbound transfer.
type ReceiveOptions struct {
	// OutDir is the directory the received file is written into. The
	// file name itself comes from the sender's encrypted metadata.
	OutDir string
	// Store persists transfer state for resume across reconnects; may
	// be nil to disable persistence (e.g. short-lived test sessions).
	Store *transferstore.Store
	OnProgress func(Progress)
	// ConfirmOverwrite is consulted when the sender's claimed name
	// collides with an existing file in OutDir; returning false aborts
	// the transfer before any chunk is accepted. A nil ConfirmOverwrite
	// always overwrites, matching the prior unconditional-truncate
	// behavior.
	ConfirmOverwrite func(path string) bool
}

// SendFile seals name and the contents of path under conn's negotiated
// session, streaming sealed chunks over a dedicated stream opened on
// conn per spec.md §4.3/§6. It blocks until the receiver acknowledges
// completion or an unrecoverable error occurs.
func SendFile(ctx context.Context, conn *peer.Connection, path string, opts SendOptions) error {
	sess := conn.Session()
	if sess == nil {
		return errs.Transport("session: connection has no negotiated session")
	}

	f, err := os.Open(path)
	if err != nil {
		return errs.Validation("session: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errs.Validation("session: stat %s: %w", path, err)
	}
	name := baseName(path)
	if len(name) > maxFileNameLen {
		return errs.Validation("session: file name exceeds %d bytes", maxFileNameLen)
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = conn.ChunkSize()
	}
	if !chunk.IsValidSize(chunkSize) {
		return errs.Validation("session: invalid chunk size %d", chunkSize)
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = chunk.DefaultMaxRetries
	}

	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return errs.Transport("session: generate transfer id: %w", err)
	}

	filenameKey := sess.DeriveKey(crypto.ContextFilenameKey)
	var fnNonce [crypto.NonceSize]byte
	if _, err := rand.Read(fnNonce[:]); err != nil {
		return errs.Transport("session: generate filename nonce: %w", err)
	}
	fnCiphertext, err := crypto.Seal(filenameKey, fnNonce, []byte(name), id[:])
	if err != nil {
		return errs.CryptoIntegrity("session: seal file name: %w", err)
	}

	totalChunks := chunk.TotalChunks(info.Size(), chunkSize)
	fileHash := crypto.Hash(append(append([]byte{}, fnCiphertext...), id[:]...))

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return errs.Transport("session: open transfer stream: %w", err)
	}
	defer stream.Close()

	meta := &transferMeta{
		ID:                 id,
		FileNameCiphertext: fnCiphertext,
		FileNameNonce:      fnNonce,
		FileSize:           info.Size(),
		ChunkSize:          chunkSize,
		TotalChunks:        totalChunks,
	}
	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return errs.Transport("%w", err)
	}
	if err := writeRecord(stream, recordMeta, metaBytes); err != nil {
		return errs.Transport("session: write transfer meta: %w", err)
	}

	transferKey := sess.DeriveKey(crypto.ContextTransferKey)
	direction := directionFor(conn.IsDialer())
	sealer := chunk.NewSealer(transferKey, direction, fileHash)

	perChunkHashes := make([][32]byte, totalChunks)
	started := time.Now()

	sendChunk := func(p chunk.Plain) error {
		var lastErr error
		for attempt := 0; attempt < maxRetries; attempt++ {
			frame, err := sealer.Seal(p.Index, p.Plaintext)
			if err != nil {
				lastErr = err
				time.Sleep(chunk.Backoff(attempt))
				continue
			}
			wire, err := protocol.EncodeChunkFrame(frame)
			if err != nil {
				return errs.Transport("session: encode chunk %d: %w", p.Index, err)
			}
			if err := writeRecord(stream, recordChunk, wire); err != nil {
				lastErr = err
				time.Sleep(chunk.Backoff(attempt))
				continue
			}
			perChunkHashes[p.Index] = frame.Hash
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					ChunksDone:  p.Index + 1,
					TotalChunks: totalChunks,
					BytesDone:   p.Offset + int64(len(p.Plaintext)),
					TotalBytes:  info.Size(),
					StartedAt:   started,
				})
			}
			return nil
		}
		return errs.Transport("session: chunk %d failed after %d attempts: %w", p.Index, maxRetries, lastErr)
	}

	if err := chunk.MakeChunks(f, info.Size(), chunkSize, 0, sendChunk); err != nil {
		return err
	}

	root := chunk.Finalize(perChunkHashes)
	doneBytes, err := encodeDone(&transferDone{MerkleRoot: root})
	if err != nil {
		return errs.Transport("%w", err)
	}
	if err := writeRecord(stream, recordDone, doneBytes); err != nil {
		return errs.Transport("session: write transfer done: %w", err)
	}

	kind, payload, err := readRecord(stream)
	if err != nil {
		return errs.Transport("session: read transfer ack: %w", err)
	}
	if kind != recordAck {
		return errs.Transport("session: expected ack record, got kind %d", kind)
	}
	ack, err := decodeAck(payload)
	if err != nil {
		return errs.Transport("%w", err)
	}
	if !ack.OK {
		return errs.CryptoIntegrity("session: receiver rejected transfer: %s", ack.Message)
	}
	return nil
}

// ReceiveFile accepts one inbound transfer on conn, writing the
// decrypted file into opts.OutDir under the name the sender's encrypted
// metadata supplies. It returns the absolute path written.
func ReceiveFile(ctx context.Context, conn *peer.Connection, opts ReceiveOptions) (string, error) {
	sess := conn.Session()
	if sess == nil {
		return "", errs.Transport("session: connection has no negotiated session")
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return "", errs.Transport("session: accept transfer stream: %w", err)
	}
	defer stream.Close()

	kind, payload, err := readRecord(stream)
	if err != nil {
		return "", errs.Transport("session: read transfer meta: %w", err)
	}
	if kind != recordMeta {
		return "", errs.Transport("session: expected meta record, got kind %d", kind)
	}
	meta, err := decodeMeta(payload)
	if err != nil {
		return "", errs.Transport("%w", err)
	}
	if meta.FileSize < 0 || meta.ChunkSize <= 0 || !chunk.IsValidSize(meta.ChunkSize) {
		return "", errs.Validation("session: invalid transfer metadata")
	}
	if chunk.TotalChunks(meta.FileSize, meta.ChunkSize) != meta.TotalChunks {
		return "", errs.Validation("session: total-chunks mismatch in metadata")
	}

	filenameKey := sess.DeriveKey(crypto.ContextFilenameKey)
	nameBytes, err := crypto.Open(filenameKey, meta.FileNameNonce, meta.FileNameCiphertext, meta.ID[:])
	if err != nil {
		return "", errs.Authentication("session: file name seal verification failed: %w", err)
	}
	name := sanitizeFileName(string(nameBytes))
	if name == "" {
		return "", errs.Validation("session: empty or unsafe file name")
	}

	outPath := opts.OutDir + string(os.PathSeparator) + name
	if opts.ConfirmOverwrite != nil {
		if _, statErr := os.Stat(outPath); statErr == nil {
			if !opts.ConfirmOverwrite(outPath) {
				return "", errs.UserCancel("session: receiver declined to overwrite %s", outPath)
			}
		}
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", errs.Storage("session: create output file: %w", err)
	}
	defer out.Close()

	state := transfer.New(meta.ID, conn.RemoteID.ShortString(), meta.FileNameCiphertext, meta.FileSize, meta.ChunkSize, meta.TotalChunks)
	if err := state.Start(); err != nil {
		return "", errs.Transport("%w", err)
	}
	if opts.Store != nil {
		if err := opts.Store.Save(state); err != nil {
			return "", errs.Storage("%w", err)
		}
	}

	fileHash := crypto.Hash(append(append([]byte{}, meta.FileNameCiphertext...), meta.ID[:]...))
	transferKey := sess.DeriveKey(crypto.ContextTransferKey)
	direction := directionFor(!conn.IsDialer())
	sealer := chunk.NewSealer(transferKey, direction, fileHash)

	started := time.Now()

	for {
		kind, payload, err := readRecord(stream)
		if err != nil {
			return "", errs.Transport("session: read transfer record: %w", err)
		}
		switch kind {
		case recordChunk:
			frame, err := protocol.DecodeChunkFrame(payload)
			if err != nil {
				return "", errs.Transport("session: decode chunk frame: %w", err)
			}
			plaintext, err := sealer.Open(frame)
			if err != nil {
				return "", errs.CryptoIntegrity("session: open chunk %d: %w", frame.Index, err)
			}
			offset := int64(frame.Index) * int64(meta.ChunkSize)
			if _, err := out.WriteAt(plaintext, offset); err != nil {
				return "", errs.Storage("session: write chunk %d: %w", frame.Index, err)
			}
			hash := crypto.Hash(plaintext)
			if opts.Store != nil {
				if err := opts.Store.CommitChunk(state, frame.Index, plaintext, hash); err != nil {
					return "", errs.Storage("%w", err)
				}
			} else {
				state.Bitmap.Set(frame.Index)
				state.PerChunkHashes[frame.Index] = hash
			}
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					ChunksDone:  state.Bitmap.Count(),
					TotalChunks: meta.TotalChunks,
					BytesDone:   offset + int64(len(plaintext)),
					TotalBytes:  meta.FileSize,
					StartedAt:   started,
				})
			}

		case recordDone:
			done, err := decodeDone(payload)
			if err != nil {
				return "", errs.Transport("%w", err)
			}
			ok, err := state.MaybeComplete(done.MerkleRoot)
			ackMsg := &transferAck{OK: ok}
			if err != nil {
				ackMsg.OK = false
				ackMsg.Message = err.Error()
			} else if !ok {
				ackMsg.Message = "incomplete: missing chunks"
			}
			if opts.Store != nil {
				opts.Store.Save(state)
			}
			ackBytes, encErr := encodeAck(ackMsg)
			if encErr != nil {
				return "", errs.Transport("%w", encErr)
			}
			if err := writeRecord(stream, recordAck, ackBytes); err != nil {
				return "", errs.Transport("session: write transfer ack: %w", err)
			}
			if !ackMsg.OK {
				msg := ackMsg.Message
				if err != nil {
					return "", errs.CryptoIntegrity("session: transfer verification failed: %s", msg)
				}
				return "", errs.Transport("session: transfer incomplete: %s", msg)
			}
			return outPath, nil

		default:
			return "", errs.Transport("session: unexpected record kind %d mid-transfer", kind)
		}
	}
}

// directionFor picks the AEAD direction tag for chunk sealing: the
// dialer's outbound direction matches InitiatorToResponder regardless
// of which side happens to be sending the file, since the direction tag
// only needs to disambiguate the two halves of the bidirectional stream,
// not track who is "sending the file" semantically.
func directionFor(isOutboundFromDialer bool) uint32 {
	if isOutboundFromDialer {
		return crypto.DirectionInitiatorToResponder
	}
	return crypto.DirectionResponderToInitiator
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// sanitizeFileName strips any path separators or traversal segments the
// sender's claimed name might contain, so a malicious or buggy peer
// cannot write outside opts.OutDir.
func sanitizeFileName(name string) string {
	name = baseName(name)
	if name == "." || name == ".." || name == "" {
		return ""
	}
	return name
}

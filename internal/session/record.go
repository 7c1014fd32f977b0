// Package session orchestrates a single file transfer end to end: the
// metadata exchange, chunked streaming via internal/chunk and
// persistence via internal/transferstore, all running over the single
// data stream a peer.Connection exposes once its handshake has
// completed. Each ReceiveFile starts a fresh transfer: resume and delta
// sync are not negotiated, and the sync record kind is defined but
// never sent. This is the glue cmd/tallow drives;
// internal/peer, internal/chunk, internal/transfer and
// internal/transferstore each stay usable on their own.
package session

import (
	"encoding/binary"
	"fmt"
	"io"
)

// recordKind discriminates the handful of message shapes multiplexed
// onto the single post-handshake stream: on transports with no native
// stream multiplexing (WebSocket, the TLS relay tier), this is the only
// channel available, so transfer metadata, chunk frames, and the
// completion handshake all share it behind a one-byte tag.
type recordKind byte

const (
	recordMeta  recordKind = 1
	recordChunk recordKind = 2
	recordDone  recordKind = 3
	recordAck   recordKind = 4
	recordSync  recordKind = 5 // bitmap-sync / resend-request, cbor-encoded syncRequest
)

// maxRecordPayload bounds a single record: generous enough for the
// largest adaptive chunk size (256 KiB) plus AEAD overhead and framing.
const maxRecordPayload = 1 << 20

// writeRecord writes one [kind(1)][length(4, BE)][payload] record.
func writeRecord(w io.Writer, kind recordKind, payload []byte) error {
	if len(payload) > maxRecordPayload {
		return fmt.Errorf("session: record payload too large: %d bytes", len(payload))
	}
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reads one record written by writeRecord.
func readRecord(r io.Reader) (recordKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxRecordPayload {
		return 0, nil, fmt.Errorf("session: record payload too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return recordKind(header[0]), payload, nil
}

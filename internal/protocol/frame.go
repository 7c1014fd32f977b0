package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tallowproject/tallow/internal/chunk"
	"github.com/tallowproject/tallow/internal/crypto"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds its maximum size.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// ============================================================================
// Handshake frame: [version(1)][kind(1)][length(2)][payload]
// ============================================================================

// HandshakeFrame is one step of the hybrid KEM/PAKE handshake, per
// spec.md §6.
type HandshakeFrame struct {
	Version uint8
	Kind    uint8
	Payload []byte
}

// Encode serializes a HandshakeFrame to bytes.
func (h *HandshakeFrame) Encode() ([]byte, error) {
	if len(h.Payload) > MaxHandshakePayload {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HandshakeHeaderSize+len(h.Payload))
	buf[0] = h.Version
	buf[1] = h.Kind
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(h.Payload)))
	copy(buf[4:], h.Payload)
	return buf, nil
}

// DecodeHandshakeFrame deserializes a HandshakeFrame from bytes.
func DecodeHandshakeFrame(buf []byte) (*HandshakeFrame, error) {
	if len(buf) < HandshakeHeaderSize {
		return nil, fmt.Errorf("%w: handshake header too short", ErrInvalidFrame)
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < HandshakeHeaderSize+length {
		return nil, fmt.Errorf("%w: handshake payload truncated", ErrInvalidFrame)
	}
	payload := make([]byte, length)
	copy(payload, buf[HandshakeHeaderSize:HandshakeHeaderSize+length])
	return &HandshakeFrame{
		Version: buf[0],
		Kind:    buf[1],
		Payload: payload,
	}, nil
}

// HandshakeFrameReader reads handshake frames from a stream.
type HandshakeFrameReader struct {
	r      io.Reader
	header [HandshakeHeaderSize]byte
}

// NewHandshakeFrameReader creates a HandshakeFrameReader.
func NewHandshakeFrameReader(r io.Reader) *HandshakeFrameReader {
	return &HandshakeFrameReader{r: r}
}

// Read reads the next handshake frame.
func (hr *HandshakeFrameReader) Read() (*HandshakeFrame, error) {
	if _, err := io.ReadFull(hr.r, hr.header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(hr.header[2:4]))
	if length > MaxHandshakePayload {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(hr.r, payload); err != nil {
			return nil, err
		}
	}
	return &HandshakeFrame{Version: hr.header[0], Kind: hr.header[1], Payload: payload}, nil
}

// WriteHandshakeFrame encodes and writes a handshake frame to w.
func WriteHandshakeFrame(w io.Writer, f *HandshakeFrame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ============================================================================
// Chunk frame: [index(8)][nonce(12)][ciphertext_len(4)][ciphertext][tag(16)]
// ============================================================================

// EncodeChunkFrame serializes a sealed chunk for the wire. f.Ciphertext
// is expected to include the trailing 16-byte AEAD tag (as produced by
// chunk.Sealer.Seal); the wire format splits the tag into its own
// trailing field per spec.md §6, so the ciphertext_len field below
// counts only the non-tag bytes.
func EncodeChunkFrame(f chunk.Frame) ([]byte, error) {
	if len(f.Ciphertext) < crypto.TagSize {
		return nil, fmt.Errorf("%w: chunk ciphertext shorter than AEAD tag", ErrInvalidFrame)
	}
	ctLen := len(f.Ciphertext) - crypto.TagSize
	if ctLen > MaxChunkCiphertext {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, ChunkHeaderSize+ctLen+crypto.TagSize)
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], f.Index)
	offset += 8

	copy(buf[offset:], f.Nonce[:])
	offset += len(f.Nonce)

	binary.BigEndian.PutUint32(buf[offset:], uint32(ctLen))
	offset += 4

	copy(buf[offset:], f.Ciphertext)
	offset += len(f.Ciphertext)

	_ = offset
	return buf, nil
}

// DecodeChunkFrame deserializes a wire chunk frame back into a
// chunk.Frame (ciphertext with the tag re-appended), ready for
// chunk.Sealer.Open. The per-chunk BLAKE3 hash is not carried on the
// wire (it is recovered from the AEAD-authenticated plaintext by the
// caller), so the returned Frame's Hash field is left zero.
func DecodeChunkFrame(buf []byte) (chunk.Frame, error) {
	if len(buf) < ChunkHeaderSize {
		return chunk.Frame{}, fmt.Errorf("%w: chunk header too short", ErrInvalidFrame)
	}

	var f chunk.Frame
	offset := 0

	f.Index = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	copy(f.Nonce[:], buf[offset:offset+12])
	offset += 12

	ctLen := int(binary.BigEndian.Uint32(buf[offset:]))
	offset += 4

	if ctLen < 0 || ctLen > MaxChunkCiphertext {
		return chunk.Frame{}, ErrFrameTooLarge
	}
	total := ctLen + crypto.TagSize
	if len(buf) < offset+total {
		return chunk.Frame{}, fmt.Errorf("%w: chunk ciphertext/tag truncated", ErrInvalidFrame)
	}

	f.Ciphertext = make([]byte, total)
	copy(f.Ciphertext, buf[offset:offset+total])

	return f, nil
}

// ============================================================================
// Control frame: [type(1)][length(2)][payload], multiplexed on channel 0.
// ============================================================================

// ControlFrame is one control-plane message, per spec.md §6: pause,
// resume, bitmap-sync, resend-request, window-update, chunk-size-change.
type ControlFrame struct {
	Type    uint8
	Payload []byte
}

// Encode serializes a ControlFrame to bytes.
func (c *ControlFrame) Encode() ([]byte, error) {
	if len(c.Payload) > MaxControlPayload {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, ControlHeaderSize+len(c.Payload))
	buf[0] = c.Type
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(c.Payload)))
	copy(buf[3:], c.Payload)
	return buf, nil
}

// DecodeControlFrame deserializes a ControlFrame from bytes.
func DecodeControlFrame(buf []byte) (*ControlFrame, error) {
	if len(buf) < ControlHeaderSize {
		return nil, fmt.Errorf("%w: control header too short", ErrInvalidFrame)
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if len(buf) < ControlHeaderSize+length {
		return nil, fmt.Errorf("%w: control payload truncated", ErrInvalidFrame)
	}
	payload := make([]byte, length)
	copy(payload, buf[ControlHeaderSize:ControlHeaderSize+length])
	return &ControlFrame{Type: buf[0], Payload: payload}, nil
}

// ControlFrameReader reads control frames from a stream. It is used on
// the same connection's control stream as HandshakeFrameReader, after
// the handshake's final READY frame: once a connection is established,
// every subsequent frame on that stream is a ControlFrame.
type ControlFrameReader struct {
	r      io.Reader
	header [ControlHeaderSize]byte
}

// NewControlFrameReader creates a ControlFrameReader.
func NewControlFrameReader(r io.Reader) *ControlFrameReader {
	return &ControlFrameReader{r: r}
}

// Read reads the next control frame.
func (cr *ControlFrameReader) Read() (*ControlFrame, error) {
	if _, err := io.ReadFull(cr.r, cr.header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(cr.header[1:3]))
	if length > MaxControlPayload {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(cr.r, payload); err != nil {
			return nil, err
		}
	}
	return &ControlFrame{Type: cr.header[0], Payload: payload}, nil
}

// WriteControlFrame encodes and writes a control frame to w.
func WriteControlFrame(w io.Writer, f *ControlFrame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// BitmapSync carries the sender's or receiver's current chunk bitmap so
// the peer can reconcile missing ranges after a reconnect.
type BitmapSync struct {
	TotalChunks uint64
	Bitmap      []byte
}

// Encode serializes BitmapSync to a control-frame payload.
func (b *BitmapSync) Encode() []byte {
	buf := make([]byte, 8+len(b.Bitmap))
	binary.BigEndian.PutUint64(buf, b.TotalChunks)
	copy(buf[8:], b.Bitmap)
	return buf
}

// DecodeBitmapSync deserializes a BitmapSync control payload.
func DecodeBitmapSync(buf []byte) (*BitmapSync, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: BitmapSync too short", ErrInvalidFrame)
	}
	b := &BitmapSync{TotalChunks: binary.BigEndian.Uint64(buf)}
	b.Bitmap = append([]byte(nil), buf[8:]...)
	return b, nil
}

// ResendRequest lists chunk indices the requester is missing.
type ResendRequest struct {
	Indices []uint64
}

// Encode serializes ResendRequest to a control-frame payload.
func (r *ResendRequest) Encode() []byte {
	buf := make([]byte, 4+8*len(r.Indices))
	binary.BigEndian.PutUint32(buf, uint32(len(r.Indices)))
	offset := 4
	for _, idx := range r.Indices {
		binary.BigEndian.PutUint64(buf[offset:], idx)
		offset += 8
	}
	return buf
}

// DecodeResendRequest deserializes a ResendRequest control payload.
func DecodeResendRequest(buf []byte) (*ResendRequest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: ResendRequest too short", ErrInvalidFrame)
	}
	count := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+8*count {
		return nil, fmt.Errorf("%w: ResendRequest indices truncated", ErrInvalidFrame)
	}
	r := &ResendRequest{Indices: make([]uint64, count)}
	offset := 4
	for i := 0; i < count; i++ {
		r.Indices[i] = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}
	return r, nil
}

// WindowUpdate renegotiates backpressure watermarks (bytes).
type WindowUpdate struct {
	HighWater uint32
	LowWater  uint32
}

// Encode serializes WindowUpdate to a control-frame payload.
func (w *WindowUpdate) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], w.HighWater)
	binary.BigEndian.PutUint32(buf[4:8], w.LowWater)
	return buf
}

// DecodeWindowUpdate deserializes a WindowUpdate control payload.
func DecodeWindowUpdate(buf []byte) (*WindowUpdate, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: WindowUpdate too short", ErrInvalidFrame)
	}
	return &WindowUpdate{
		HighWater: binary.BigEndian.Uint32(buf[0:4]),
		LowWater:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// ChunkSizeChange renegotiates the adaptive chunk size; per spec.md
// §4.5/§5.5, both sides apply it only at the next chunk boundary.
type ChunkSizeChange struct {
	NewSize   uint32
	EffectiveFromIndex uint64
}

// Encode serializes ChunkSizeChange to a control-frame payload.
func (c *ChunkSizeChange) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], c.NewSize)
	binary.BigEndian.PutUint64(buf[4:12], c.EffectiveFromIndex)
	return buf
}

// DecodeChunkSizeChange deserializes a ChunkSizeChange control payload.
func DecodeChunkSizeChange(buf []byte) (*ChunkSizeChange, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: ChunkSizeChange too short", ErrInvalidFrame)
	}
	return &ChunkSizeChange{
		NewSize:            binary.BigEndian.Uint32(buf[0:4]),
		EffectiveFromIndex: binary.BigEndian.Uint64(buf[4:12]),
	}, nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Relay frame kinds, per spec.md §4.8: a peer opens a TCP+TLS connection
// to the relay and speaks exactly one of these before the connection
// becomes an opaque byte pump.
const (
	RelayCreateRoom uint8 = 0x01
	RelayRoomCreated uint8 = 0x02
	RelayJoinRoom   uint8 = 0x03
	RelayRoomJoined uint8 = 0x04
	RelayError      uint8 = 0x05
)

// RelayFrameHeaderSize is [kind(1)][length(2)], matching the control
// frame's header shape.
const RelayFrameHeaderSize = 3

// MaxRelayFramePayload bounds a relay control frame's payload (room
// codes and error strings are tiny; this is generous headroom).
const MaxRelayFramePayload = 1 << 12

// RelayFrame is one relay control-plane message: CREATE_ROOM, its
// RoomCreated reply, JOIN_ROOM, its RoomJoined reply, or an Error.
// Once a RoomJoined frame has crossed the wire on both legs, the relay
// stops framing entirely and pumps raw bytes.
type RelayFrame struct {
	Kind    uint8
	Payload []byte
}

// Encode serializes a RelayFrame to bytes.
func (f *RelayFrame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxRelayFramePayload {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, RelayFrameHeaderSize+len(f.Payload))
	buf[0] = f.Kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:], f.Payload)
	return buf, nil
}

// DecodeRelayFrame deserializes a RelayFrame from bytes.
func DecodeRelayFrame(buf []byte) (*RelayFrame, error) {
	if len(buf) < RelayFrameHeaderSize {
		return nil, fmt.Errorf("%w: relay header too short", ErrInvalidFrame)
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if len(buf) < RelayFrameHeaderSize+length {
		return nil, fmt.Errorf("%w: relay payload truncated", ErrInvalidFrame)
	}
	payload := make([]byte, length)
	copy(payload, buf[RelayFrameHeaderSize:RelayFrameHeaderSize+length])
	return &RelayFrame{Kind: buf[0], Payload: payload}, nil
}

// RelayFrameReader reads relay control frames from a stream.
type RelayFrameReader struct {
	r      io.Reader
	header [RelayFrameHeaderSize]byte
}

// NewRelayFrameReader creates a RelayFrameReader.
func NewRelayFrameReader(r io.Reader) *RelayFrameReader {
	return &RelayFrameReader{r: r}
}

// Read reads the next relay control frame.
func (rr *RelayFrameReader) Read() (*RelayFrame, error) {
	if _, err := io.ReadFull(rr.r, rr.header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(rr.header[1:3]))
	if length > MaxRelayFramePayload {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(rr.r, payload); err != nil {
			return nil, err
		}
	}
	return &RelayFrame{Kind: rr.header[0], Payload: payload}, nil
}

// WriteRelayFrame encodes and writes a relay control frame to w.
func WriteRelayFrame(w io.Writer, f *RelayFrame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// CreateRoomPayload is RelayCreateRoom's payload. DesiredCode is
// optional: when empty the relay generates a fresh code (spec.md
// §4.7's CSPRNG generation); when set, it lets a caller that already
// negotiated a room code elsewhere (e.g. the signaling/PAKE code both
// peers already share) reuse it as the relay-tier rendezvous key
// instead of minting a second, unrelated code.
type CreateRoomPayload struct {
	DesiredCode string
}

// Encode serializes CreateRoomPayload.
func (p *CreateRoomPayload) Encode() []byte {
	return []byte(p.DesiredCode)
}

// DecodeCreateRoomPayload deserializes CreateRoomPayload.
func DecodeCreateRoomPayload(buf []byte) *CreateRoomPayload {
	return &CreateRoomPayload{DesiredCode: string(buf)}
}

// RoomCreatedPayload carries the freshly generated room code back to
// the creator.
type RoomCreatedPayload struct {
	Code string
}

// Encode serializes RoomCreatedPayload.
func (p *RoomCreatedPayload) Encode() []byte {
	return []byte(p.Code)
}

// DecodeRoomCreatedPayload deserializes RoomCreatedPayload.
func DecodeRoomCreatedPayload(buf []byte) *RoomCreatedPayload {
	return &RoomCreatedPayload{Code: string(buf)}
}

// JoinRoomPayload is RelayJoinRoom's payload: the code the joiner was
// given out of band.
type JoinRoomPayload struct {
	Code string
}

// Encode serializes JoinRoomPayload.
func (p *JoinRoomPayload) Encode() []byte {
	return []byte(p.Code)
}

// DecodeJoinRoomPayload deserializes JoinRoomPayload.
func DecodeJoinRoomPayload(buf []byte) *JoinRoomPayload {
	return &JoinRoomPayload{Code: string(buf)}
}

// ErrorPayload carries a human-readable relay error, sent before the
// connection is closed (invalid code, room full, room expired).
type ErrorPayload struct {
	Message string
}

// Encode serializes ErrorPayload.
func (p *ErrorPayload) Encode() []byte {
	return []byte(p.Message)
}

// DecodeErrorPayload deserializes ErrorPayload.
func DecodeErrorPayload(buf []byte) *ErrorPayload {
	return &ErrorPayload{Message: string(buf)}
}

package ratchet

import "fmt"

// Header travels alongside every encrypted message. Most fields are
// zero on the common case (no ratchet step this message); DHPublic and
// the lattice fields are only populated on the message that performs a
// ratchet step, per spec.md §4.2.
type Header struct {
	Counter uint64 // index of this message within the current send chain
	PN      uint64 // length of the previous send chain, for receiver skip bookkeeping

	// DHPublic, when non-nil, is the sender's freshly generated X25519
	// ratchet public key: this message performs a DH ratchet step.
	DHPublic *[32]byte

	// LatticePub, when non-empty, is the sender's freshly generated
	// lattice-KEM public key, advertised so the peer can later
	// encapsulate a PQ ratchet step back to us.
	LatticePub []byte

	// LatticeCT, when non-empty, is a lattice-KEM ciphertext
	// encapsulated against the peer's previously advertised lattice
	// public key: this message performs a PQ ratchet step.
	LatticeCT []byte
}

// Encode serializes a Header to a compact binary form:
//
//	[8B counter][8B PN][1B flags][32B dh pub if flag set]
//	[2B lattice pub len][lattice pub][2B lattice ct len][lattice ct]
func (h *Header) Encode() []byte {
	const (
		flagDH = 1 << 0
	)
	flags := byte(0)
	if h.DHPublic != nil {
		flags |= flagDH
	}

	size := 8 + 8 + 1
	if h.DHPublic != nil {
		size += 32
	}
	size += 2 + len(h.LatticePub)
	size += 2 + len(h.LatticeCT)

	buf := make([]byte, size)
	putUint64(buf[0:8], h.Counter)
	putUint64(buf[8:16], h.PN)
	buf[16] = flags
	off := 17
	if h.DHPublic != nil {
		copy(buf[off:off+32], h.DHPublic[:])
		off += 32
	}
	putUint16(buf[off:off+2], uint16(len(h.LatticePub)))
	off += 2
	copy(buf[off:off+len(h.LatticePub)], h.LatticePub)
	off += len(h.LatticePub)
	putUint16(buf[off:off+2], uint16(len(h.LatticeCT)))
	off += 2
	copy(buf[off:off+len(h.LatticeCT)], h.LatticeCT)
	return buf
}

// DecodeHeader parses the binary form produced by Encode.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < 17 {
		return nil, fmt.Errorf("ratchet: header too short: %d bytes", len(buf))
	}
	h := &Header{
		Counter: getUint64(buf[0:8]),
		PN:      getUint64(buf[8:16]),
	}
	flags := buf[16]
	off := 17
	if flags&1 != 0 {
		if len(buf) < off+32 {
			return nil, fmt.Errorf("ratchet: truncated dh public key")
		}
		var dh [32]byte
		copy(dh[:], buf[off:off+32])
		h.DHPublic = &dh
		off += 32
	}
	if len(buf) < off+2 {
		return nil, fmt.Errorf("ratchet: truncated lattice pub length")
	}
	latPubLen := int(getUint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+latPubLen {
		return nil, fmt.Errorf("ratchet: truncated lattice pub")
	}
	h.LatticePub = append([]byte(nil), buf[off:off+latPubLen]...)
	off += latPubLen

	if len(buf) < off+2 {
		return nil, fmt.Errorf("ratchet: truncated lattice ct length")
	}
	latCTLen := int(getUint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+latCTLen {
		return nil, fmt.Errorf("ratchet: truncated lattice ct")
	}
	h.LatticeCT = append([]byte(nil), buf[off:off+latCTLen]...)

	return h, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

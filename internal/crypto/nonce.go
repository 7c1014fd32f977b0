// Package crypto implements TALLOW's primitive layer: the hybrid
// post-quantum key exchange, the AEAD stream cipher, BLAKE3-based key
// derivation, Argon2id password derivation, and constant-time comparison.
// Everything above this package (ratchet, chunk, pake) is built only from
// these primitives; nothing in this package knows about rooms, files, or
// transfers.
package crypto

import "encoding/binary"

// NonceSize is the size of an AEAD nonce in bytes (96 bits), pinned by
// spec.md §3/§4.1: [4-byte direction tag][8-byte big-endian counter].
const NonceSize = 12

// Direction tags distinguish the two halves of a bidirectional stream so
// that a single shared key never reuses a nonce across directions.
const (
	DirectionInitiatorToResponder uint32 = 0x00000000
	DirectionResponderToInitiator uint32 = 0xA17C0DE1
)

// BuildNonce composes the pinned 96-bit nonce: 4-byte direction tag
// followed by an 8-byte big-endian monotonic counter. Counters MUST be
// strictly increasing per (key, direction); callers never construct a
// nonce from randomness.
func BuildNonce(direction uint32, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], direction)
	binary.BigEndian.PutUint64(nonce[4:12], counter)
	return nonce
}

// SplitNonce recovers the direction tag and counter from a wire nonce.
func SplitNonce(nonce [NonceSize]byte) (direction uint32, counter uint64) {
	direction = binary.BigEndian.Uint32(nonce[0:4])
	counter = binary.BigEndian.Uint64(nonce[4:12])
	return direction, counter
}

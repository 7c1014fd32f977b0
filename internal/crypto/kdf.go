package crypto

import (
	"lukechampine.com/blake3"
)

// Context strings form the fixed domain-separation registry from
// spec.md §4.1. KDF callers must use one of these so that keys derived
// for different purposes from the same input key material can never
// collide.
const (
	ContextHybridKEM    = "tallow-hybrid-v1"
	ContextRootKey      = "tallow-root-key"
	ContextChainKey     = "tallow-chain-key"
	ContextMessageKey   = "tallow-message-key"
	ContextNonceSeed    = "tallow-nonce-seed"
	ContextStorageKey   = "tallow-storage-key"
	ContextSignalingKey = "tallow-signaling-v1"
	ContextPAKESession  = "tallow-pake-session"

	// ContextTransferKey and ContextFilenameKey extend the registry for
	// the chunk engine (internal/chunk) and file-name encryption: both
	// are derived once from the session root key right after the
	// handshake completes, before any ratchet step advances it, so
	// both peers land on the same value without a further round trip.
	ContextTransferKey = "tallow-transfer-key"
	ContextFilenameKey = "tallow-filename-key"
)

// KDF derives a 32-byte key from input key material by hashing
// context || ikm with BLAKE3 (see KDFBytes), with context providing
// domain separation. This is the
// sole key-derivation primitive used throughout TALLOW: the hybrid KEM
// combiner, the ratchet's root/chain/message key derivations, and
// storage-key derivation all call through here with a distinct context
// string from the registry above.
func KDF(ikm []byte, context string) [KeySize]byte {
	return KDFBytes(ikm, context, KeySize)
}

// KDFBytes derives an arbitrary-length key stream, for callers that need
// more than 32 bytes (e.g. deriving a send+recv key pair in one call).
// It expands BLAKE3(context || ikm || counter) in 32-byte blocks, which
// is the same shape as the hash-chain used for the Merkle root below and
// keeps the whole stack on a single primitive.
func KDFBytes(ikm []byte, context string, n int) []byte {
	out := make([]byte, 0, n)
	for counter := uint8(0); len(out) < n; counter++ {
		block := blake3.Sum256(append(append([]byte(context), ikm...), counter))
		out = append(out, block[:]...)
	}
	return out[:n]
}

// Hash returns the 32-byte BLAKE3 hash of data, used for per-chunk
// hashes and the Merkle root.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// HashChain computes the BLAKE3 hash over the concatenation, in order,
// of a sequence of 32-byte hashes — used to compute the Merkle/root hash
// over per-chunk hashes at finalize time.
func HashChain(hashes [][32]byte) [32]byte {
	buf := make([]byte, 0, len(hashes)*32)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return blake3.Sum256(buf)
}

package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
	"golang.org/x/crypto/curve25519"
)

// latticeScheme is the post-quantum half of the hybrid KEM. Kyber768 is
// the round-3 NIST finalist that circl v1.3.7 ships under this name; it
// is parameter-compatible with the "768-class" lattice KEM spec.md §3
// calls for (1184-byte public key).
var latticeScheme = schemes.ByName("Kyber768")

// HybridPublicKey is the concatenation of an X25519 public key and a
// lattice-KEM public key. The two halves are always transmitted and
// consumed together; spec.md §3 forbids using one without the other.
type HybridPublicKey struct {
	X25519  [KeySize]byte
	Lattice kem.PublicKey
}

// HybridSecretKey is the corresponding pair of secret keys. Zero wipes
// the X25519 scalar; the lattice private key has no exported byte array
// to wipe directly, so it is dropped (set to nil) and left to the
// garbage collector — circl does not expose a zeroizing private key
// type as of v1.3.7.
type HybridSecretKey struct {
	X25519  [KeySize]byte
	Lattice kem.PrivateKey
}

// Zero wipes the X25519 half of a secret key and drops the reference to
// the lattice half.
func (s *HybridSecretKey) Zero() {
	ZeroKey(&s.X25519)
	s.Lattice = nil
}

// Marshal serializes a HybridPublicKey as X25519(32) || lattice(packed).
func (p *HybridPublicKey) Marshal() ([]byte, error) {
	latBytes, err := p.Lattice.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal lattice public key: %w", err)
	}
	out := make([]byte, 0, KeySize+len(latBytes))
	out = append(out, p.X25519[:]...)
	out = append(out, latBytes...)
	return out, nil
}

// UnmarshalHybridPublicKey parses the wire format produced by Marshal.
func UnmarshalHybridPublicKey(b []byte) (*HybridPublicKey, error) {
	if len(b) <= KeySize {
		return nil, fmt.Errorf("crypto: hybrid public key too short: %d bytes", len(b))
	}
	pk := &HybridPublicKey{}
	copy(pk.X25519[:], b[:KeySize])
	lat, err := latticeScheme.UnmarshalBinaryPublicKey(b[KeySize:])
	if err != nil {
		return nil, fmt.Errorf("crypto: unmarshal lattice public key: %w", err)
	}
	pk.Lattice = lat
	return pk, nil
}

// GenerateHybridKeypair creates a fresh X25519 + lattice-KEM keypair.
func GenerateHybridKeypair() (*HybridPublicKey, *HybridSecretKey, error) {
	var xPriv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, xPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate x25519 private key: %w", err)
	}
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64

	var xPub [KeySize]byte
	curve25519.ScalarBaseMult(&xPub, &xPriv)

	latPub, latPriv, err := latticeScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate lattice keypair: %w", err)
	}

	pub := &HybridPublicKey{X25519: xPub, Lattice: latPub}
	sec := &HybridSecretKey{X25519: xPriv, Lattice: latPriv}
	return pub, sec, nil
}

// Encapsulate performs the hybrid KEM encapsulation against peerPublic:
// it runs the lattice-KEM encapsulation and an ephemeral X25519 DH, then
// combines both shared secrets with KDF under ContextHybridKEM. It
// returns the combined ciphertext (ephemeral X25519 public || lattice
// ciphertext) and the 32-byte shared secret.
func Encapsulate(peerPublic *HybridPublicKey) (ciphertext []byte, sharedSecret [KeySize]byte, err error) {
	var ephPriv [KeySize]byte
	if _, err = io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, sharedSecret, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	defer ZeroKey(&ephPriv)
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64

	var ephPub [KeySize]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var xSS [KeySize]byte
	curve25519.ScalarMult(&xSS, &ephPriv, &peerPublic.X25519)
	defer ZeroKey(&xSS)

	latCT, latSS, err := latticeScheme.Encapsulate(peerPublic.Lattice)
	if err != nil {
		return nil, sharedSecret, fmt.Errorf("crypto: lattice encapsulate: %w", err)
	}

	combined := combineSharedSecrets(latSS, xSS[:])
	sharedSecret = KDF(combined, ContextHybridKEM)
	Zero(combined)
	Zero(latSS)

	out := make([]byte, 0, KeySize+len(latCT))
	out = append(out, ephPub[:]...)
	out = append(out, latCT...)
	return out, sharedSecret, nil
}

// Decapsulate reverses Encapsulate using our own secret key.
func Decapsulate(ourSecret *HybridSecretKey, ciphertext []byte) (sharedSecret [KeySize]byte, err error) {
	if len(ciphertext) <= KeySize {
		return sharedSecret, fmt.Errorf("crypto: hybrid ciphertext too short: %d bytes", len(ciphertext))
	}
	var ephPub [KeySize]byte
	copy(ephPub[:], ciphertext[:KeySize])
	latCT := ciphertext[KeySize:]

	var xSS [KeySize]byte
	curve25519.ScalarMult(&xSS, &ourSecret.X25519, &ephPub)
	defer ZeroKey(&xSS)

	latSS, err := latticeScheme.Decapsulate(ourSecret.Lattice, latCT)
	if err != nil {
		return sharedSecret, fmt.Errorf("crypto: lattice decapsulate: %w", err)
	}

	combined := combineSharedSecrets(latSS, xSS[:])
	sharedSecret = KDF(combined, ContextHybridKEM)
	Zero(combined)
	Zero(latSS)
	return sharedSecret, nil
}

// combineSharedSecrets builds lattice_ss || x25519_ss || "tallow-hybrid-v1"
// per spec.md §4.1; KDF is then applied over the result.
func combineSharedSecrets(latticeSS, x25519SS []byte) []byte {
	out := make([]byte, 0, len(latticeSS)+len(x25519SS)+len(ContextHybridKEM))
	out = append(out, latticeSS...)
	out = append(out, x25519SS...)
	out = append(out, []byte(ContextHybridKEM)...)
	return out
}

package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size, in bytes, of every symmetric key in the stack:
// chain keys, message keys, and the hybrid shared secret.
const KeySize = 32

// TagSize is the size of the Poly1305 authentication tag appended to
// every sealed message.
const TagSize = 16

// ErrInvalidTag is returned by Open when authentication fails. Per
// spec.md §4.1, tag verification MUST precede any plaintext exposure:
// Open never returns partially-decrypted bytes on failure.
var ErrInvalidTag = errors.New("crypto: aead tag mismatch")

// Seal encrypts plaintext under key/nonce, binding aad (associated data)
// into the authentication tag without encrypting it. The return value is
// ciphertext with the 16-byte tag appended, matching the wire layout of
// a chunk frame's [ciphertext][tag].
func Seal(key [KeySize]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext (which includes the
// trailing tag). It returns ErrInvalidTag, never a partial plaintext, if
// authentication fails.
func Open(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidTag
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two byte slices in fixed time with respect
// to their content (differing lengths are rejected up front, which is
// public information about the wire format, not secret data). Empty
// inputs are rejected rather than reported equal. It never returns early
// on the first mismatching byte.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites a byte slice with zeros. Call it on every ephemeral
// secret buffer as soon as it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeros.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

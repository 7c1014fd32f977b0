package device

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"lukechampine.com/blake3"
)

const (
	signingKeyFileName = "device_signing.key"
	signingPubFileName = "device_signing.pub"
)

// SigningKeypair is a device's long-term Dilithium (ML-DSA) signing
// identity. It is distinct from the ephemeral hybrid session keys
// negotiated per transfer: it exists so a device's public key can be
// fingerprinted into a short authentication string (SAS) that two users
// compare out of band to rule out a machine-in-the-middle.
type SigningKeypair struct {
	Public  *mode3.PublicKey
	Private *mode3.PrivateKey
}

// GenerateSigningKeypair creates a new Dilithium signing keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dilithium keypair: %w", err)
	}
	return &SigningKeypair{Public: pk, Private: sk}, nil
}

// Sign produces a detached Dilithium signature over msg.
func (k *SigningKeypair) Sign(msg []byte) []byte {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(k.Private, msg, sig)
	return sig
}

// Verify checks a detached Dilithium signature against a public key.
func Verify(pub *mode3.PublicKey, msg, sig []byte) bool {
	return mode3.Verify(pub, msg, sig)
}

// Fingerprint returns a BLAKE3 digest of the packed public key, used as
// the input to the human-readable SAS shown to both parties for MITM
// verification. LAN discovery does not use it; its dedup key is derived
// from the device ID.
func (k *SigningKeypair) Fingerprint() [32]byte {
	var packed [mode3.PublicKeySize]byte
	k.Public.Pack(&packed)
	return blake3.Sum256(packed[:])
}

// PublicKeyHex returns the packed public key as a hex string.
func (k *SigningKeypair) PublicKeyHex() string {
	var packed [mode3.PublicKeySize]byte
	k.Public.Pack(&packed)
	return hex.EncodeToString(packed[:])
}

// ParsePublicKeyHex parses a hex-encoded packed Dilithium public key.
func ParsePublicKeyHex(s string) (*mode3.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}
	if len(raw) != mode3.PublicKeySize {
		return nil, fmt.Errorf("invalid dilithium public key length: got %d, want %d", len(raw), mode3.PublicKeySize)
	}
	var packed [mode3.PublicKeySize]byte
	copy(packed[:], raw)
	var pk mode3.PublicKey
	pk.Unpack(&packed)
	return &pk, nil
}

// Store persists the keypair to dataDir, private key first with 0600
// permissions, public key alongside with 0644.
func (k *SigningKeypair) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var packedPriv [mode3.PrivateKeySize]byte
	k.Private.Pack(&packedPriv)

	privPath := filepath.Join(dataDir, signingKeyFileName)
	tmpPriv := privPath + ".tmp"
	if err := os.WriteFile(tmpPriv, []byte(hex.EncodeToString(packedPriv[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write signing private key: %w", err)
	}
	if err := os.Rename(tmpPriv, privPath); err != nil {
		os.Remove(tmpPriv)
		return fmt.Errorf("failed to persist signing private key: %w", err)
	}

	pubPath := filepath.Join(dataDir, signingPubFileName)
	tmpPub := pubPath + ".tmp"
	if err := os.WriteFile(tmpPub, []byte(k.PublicKeyHex()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write signing public key: %w", err)
	}
	if err := os.Rename(tmpPub, pubPath); err != nil {
		os.Remove(tmpPub)
		return fmt.Errorf("failed to persist signing public key: %w", err)
	}

	return nil
}

// LoadSigningKeypair loads a keypair previously written by Store.
func LoadSigningKeypair(dataDir string) (*SigningKeypair, error) {
	privPath := filepath.Join(dataDir, signingKeyFileName)
	privHex, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing private key: %w", err)
	}

	raw, err := hex.DecodeString(trimNewline(privHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}
	if len(raw) != mode3.PrivateKeySize {
		return nil, errors.New("corrupt signing private key on disk")
	}
	var packed [mode3.PrivateKeySize]byte
	copy(packed[:], raw)
	var sk mode3.PrivateKey
	sk.Unpack(&packed)

	pubPath := filepath.Join(dataDir, signingPubFileName)
	pubHex, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing public key: %w", err)
	}
	pk, err := ParsePublicKeyHex(trimNewline(pubHex))
	if err != nil {
		return nil, fmt.Errorf("corrupt signing public key on disk: %w", err)
	}

	return &SigningKeypair{Public: pk, Private: &sk}, nil
}

// LoadOrCreateSigningKeypair loads an existing signing keypair from dataDir
// or generates and persists a new one.
func LoadOrCreateSigningKeypair(dataDir string) (*SigningKeypair, bool, error) {
	if _, err := os.Stat(filepath.Join(dataDir, signingKeyFileName)); err == nil {
		kp, err := LoadSigningKeypair(dataDir)
		return kp, false, err
	}

	kp, err := GenerateSigningKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

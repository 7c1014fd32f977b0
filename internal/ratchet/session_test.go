package ratchet

import (
	"bytes"
	"testing"

	"github.com/tallowproject/tallow/internal/crypto"
)

func newPairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()

	peerPub, peerSec, err := crypto.GenerateHybridKeypair()
	if err != nil {
		t.Fatalf("generate responder keypair: %v", err)
	}

	initiator, ct, err := InitAsInitiator(peerPub)
	if err != nil {
		t.Fatalf("init initiator: %v", err)
	}

	responder, err := InitAsResponder(peerSec, initiatorAdvertisedPublic(t), ct)
	if err != nil {
		t.Fatalf("init responder: %v", err)
	}

	return initiator, responder
}

// initiatorAdvertisedPublic stands in for the initiator's hybrid public
// key as carried in the HELLO frame; the responder only needs its
// X25519 half to seed theirDHPub, so any keypair with the matching
// initial DH public works for these state-machine tests. Session tests
// that exercise the handshake wire format live in internal/session.
func initiatorAdvertisedPublic(t *testing.T) *crypto.HybridPublicKey {
	t.Helper()
	pub, _, err := crypto.GenerateHybridKeypair()
	if err != nil {
		t.Fatalf("generate stand-in public key: %v", err)
	}
	return pub
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	initiator, responder := newPairedSessions(t)

	header, ciphertext, err := initiator.Encrypt([]byte("hello responder"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// The responder seeds its receive chain from the initiator's first
	// ratchet public key, carried in the header.
	plaintext, err := responder.Decrypt(header, ciphertext, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello responder")) {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
}

func TestBidirectionalExchange(t *testing.T) {
	initiator, responder := newPairedSessions(t)

	h1, c1, err := initiator.Encrypt([]byte("msg one"), nil)
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	pt1, err := responder.Decrypt(h1, c1, nil)
	if err != nil {
		t.Fatalf("decrypt 1: %v", err)
	}
	if string(pt1) != "msg one" {
		t.Fatalf("unexpected plaintext: %q", pt1)
	}

	h2, c2, err := responder.Encrypt([]byte("msg two"), nil)
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	pt2, err := initiator.Decrypt(h2, c2, nil)
	if err != nil {
		t.Fatalf("decrypt 2: %v", err)
	}
	if string(pt2) != "msg two" {
		t.Fatalf("unexpected plaintext: %q", pt2)
	}
}

func TestOutOfOrderDeliveryUsesSkippedKeyCache(t *testing.T) {
	initiator, responder := newPairedSessions(t)

	type sealed struct {
		h  *Header
		ct []byte
	}
	var msgs []sealed
	for i := 0; i < 5; i++ {
		h, ct, err := initiator.Encrypt([]byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sealed{h, ct})
	}

	// Deliver out of order: 4, 0, 1, 2, 3.
	order := []int{4, 0, 1, 2, 3}
	for _, idx := range order {
		pt, err := responder.Decrypt(msgs[idx].h, msgs[idx].ct, nil)
		if err != nil {
			t.Fatalf("decrypt out-of-order index %d: %v", idx, err)
		}
		if len(pt) != 1 || pt[0] != byte(idx) {
			t.Fatalf("index %d: got plaintext %v", idx, pt)
		}
	}
}

func TestDHRatchetAdvancesAcrossInterval(t *testing.T) {
	initiator, responder := newPairedSessions(t)
	initiator.DHRatchetInterval = 2
	responder.DHRatchetInterval = 2

	for i := 0; i < 6; i++ {
		h, ct, err := initiator.Encrypt([]byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		pt, err := responder.Decrypt(h, ct, nil)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if pt[0] != byte(i) {
			t.Fatalf("message %d corrupted", i)
		}
	}
}

func TestTamperedCiphertextCountsTowardAbort(t *testing.T) {
	initiator, responder := newPairedSessions(t)

	for i := 0; i < AuthFailureThreshold; i++ {
		h, ct, err := initiator.Encrypt([]byte("x"), nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		ct[0] ^= 0xFF
		if _, err := responder.Decrypt(h, ct, nil); err == nil {
			t.Fatal("expected tampered ciphertext to fail authentication")
		}
	}

	if !responder.Aborted() {
		t.Fatal("expected session to abort after repeated auth failures")
	}

	h, ct, err := initiator.Encrypt([]byte("y"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := responder.Decrypt(h, ct, nil); err != ErrSessionAborted {
		t.Fatalf("expected ErrSessionAborted, got %v", err)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	dh := [32]byte{1, 2, 3}
	h := &Header{
		Counter:    42,
		PN:         7,
		DHPublic:   &dh,
		LatticePub: []byte("pub"),
		LatticeCT:  []byte("ct"),
	}
	buf := h.Encode()
	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Counter != h.Counter || decoded.PN != h.PN {
		t.Fatal("counter/PN mismatch")
	}
	if decoded.DHPublic == nil || *decoded.DHPublic != dh {
		t.Fatal("dh public mismatch")
	}
	if !bytes.Equal(decoded.LatticePub, h.LatticePub) || !bytes.Equal(decoded.LatticeCT, h.LatticeCT) {
		t.Fatal("lattice fields mismatch")
	}
}

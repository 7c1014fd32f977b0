// Package ratchet implements the root/send/recv chain key evolution
// described in spec.md §4.2: a hybrid DH+PQ ratchet providing forward
// secrecy and post-compromise security across a long-lived transfer or
// chat session, built entirely on internal/crypto's primitives.
package ratchet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
	"golang.org/x/crypto/curve25519"

	"github.com/tallowproject/tallow/internal/crypto"
)

var latticeScheme = schemes.ByName("Kyber768")

// Default ratchet cadences. spec.md §9 leaves the exact cadence an open
// question and asks for configuration with these as minimums.
const (
	DefaultDHRatchetInterval = 1000
	DefaultPQRatchetInterval = 100

	// SkippedKeyCacheCap bounds the out-of-order message key cache per
	// spec.md §4.2.
	SkippedKeyCacheCap = 2000

	// AuthFailureThreshold aborts the session after this many
	// consecutive tag-mismatch failures, per spec.md §4.2/§7.
	AuthFailureThreshold = 10
)

var (
	// ErrStaleHeader is returned by Decrypt when the header's counter is
	// further behind than the skipped-key cache can recover; the caller
	// must drop the message, not retry.
	ErrStaleHeader = errors.New("ratchet: stale message header")

	// ErrSessionAborted is returned once the auth-failure threshold has
	// been reached; the session must be torn down.
	ErrSessionAborted = errors.New("ratchet: session aborted after repeated authentication failures")
)

type skipKey struct {
	dhPub   [32]byte
	counter uint64
}

type chain struct {
	key    [32]byte
	have   bool
	length uint64 // number of messages produced/consumed in this chain
}

// Session holds one direction-aware ratchet state machine for a single
// peer-to-peer session.
type Session struct {
	mu sync.Mutex

	isInitiator bool

	rootKey [32]byte

	send chain
	recv chain

	ourDHPriv  [32]byte
	ourDHPub   [32]byte
	theirDHPub [32]byte
	haveTheir  bool

	ourLatticePriv   kem.PrivateKey
	ourLatticePub    kem.PublicKey
	theirLatticePub  kem.PublicKey
	haveTheirLattice bool

	msgsSinceDH uint64
	msgsSincePQ uint64

	prevSendChainLen uint64

	skipped   map[skipKey][32]byte
	skipOrder []skipKey

	authFailures int
	aborted      bool

	DHRatchetInterval uint64
	PQRatchetInterval uint64
}

func newSession(isInitiator bool) *Session {
	return &Session{
		isInitiator:       isInitiator,
		skipped:           make(map[skipKey][32]byte),
		DHRatchetInterval: DefaultDHRatchetInterval,
		PQRatchetInterval: DefaultPQRatchetInterval,
	}
}

func freshX25519() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// InitAsInitiator starts a session as the party that initiates the
// hybrid KEM handshake. It returns the session and the KEM ciphertext
// that must be sent to the peer as the handshake's KEM_CIPHERTEXT
// payload.
func InitAsInitiator(peerPublic *crypto.HybridPublicKey) (*Session, []byte, error) {
	ct, ss, err := crypto.Encapsulate(peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: encapsulate: %w", err)
	}
	defer crypto.ZeroKey(&ss)

	s := newSession(true)
	s.rootKey = crypto.KDF(ss[:], crypto.ContextRootKey)
	s.theirDHPub = peerPublic.X25519
	s.haveTheir = true
	s.theirLatticePub = peerPublic.Lattice
	s.haveTheirLattice = true

	ourPriv, ourPub, err := freshX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: generate initial dh keypair: %w", err)
	}
	s.ourDHPriv = ourPriv
	s.ourDHPub = ourPub

	s.dhRatchetStep()

	return s, ct, nil
}

// InitAsResponder completes the handshake on the responder side, given
// our own hybrid secret key, the peer's hybrid public key (from the
// HELLO frame), and the KEM ciphertext the initiator sent.
func InitAsResponder(ourSecret *crypto.HybridSecretKey, peerPublic *crypto.HybridPublicKey, kemCiphertext []byte) (*Session, error) {
	ss, err := crypto.Decapsulate(ourSecret, kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decapsulate: %w", err)
	}
	defer crypto.ZeroKey(&ss)

	s := newSession(false)
	s.rootKey = crypto.KDF(ss[:], crypto.ContextRootKey)
	s.theirDHPub = peerPublic.X25519
	s.haveTheir = true
	s.theirLatticePub = peerPublic.Lattice
	s.haveTheirLattice = true

	ourPriv, ourPub, err := freshX25519()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate initial dh keypair: %w", err)
	}
	s.ourDHPriv = ourPriv
	s.ourDHPub = ourPub

	// The responder's send chain isn't established until it first
	// receives the initiator's ratchet public key; Decrypt seeds it.
	return s, nil
}

// dhRatchetStep derives a new root key and send chain key from the
// current root key and an ECDH between our current DH keypair and the
// peer's known DH public key.
func (s *Session) dhRatchetStep() {
	var dhOut [32]byte
	curve25519.ScalarMult(&dhOut, &s.ourDHPriv, &s.theirDHPub)
	defer crypto.ZeroKey(&dhOut)

	combined := append(append([]byte{}, s.rootKey[:]...), dhOut[:]...)
	s.rootKey = crypto.KDF(combined, crypto.ContextRootKey)
	s.send.key = crypto.KDF(combined, crypto.ContextChainKey)
	s.send.have = true
	s.prevSendChainLen = s.send.length
	s.send.length = 0
	s.msgsSinceDH = 0
	crypto.Zero(combined)
}

func (s *Session) dhRatchetRecvStep(theirNewDHPub [32]byte) {
	var dhOut [32]byte
	curve25519.ScalarMult(&dhOut, &s.ourDHPriv, &theirNewDHPub)
	defer crypto.ZeroKey(&dhOut)

	combined := append(append([]byte{}, s.rootKey[:]...), dhOut[:]...)
	s.rootKey = crypto.KDF(combined, crypto.ContextRootKey)
	s.recv.key = crypto.KDF(combined, crypto.ContextChainKey)
	s.recv.have = true
	s.recv.length = 0
	crypto.Zero(combined)

	s.theirDHPub = theirNewDHPub
}

// Encrypt advances the send chain, optionally performing a DH and/or PQ
// ratchet step first, then seals plaintext under the resulting message
// key. The message key is wiped immediately after use.
func (s *Session) Encrypt(plaintext, aad []byte) (*Header, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil, nil, ErrSessionAborted
	}

	h := &Header{}

	if !s.send.have || s.msgsSinceDH >= s.DHRatchetInterval {
		ourPriv, ourPub, err := freshX25519()
		if err != nil {
			return nil, nil, fmt.Errorf("ratchet: dh ratchet: %w", err)
		}
		s.ourDHPriv = ourPriv
		s.ourDHPub = ourPub
		s.dhRatchetStep()
		dh := s.ourDHPub
		h.DHPublic = &dh
		h.PN = s.prevSendChainLen
	}

	if s.haveTheirLattice && s.msgsSincePQ >= s.PQRatchetInterval {
		ct, ss, err := latticeScheme.Encapsulate(s.theirLatticePub)
		if err == nil {
			combined := append(append([]byte{}, s.rootKey[:]...), ss...)
			s.rootKey = crypto.KDF(combined, crypto.ContextRootKey)
			s.send.key = crypto.KDF(combined, crypto.ContextChainKey)
			crypto.Zero(combined)
			crypto.Zero(ss)
			h.LatticeCT = ct

			newPub, newPriv, genErr := latticeScheme.GenerateKeyPair()
			if genErr == nil {
				s.ourLatticePub = newPub
				s.ourLatticePriv = newPriv
				if packed, mErr := newPub.MarshalBinary(); mErr == nil {
					h.LatticePub = packed
				}
			}
			s.msgsSincePQ = 0
		}
	}

	h.Counter = s.send.length

	msgKey := crypto.KDF(s.send.key[:], crypto.ContextMessageKey)
	s.send.key = crypto.KDF(s.send.key[:], crypto.ContextChainKey)
	s.send.length++
	s.msgsSinceDH++
	s.msgsSincePQ++

	nonce := crypto.BuildNonce(directionFor(s.isInitiator, true), h.Counter)
	ciphertext, err := crypto.Seal(msgKey, nonce, plaintext, concatAAD(aad, h))
	crypto.ZeroKey(&msgKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: seal: %w", err)
	}

	return h, ciphertext, nil
}

// Decrypt authenticates and decrypts a message, transparently handling
// out-of-order delivery via the skipped-key cache and ratchet steps
// signalled by the header.
func (s *Session) Decrypt(h *Header, ciphertext, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil, ErrSessionAborted
	}

	if h.DHPublic != nil && (!s.haveTheir || *h.DHPublic != s.theirDHPub) {
		if s.recv.have {
			s.skipKeysLocked(s.recv.length, h.PN)
		}
		s.dhRatchetRecvStep(*h.DHPublic)

		ourPriv, ourPub, err := freshX25519()
		if err == nil {
			s.ourDHPriv = ourPriv
			s.ourDHPub = ourPub
			s.dhRatchetStep()
		}
	}

	if len(h.LatticeCT) > 0 && s.ourLatticePriv != nil {
		ss, err := latticeScheme.Decapsulate(s.ourLatticePriv, h.LatticeCT)
		if err == nil {
			combined := append(append([]byte{}, s.rootKey[:]...), ss...)
			s.rootKey = crypto.KDF(combined, crypto.ContextRootKey)
			s.recv.key = crypto.KDF(combined, crypto.ContextChainKey)
			crypto.Zero(combined)
			crypto.Zero(ss)
		}
	}
	if len(h.LatticePub) > 0 {
		if pk, err := latticeScheme.UnmarshalBinaryPublicKey(h.LatticePub); err == nil {
			s.theirLatticePub = pk
			s.haveTheirLattice = true
		}
	}

	key := skipKey{dhPub: s.theirDHPub, counter: h.Counter}
	if msgKey, ok := s.skipped[key]; ok {
		delete(s.skipped, key)
		nonce := crypto.BuildNonce(directionFor(s.isInitiator, false), h.Counter)
		plaintext, err := crypto.Open(msgKey, nonce, ciphertext, concatAAD(aad, h))
		crypto.ZeroKey(&msgKey)
		if err != nil {
			s.recordAuthFailureLocked()
			return nil, crypto.ErrInvalidTag
		}
		return plaintext, nil
	}

	if !s.recv.have {
		return nil, ErrStaleHeader
	}
	if h.Counter < s.recv.length {
		return nil, ErrStaleHeader
	}

	if h.Counter > s.recv.length {
		s.skipKeysLocked(s.recv.length, h.Counter)
	}

	msgKey := crypto.KDF(s.recv.key[:], crypto.ContextMessageKey)
	s.recv.key = crypto.KDF(s.recv.key[:], crypto.ContextChainKey)
	s.recv.length++

	nonce := crypto.BuildNonce(directionFor(s.isInitiator, false), h.Counter)
	plaintext, err := crypto.Open(msgKey, nonce, ciphertext, concatAAD(aad, h))
	crypto.ZeroKey(&msgKey)
	if err != nil {
		s.recordAuthFailureLocked()
		return nil, crypto.ErrInvalidTag
	}

	s.authFailures = 0
	return plaintext, nil
}

// skipKeysLocked derives and caches message keys for [from, until) in
// the current receive chain, evicting the oldest entries once the
// cache exceeds SkippedKeyCacheCap.
func (s *Session) skipKeysLocked(from, until uint64) {
	for i := from; i < until; i++ {
		msgKey := crypto.KDF(s.recv.key[:], crypto.ContextMessageKey)
		s.recv.key = crypto.KDF(s.recv.key[:], crypto.ContextChainKey)
		s.recv.length++

		k := skipKey{dhPub: s.theirDHPub, counter: i}
		s.skipped[k] = msgKey
		s.skipOrder = append(s.skipOrder, k)
		if len(s.skipOrder) > SkippedKeyCacheCap {
			evict := s.skipOrder[0]
			s.skipOrder = s.skipOrder[1:]
			if old, ok := s.skipped[evict]; ok {
				crypto.ZeroKey(&old)
				delete(s.skipped, evict)
			}
		}
	}
}

func (s *Session) recordAuthFailureLocked() {
	s.authFailures++
	if s.authFailures >= AuthFailureThreshold {
		s.aborted = true
	}
}

// Aborted reports whether the session has crossed the auth-failure
// threshold and must be torn down.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// TriggerDHRatchet forces a DH ratchet step on the next Encrypt call,
// satisfying spec.md §4.2's "or explicit trigger" clause.
func (s *Session) TriggerDHRatchet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgsSinceDH = s.DHRatchetInterval
}

// TriggerPQRatchet forces a PQ ratchet step on the next Encrypt call.
func (s *Session) TriggerPQRatchet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgsSincePQ = s.PQRatchetInterval
}

// DeriveKey derives a stable subkey from the session's current root key
// under the given domain-separation context (one of the
// crypto.Context* registry entries). Unlike the per-message keys
// Encrypt/Decrypt consume and wipe, this key is not advanced by the
// ratchet: it is used for long-lived per-session material that must
// stay constant across many messages, such as the chunk engine's
// per-transfer AEAD key (spec.md §3's "session-key handle" — the
// handle is non-secret, the key it names lives here). Callers must not
// cache the result past the session's Zero() call.
func (s *Session) DeriveKey(context string) [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crypto.KDF(s.rootKey[:], context)
}

// Zero wipes all key material held by the session. Call it on session
// end or after the 5-minute idle TTL from spec.md §3.
func (s *Session) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.ZeroKey(&s.rootKey)
	crypto.ZeroKey(&s.send.key)
	crypto.ZeroKey(&s.recv.key)
	crypto.ZeroKey(&s.ourDHPriv)
	for k, v := range s.skipped {
		crypto.ZeroKey(&v)
		delete(s.skipped, k)
	}
	s.skipOrder = nil
}

func directionFor(isInitiator, sending bool) uint32 {
	if sending == isInitiator {
		return crypto.DirectionInitiatorToResponder
	}
	return crypto.DirectionResponderToInitiator
}

func concatAAD(aad []byte, h *Header) []byte {
	return append(append([]byte{}, aad...), h.Encode()...)
}

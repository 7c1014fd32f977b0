// Package pake derives a high-entropy shared session key from the
// low-entropy room code both peers already hold, without the relay or
// signaling server ever learning the code, per spec.md §4.9. It wraps
// schollz/pake/v3 (a real CPace-class balanced PAKE implementation)
// rather than hand-rolling the curve arithmetic.
package pake

import (
	"errors"

	schollzpake "github.com/schollz/pake/v3"

	"github.com/tallowproject/tallow/internal/crypto"
)

// saltContext is the fixed salt spec.md §4.9 requires for deriving the
// PAKE password from the room code: identical on both peers and on the
// server (which never sees it), so the derivation itself carries no
// per-session entropy — the room code is the only secret.
const saltContext = "tallow-pake-v1"

// Role distinguishes the two sides of the balanced exchange. Unlike an
// asymmetric PAKE, the roles are not "client"/"server": either peer may
// take either role, decided out of band (the creator of the room is
// conventionally Role A).
type Role int

const (
	RoleA Role = 0
	RoleB Role = 1
)

// ErrMismatch is returned whenever the two sides' room codes disagree.
// Per spec.md §4.9, this is the only error Update or SessionKey ever
// return on failure: no information about which side was wrong, and the
// wire shape up to this point is identical to the success path, so a
// network observer enumerating codes learns nothing per attempt beyond
// "wrong" or "right".
var ErrMismatch = errors.New("pake: mismatch")

// Handshake drives one balanced PAKE exchange for a single room code.
type Handshake struct {
	p *schollzpake.Pake
}

// New starts a handshake for roomCode in the given role. The password
// fed into the curve arithmetic is memory-hard-derived from the room
// code (spec.md §4.9: "password is memory_hard_kdf(room_code, fixed
// salt)"), so even a compromised transcript reveals nothing about the
// code itself without redoing the Argon2id work per guess.
func New(roomCode string, role Role) (*Handshake, error) {
	password := crypto.PasswordDerive([]byte(roomCode), []byte(saltContext))
	p, err := schollzpake.InitCurve(password[:], int(role), "siec")
	if err != nil {
		return nil, err
	}
	return &Handshake{p: p}, nil
}

// Message returns the bytes this side must send to the peer (over the
// signaling channel) to advance the exchange.
func (h *Handshake) Message() []byte {
	return h.p.Bytes()
}

// Update consumes the peer's message. A curve-arithmetic failure here
// is reported uniformly as ErrMismatch — the caller must not
// distinguish "malformed message" from "wrong password" in anything
// it logs or sends back to the peer.
func (h *Handshake) Update(peerMessage []byte) error {
	if err := h.p.Update(peerMessage); err != nil {
		return ErrMismatch
	}
	return nil
}

// SessionKey returns the derived 32-byte session key once the exchange
// is complete: KDF(pake_output, "tallow-pake-session") per spec.md
// §4.9. Both sides only learn whether they agree by each independently
// deriving this key and running an explicit verify step (see VerifyTag) —
// SessionKey alone does not confirm agreement.
func (h *Handshake) SessionKey() ([crypto.KeySize]byte, error) {
	raw, err := h.p.SessionKey()
	if err != nil {
		return [crypto.KeySize]byte{}, ErrMismatch
	}
	return crypto.KDF(raw, crypto.ContextPAKESession), nil
}

// VerifyTag computes a short authentication tag over the derived
// session key and a caller-supplied direction label, so peers can
// exchange tags and confirm (via a constant-time comparison) that both sides
// derived the same key before trusting the channel for the hybrid KEM
// handshake.
func VerifyTag(sessionKey [crypto.KeySize]byte, label string) [32]byte {
	return crypto.Hash(append([]byte(label), sessionKey[:]...))
}

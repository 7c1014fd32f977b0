package peer

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/tallowproject/tallow/internal/crypto"
	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/pake"
	"github.com/tallowproject/tallow/internal/protocol"
	"github.com/tallowproject/tallow/internal/ratchet"
	"github.com/tallowproject/tallow/internal/transport"
)

// HandshakeResult summarizes a completed handshake, for callers that
// want the identifying details without reaching into the Connection.
type HandshakeResult struct {
	RemoteID          device.DeviceID
	RemoteFingerprint [32]byte
	RTT               time.Duration
}

// Handshaker drives the handshake described in spec.md §6: an optional
// PAKE round (present whenever a room code is shared out of band),
// followed by the mandatory hybrid-KEM exchange that always runs,
// whether or not a PAKE preceded it.
type Handshaker struct {
	localID device.DeviceID
	signing *device.SigningKeypair
	timeout time.Duration
}

// NewHandshaker builds a Handshaker for the given local identity.
func NewHandshaker(localID device.DeviceID, signing *device.SigningKeypair, timeout time.Duration) *Handshaker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handshaker{localID: localID, signing: signing, timeout: timeout}
}

// DialAndHandshake opens a transport connection and performs the
// handshake as the dialing side.
func (h *Handshaker) DialAndHandshake(ctx context.Context, t transport.Transport, addr string, opts *transport.DialOptions, roomCode string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conn, err := t.Dial(ctx, addr, opts)
	if err != nil {
		return nil, errs.Transport("peer: dial %s: %w", addr, err)
	}

	c := NewConnection(conn, DefaultConnectionConfig(h.localID))
	c.SetConfigAddr(addr)

	if err := h.perform(ctx, c, roomCode); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// AcceptHandshake performs the handshake as the accepting side, over an
// already-established transport connection.
func (h *Handshaker) AcceptHandshake(ctx context.Context, conn transport.PeerConn, roomCode string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	c := NewConnection(conn, DefaultConnectionConfig(h.localID))

	if err := h.perform(ctx, c, roomCode); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// perform runs the full handshake sequence on c, using c.IsDialer() to
// decide the initiator/responder role of the hybrid-KEM step. The PAKE
// round, when present, is symmetric beyond the schollz/pake role
// assignment, which follows the same convention: the dialer is RoleA.
func (h *Handshaker) perform(ctx context.Context, c *Connection, roomCode string) error {
	stream, err := openHandshakeStream(ctx, c)
	if err != nil {
		return errs.Transport("peer: open handshake stream: %w", err)
	}
	c.controlStream = stream

	hr := protocol.NewHandshakeFrameReader(stream)

	if roomCode != "" {
		if err := h.runPAKE(c, stream, hr, roomCode); err != nil {
			return err
		}
	}

	ourHybridPub, ourHybridSecret, err := crypto.GenerateHybridKeypair()
	if err != nil {
		return errs.CryptoIntegrity("peer: generate hybrid keypair: %w", err)
	}
	defer ourHybridSecret.Zero()

	fingerprint := h.signing.Fingerprint()
	helloPayload, err := encodeHello(h.localID, fingerprint, ourHybridPub)
	if err != nil {
		return errs.CryptoIntegrity("peer: encode hello: %w", err)
	}
	if err := writeHandshake(stream, protocol.HandshakeHello, helloPayload); err != nil {
		return errs.Transport("peer: send hello: %w", err)
	}

	peerHelloPayload, err := readHandshake(hr, protocol.HandshakeHello)
	if err != nil {
		return errs.Transport("peer: read hello: %w", err)
	}
	remoteID, remoteFingerprint, remoteHybridPub, err := decodeHello(peerHelloPayload)
	if err != nil {
		return errs.CryptoIntegrity("peer: decode hello: %w", err)
	}

	start := time.Now()

	var session *ratchet.Session
	if c.IsDialer() {
		sess, ct, err := ratchet.InitAsInitiator(remoteHybridPub)
		if err != nil {
			return errs.CryptoIntegrity("peer: init ratchet as initiator: %w", err)
		}
		if err := writeHandshake(stream, protocol.HandshakeKEMCiphertext, ct); err != nil {
			return errs.Transport("peer: send kem ciphertext: %w", err)
		}
		session = sess
	} else {
		ctPayload, err := readHandshake(hr, protocol.HandshakeKEMCiphertext)
		if err != nil {
			return errs.Transport("peer: read kem ciphertext: %w", err)
		}
		sess, err := ratchet.InitAsResponder(ourHybridSecret, remoteHybridPub, ctPayload)
		if err != nil {
			return errs.CryptoIntegrity("peer: init ratchet as responder: %w", err)
		}
		session = sess
	}

	if err := writeHandshake(stream, protocol.HandshakeReady, nil); err != nil {
		return errs.Transport("peer: send ready: %w", err)
	}
	if _, err := readHandshake(hr, protocol.HandshakeReady); err != nil {
		return errs.Transport("peer: read ready: %w", err)
	}

	c.RemoteID = remoteID
	c.RemoteFingerprint = remoteFingerprint
	c.session = session
	c.controlReader = protocol.NewControlFrameReader(stream)
	c.UpdateRTT(time.Since(start))
	c.SetState(StateConnected)
	c.markReady()

	return nil
}

// runPAKE performs the optional balanced PAKE exchange and its
// confirmation round, binding the remainder of the handshake to the
// room code both sides hold. A mismatch here is reported to the caller
// but never distinguishes "wrong code" from "corrupt message" on the
// wire, per pake.ErrMismatch's contract.
func (h *Handshaker) runPAKE(c *Connection, stream transport.Stream, hr *protocol.HandshakeFrameReader, roomCode string) error {
	role := pake.RoleB
	if c.IsDialer() {
		role = pake.RoleA
	}
	hs, err := pake.New(roomCode, role)
	if err != nil {
		return errs.Authentication("peer: init pake: %w", err)
	}

	if err := writeHandshake(stream, protocol.HandshakePAKEMessage, hs.Message()); err != nil {
		return errs.Transport("peer: send pake message: %w", err)
	}
	peerMsg, err := readHandshake(hr, protocol.HandshakePAKEMessage)
	if err != nil {
		return errs.Transport("peer: read pake message: %w", err)
	}
	if err := hs.Update(peerMsg); err != nil {
		return errs.Authentication("peer: pake update: %w", err)
	}

	sessionKey, err := hs.SessionKey()
	if err != nil {
		return errs.Authentication("peer: pake session key: %w", err)
	}

	ourLabel, peerLabel := "dialer", "listener"
	if !c.IsDialer() {
		ourLabel, peerLabel = "listener", "dialer"
	}
	ourTag := pake.VerifyTag(sessionKey, ourLabel)
	if err := writeHandshake(stream, protocol.HandshakePAKEMessage, ourTag[:]); err != nil {
		return errs.Transport("peer: send pake confirmation: %w", err)
	}
	peerTag, err := readHandshake(hr, protocol.HandshakePAKEMessage)
	if err != nil {
		return errs.Transport("peer: read pake confirmation: %w", err)
	}
	wantTag := pake.VerifyTag(sessionKey, peerLabel)
	if subtle.ConstantTimeCompare(peerTag, wantTag[:]) != 1 {
		return errs.Authentication("peer: pake confirmation mismatch")
	}
	return nil
}

// openHandshakeStream opens (dialer) or accepts (listener) the first
// stream, which doubles as the handshake and, later, control stream.
func openHandshakeStream(ctx context.Context, c *Connection) (transport.Stream, error) {
	if c.IsDialer() {
		return c.conn.OpenStream(ctx)
	}
	return c.conn.AcceptStream(ctx)
}

func writeHandshake(w transport.Stream, kind uint8, payload []byte) error {
	f := &protocol.HandshakeFrame{Version: protocol.HandshakeVersion, Kind: kind, Payload: payload}
	return protocol.WriteHandshakeFrame(w, f)
}

func readHandshake(hr *protocol.HandshakeFrameReader, wantKind uint8) ([]byte, error) {
	f, err := hr.Read()
	if err != nil {
		return nil, err
	}
	if f.Kind != wantKind {
		return nil, fmt.Errorf("peer: expected %s frame, got %s", protocol.HandshakeKindName(wantKind), protocol.HandshakeKindName(f.Kind))
	}
	return f.Payload, nil
}

// encodeHello packs a HELLO payload: deviceID(16) || fingerprint(32) ||
// marshaled hybrid public key.
func encodeHello(id device.DeviceID, fingerprint [32]byte, pub *crypto.HybridPublicKey) ([]byte, error) {
	pubBytes, err := pub.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 16+32+len(pubBytes))
	out = append(out, id.Bytes()...)
	out = append(out, fingerprint[:]...)
	out = append(out, pubBytes...)
	return out, nil
}

// decodeHello reverses encodeHello.
func decodeHello(buf []byte) (device.DeviceID, [32]byte, *crypto.HybridPublicKey, error) {
	var fingerprint [32]byte
	if len(buf) < 16+32 {
		return device.DeviceID{}, fingerprint, nil, fmt.Errorf("peer: hello payload too short")
	}
	id, err := device.FromBytes(buf[:16])
	if err != nil {
		return device.DeviceID{}, fingerprint, nil, err
	}
	copy(fingerprint[:], buf[16:48])
	pub, err := crypto.UnmarshalHybridPublicKey(buf[48:])
	if err != nil {
		return device.DeviceID{}, fingerprint, nil, err
	}
	return id, fingerprint, pub, nil
}

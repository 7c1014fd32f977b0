package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/tallowproject/tallow/internal/protocol"
)

// RelayTransport is the last tier of the fallback chain from spec.md
// §4.5: a single TLS/TCP connection to a relay.Server, framed with
// CREATE_ROOM/JOIN_ROOM per spec.md §4.8 and then treated as an opaque
// byte pump. Like WebSocketTransport, the underlying connection has no
// native stream multiplexing, so it exposes exactly one Stream — the
// handshake's control stream doubles as the data stream for the
// lifetime of the connection, which is an accepted simplification this
// tier shares with the teacher's WebSocketPeerConn.
type RelayTransport struct {
	addr      string
	tlsConfig *tls.Config
}

// NewRelayTransport builds a client for the relay listening at addr
// (host:port). tlsConfig may be nil, in which case a default config
// skipping certificate verification is used — safe here because the
// ratchet handshake that runs over the resulting connection
// authenticates the peer independently of the relay's certificate.
func NewRelayTransport(addr string, tlsConfig *tls.Config) *RelayTransport {
	return &RelayTransport{addr: addr, tlsConfig: tlsConfig}
}

// Type returns TransportRelay.
func (t *RelayTransport) Type() TransportType { return TransportRelay }

// Close is a no-op: RelayTransport holds no listener state of its own,
// every connection it dials owns its own lifecycle.
func (t *RelayTransport) Close() error { return nil }

// Listen is not supported: the relay.Server itself is the only listener
// in this tier, so a client-side RelayTransport never accepts.
func (t *RelayTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return nil, fmt.Errorf("transport: relay tier has no client-side listener")
}

func (t *RelayTransport) dialTLS(ctx context.Context, opts DialOptions) (net.Conn, error) {
	cfg, err := prepareTLSConfigForDial(t.tlsConfig, opts.StrictVerify, []string{DefaultALPNProtocol})
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", t.addr)
}

// CreateRoom asks the relay to mint (or, if desiredCode is non-empty,
// reserve) a room and returns the code the other side must join with,
// along with the creator's end of the resulting connection.
func (t *RelayTransport) CreateRoom(ctx context.Context, desiredCode string, opts DialOptions) (code string, pc PeerConn, err error) {
	conn, err := t.dialTLS(ctx, opts)
	if err != nil {
		return "", nil, fmt.Errorf("transport: relay dial: %w", err)
	}

	payload := (&protocol.CreateRoomPayload{DesiredCode: desiredCode}).Encode()
	if err := protocol.WriteRelayFrame(conn, &protocol.RelayFrame{Kind: protocol.RelayCreateRoom, Payload: payload}); err != nil {
		conn.Close()
		return "", nil, fmt.Errorf("transport: relay create_room: %w", err)
	}

	reply, err := protocol.NewRelayFrameReader(conn).Read()
	if err != nil {
		conn.Close()
		return "", nil, fmt.Errorf("transport: relay create_room reply: %w", err)
	}
	switch reply.Kind {
	case protocol.RelayRoomCreated:
		resp := protocol.DecodeRoomCreatedPayload(reply.Payload)
		return resp.Code, newRelayPeerConn(conn, true), nil
	case protocol.RelayError:
		conn.Close()
		return "", nil, fmt.Errorf("transport: relay: %s", protocol.DecodeErrorPayload(reply.Payload).Message)
	default:
		conn.Close()
		return "", nil, fmt.Errorf("transport: relay: unexpected reply kind %d", reply.Kind)
	}
}

// Dial joins the room named by code (the PAKE room code both peers
// already hold), satisfying the Transport interface's Dial method for
// use as a Selector fallback tier.
func (t *RelayTransport) Dial(ctx context.Context, code string, opts DialOptions) (PeerConn, error) {
	conn, err := t.dialTLS(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: relay dial: %w", err)
	}

	payload := (&protocol.JoinRoomPayload{Code: code}).Encode()
	if err := protocol.WriteRelayFrame(conn, &protocol.RelayFrame{Kind: protocol.RelayJoinRoom, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: relay join_room: %w", err)
	}

	reply, err := protocol.NewRelayFrameReader(conn).Read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: relay join_room reply: %w", err)
	}
	switch reply.Kind {
	case protocol.RelayRoomJoined:
		return newRelayPeerConn(conn, false), nil
	case protocol.RelayError:
		conn.Close()
		return nil, fmt.Errorf("transport: relay: %s", protocol.DecodeErrorPayload(reply.Payload).Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("transport: relay: unexpected reply kind %d", reply.Kind)
	}
}

// relayPeerConn adapts a raw net.Conn, already past the relay's framing
// handshake, to PeerConn. isDialer is set by the caller: the room
// creator is conventionally the initiator (pake.RoleA).
type relayPeerConn struct {
	conn     net.Conn
	isDialer bool
	stream   *relayStream
}

func newRelayPeerConn(conn net.Conn, isDialer bool) *relayPeerConn {
	return &relayPeerConn{conn: conn, isDialer: isDialer, stream: &relayStream{conn: conn, id: 1}}
}

func (c *relayPeerConn) OpenStream(ctx context.Context) (Stream, error)   { return c.stream, nil }
func (c *relayPeerConn) AcceptStream(ctx context.Context) (Stream, error) { return c.stream, nil }
func (c *relayPeerConn) Close() error                                     { return c.conn.Close() }
func (c *relayPeerConn) LocalAddr() net.Addr                              { return c.conn.LocalAddr() }
func (c *relayPeerConn) RemoteAddr() net.Addr                             { return c.conn.RemoteAddr() }
func (c *relayPeerConn) IsDialer() bool                                   { return c.isDialer }
func (c *relayPeerConn) TransportType() TransportType                    { return TransportRelay }

// relayStream is the single bidirectional stream a relay connection
// offers, a thin pass-through over the underlying net.Conn.
type relayStream struct {
	conn net.Conn
	id   uint64
}

func (s *relayStream) StreamID() uint64                  { return s.id }
func (s *relayStream) Read(p []byte) (int, error)         { return s.conn.Read(p) }
func (s *relayStream) Write(p []byte) (int, error)        { return s.conn.Write(p) }
func (s *relayStream) CloseWrite() error {
	if tc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return tc.CloseWrite()
	}
	return nil
}
func (s *relayStream) Close() error                        { return s.conn.Close() }
func (s *relayStream) SetDeadline(t time.Time) error       { return s.conn.SetDeadline(t) }
func (s *relayStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *relayStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

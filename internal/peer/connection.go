// Package peer wraps a single established connection to the other side
// of a file transfer: the transport-level connection, the ratchet
// session negotiated over it, and the control-frame channel (pause,
// resume, bitmap-sync, resend-request, window-update, chunk-size-change
// per spec.md §6) multiplexed on its first stream. Unlike the teacher's
// mesh-wide peer manager (many simultaneous peers, flooding routes),
// TALLOW only ever has one active peer per transfer, so this package
// keeps the teacher's connection-state-machine and RTT-tracking shape
// but drops the multi-peer registry.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallowproject/tallow/internal/chunk"
	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/protocol"
	"github.com/tallowproject/tallow/internal/ratchet"
	"github.com/tallowproject/tallow/internal/transport"
)

// ConnectionState represents the state of a peer connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Connection represents the single connection to the other party in a
// transfer, after (or during) the handshake.
type Connection struct {
	// Identity
	LocalID            device.DeviceID
	RemoteID           device.DeviceID
	RemoteFingerprint  [32]byte // BLAKE3(remote signing public key), shown as SAS

	// Connection
	conn       transport.PeerConn
	isDialer   bool
	configAddr string // original dial address, used for reconnection

	// State
	state atomic.Int32

	// Control-frame I/O: the handshake stream doubles as the control
	// stream for the lifetime of the connection, per spec.md §6
	// ("Control frame (multiplexed on channel 0)").
	controlStream transport.Stream
	controlReader *protocol.ControlFrameReader
	writeMu       sync.Mutex

	// Ratchet session negotiated during the handshake; nil until Ready.
	session *ratchet.Session

	// Streams
	streamAlloc *transport.StreamIDAllocator

	// Activity tracking
	lastActivity atomic.Int64
	rtt          atomic.Int64 // nanoseconds

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}
}

// ConnectionConfig contains configuration for a connection. Dispatch of
// control frames and disconnect notifications is owned by Manager, not
// the Connection itself, so this config only carries identity and
// timing.
type ConnectionConfig struct {
	LocalID          device.DeviceID
	ExpectedPeerID   device.DeviceID // optional; the handshake does not check it
	HandshakeTimeout time.Duration
}

// DefaultConnectionConfig returns a config with defaults.
func DefaultConnectionConfig(localID device.DeviceID) ConnectionConfig {
	return ConnectionConfig{
		LocalID:          localID,
		HandshakeTimeout: 10 * time.Second,
	}
}

// NewConnection creates a new peer connection wrapper.
func NewConnection(conn transport.PeerConn, cfg ConnectionConfig) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		LocalID:     cfg.LocalID,
		conn:        conn,
		isDialer:    conn.IsDialer(),
		streamAlloc: transport.NewStreamIDAllocator(conn.IsDialer()),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		ready:       make(chan struct{}),
	}

	c.state.Store(int32(StateHandshaking))
	c.updateActivity()

	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetState updates the connection state.
func (c *Connection) SetState(state ConnectionState) {
	c.state.Store(int32(state))
}

// IsDialer returns true if this side initiated the connection.
func (c *Connection) IsDialer() bool {
	return c.isDialer
}

// TransportType returns the transport protocol type for this connection.
func (c *Connection) TransportType() transport.TransportType {
	if c.conn == nil {
		return ""
	}
	return c.conn.TransportType()
}

// Session returns the negotiated ratchet session, or nil before the
// handshake completes.
func (c *Connection) Session() *ratchet.Session {
	return c.session
}

// NextStreamID returns the next available stream ID for a chunk/data
// stream (the control stream itself is allocated separately during the
// handshake).
func (c *Connection) NextStreamID() uint64 {
	return c.streamAlloc.Next()
}

// OpenStream opens a new data stream to the peer, e.g. for a parallel
// chunk channel.
func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	if c.State() != StateConnected {
		return nil, fmt.Errorf("connection not in connected state: %s", c.State())
	}
	return c.conn.OpenStream(ctx)
}

// AcceptStream accepts an incoming data stream from the peer.
func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

// ChunkSize returns the transfer chunk size to use for this connection,
// querying the underlying transport's sampled link quality when it
// implements transport.LinkQualityReporter (QUIC and WebSocket both do)
// and falling back to chunk.SizeModerate for transports that don't
// (relay, ICE, and test fakes), per spec.md §4.5's adaptive sizing.
func (c *Connection) ChunkSize() int {
	reporter, ok := c.conn.(transport.LinkQualityReporter)
	if !ok {
		return chunk.SizeModerate
	}
	return transport.ChunkSizeForQuality(reporter.LinkQuality())
}

// WriteControl writes a control frame (pause, resume, bitmap-sync,
// resend-request, window-update, chunk-size-change) to the control
// stream.
func (c *Connection) WriteControl(f *protocol.ControlFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.controlStream == nil {
		return fmt.Errorf("peer: connection not initialized")
	}

	c.updateActivity()
	return protocol.WriteControlFrame(c.controlStream, f)
}

// SendPause sends a PAUSE control frame.
func (c *Connection) SendPause() error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlPause})
}

// SendResume sends a RESUME control frame.
func (c *Connection) SendResume() error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlResume})
}

// SendBitmapSync sends the caller's current chunk bitmap to the peer.
func (c *Connection) SendBitmapSync(b *protocol.BitmapSync) error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlBitmapSync, Payload: b.Encode()})
}

// SendResendRequest asks the peer to retransmit the given chunk indices.
func (c *Connection) SendResendRequest(r *protocol.ResendRequest) error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlResendRequest, Payload: r.Encode()})
}

// SendWindowUpdate renegotiates backpressure watermarks.
func (c *Connection) SendWindowUpdate(w *protocol.WindowUpdate) error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlWindowUpdate, Payload: w.Encode()})
}

// SendChunkSizeChange renegotiates the adaptive chunk size.
func (c *Connection) SendChunkSizeChange(cs *protocol.ChunkSizeChange) error {
	return c.WriteControl(&protocol.ControlFrame{Type: protocol.ControlChunkSizeChange, Payload: cs.Encode()})
}

// LastActivity returns the time of last activity.
func (c *Connection) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	return time.Unix(0, ns)
}

// RTT returns the measured round-trip time.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// updateActivity updates the last activity timestamp.
func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// UpdateRTT records a round-trip time sample.
func (c *Connection) UpdateRTT(d time.Duration) {
	if d > 0 {
		c.rtt.Store(int64(d))
	}
}

// Close closes the connection and wipes the ratchet session.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.SetState(StateDisconnected)
		if c.session != nil {
			c.session.Zero()
		}
		if c.controlStream != nil {
			c.controlStream.Close()
		}
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Ready returns a channel that's closed when the handshake is complete.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// markReady signals that the handshake is complete and the session and
// control stream are initialized. Only ever called once.
func (c *Connection) markReady() {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Context returns the connection's context.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() string {
	if c.conn == nil {
		return ""
	}
	return addrToString(c.conn.LocalAddr())
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return addrToString(c.conn.RemoteAddr())
}

func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ConfigAddr returns the original dial address, used for reconnection.
// Empty for accepted (incoming) connections.
func (c *Connection) ConfigAddr() string {
	return c.configAddr
}

// SetConfigAddr records the original dial address for later reconnects.
func (c *Connection) SetConfigAddr(addr string) {
	c.configAddr = addr
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Peer{id=%s, state=%s, addr=%s}",
		c.RemoteID.ShortString(), c.State(), c.RemoteAddr())
}

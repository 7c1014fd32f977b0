package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/logging"
	"github.com/tallowproject/tallow/internal/protocol"
	"github.com/tallowproject/tallow/internal/transport"
)

// ManagerConfig configures a Manager's single connection lifecycle.
type ManagerConfig struct {
	LocalID          device.DeviceID
	Signing          *device.SigningKeypair
	Transport        transport.Transport
	DialOptions      transport.DialOptions
	HandshakeTimeout time.Duration
	ReconnectConfig  ReconnectConfig
	Logger           *slog.Logger
	OnControl        func(*Connection, *protocol.ControlFrame)
	OnDisconnect     func(*Connection, error)
}

// DefaultManagerConfig returns a config with sensible defaults.
func DefaultManagerConfig(localID device.DeviceID, signing *device.SigningKeypair, tr transport.Transport) ManagerConfig {
	return ManagerConfig{
		LocalID:          localID,
		Signing:          signing,
		Transport:        tr,
		HandshakeTimeout: 10 * time.Second,
		ReconnectConfig:  DefaultReconnectConfig(),
	}
}

// Manager owns the single active connection to the other party in a
// transfer (spec.md's one-peer-per-transfer model, unlike the
// flood-mesh many-peer manager this package's teacher shape handles):
// it runs the control-frame read loop, tracks connection state, and
// drives reconnection with backoff when the transport is lost mid
// transfer (spec.md §4.5's "transport lost → auto-pause → reconnect").
type Manager struct {
	cfg        ManagerConfig
	handshaker *Handshaker
	logger     *slog.Logger

	mu          sync.RWMutex
	conn        *Connection
	roomCode    string
	addr        string
	reconnector *Reconnector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new single-peer connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := &Manager{
		cfg:        cfg,
		handshaker: NewHandshaker(cfg.LocalID, cfg.Signing, cfg.HandshakeTimeout),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	m.reconnector = NewReconnector(cfg.ReconnectConfig, m.handleReconnect)

	return m
}

// Connect dials addr and performs the handshake, optionally with a PAKE
// round if roomCode is non-empty. The address and room code are
// remembered so a later transport loss can be retried automatically.
func (m *Manager) Connect(ctx context.Context, addr, roomCode string) (*Connection, error) {
	conn, err := m.handshaker.DialAndHandshake(ctx, m.cfg.Transport, addr, &m.cfg.DialOptions, roomCode)
	if err != nil {
		m.reconnector.Schedule(addr)
		return nil, err
	}

	m.mu.Lock()
	m.addr = addr
	m.roomCode = roomCode
	m.mu.Unlock()

	m.registerConnection(conn)
	return conn, nil
}

// Accept performs the handshake as the accepting side over an
// already-established transport connection.
func (m *Manager) Accept(ctx context.Context, peerConn transport.PeerConn, roomCode string) (*Connection, error) {
	conn, err := m.handshaker.AcceptHandshake(ctx, peerConn, roomCode)
	if err != nil {
		return nil, err
	}

	m.registerConnection(conn)
	return conn, nil
}

// registerConnection installs conn as the manager's active connection
// and starts its control-frame read loop.
func (m *Manager) registerConnection(conn *Connection) {
	m.mu.Lock()
	if existing := m.conn; existing != nil && existing != conn {
		existing.Close()
	}
	m.conn = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(conn)
}

// Active returns the current connection, or nil if none is established.
func (m *Manager) Active() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// readLoop dispatches control frames to cfg.OnControl until the
// connection closes, then triggers the disconnect callback and, for a
// connection with a remembered dial address, schedules a reconnect.
func (m *Manager) readLoop(conn *Connection) {
	defer m.wg.Done()

	select {
	case <-conn.Ready():
	case <-conn.Done():
		return
	case <-m.ctx.Done():
		return
	}

	for {
		select {
		case <-conn.Done():
			return
		case <-m.ctx.Done():
			return
		default:
		}

		f, err := conn.controlReader.Read()
		if err != nil {
			conn.Close()
			m.handleDisconnect(conn, err)
			return
		}

		conn.updateActivity()

		if m.cfg.OnControl != nil {
			m.cfg.OnControl(conn, f)
		}
	}
}

// handleDisconnect clears the active connection if it is still conn,
// notifies the caller's OnDisconnect callback, and schedules a
// reconnect when a dial address is on record.
func (m *Manager) handleDisconnect(conn *Connection, err error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	addr := m.addr
	m.mu.Unlock()

	if m.cfg.OnDisconnect != nil {
		m.cfg.OnDisconnect(conn, err)
	}

	if addr != "" {
		m.reconnector.Schedule(addr)
	}
}

// handleReconnect is the Reconnector's retry callback.
func (m *Manager) handleReconnect(addr string) error {
	m.mu.RLock()
	roomCode := m.roomCode
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout+m.cfg.DialOptions.Timeout)
	defer cancel()

	_, err := m.Connect(ctx, addr, roomCode)
	return err
}

// Disconnect closes the active connection, if any.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("peer: no active connection")
	}
	return conn.Close()
}

// Close shuts down the manager and its active connection.
func (m *Manager) Close() error {
	m.cancel()
	m.reconnector.Stop()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.wg.Wait()
	return nil
}

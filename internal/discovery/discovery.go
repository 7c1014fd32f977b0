// Package discovery finds nearby TALLOW devices on the local network
// via mDNS, per spec.md §4.10. Grounded on pion/mdns/v2 for the
// multicast socket and name-resolution plumbing; that package only
// resolves a known hostname to an address (no PTR/TXT service
// browsing, unlike a full Bonjour/zeroconf client), so a device's
// metadata — display name, platform, version, capabilities — is packed
// into the label it advertises rather than carried in a separate TXT
// record, and browsing means probing per-device labels built from
// device IDs the caller already knows. The label carries no public-key
// fingerprint.
//
// The seen-entry expiry sweep below mirrors the teacher's
// internal/flood seen-cache: a ticker at half the TTL, deleting
// anything older than the TTL on each tick.
package discovery

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"

	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/logging"
)

// ServiceName is the DNS-SD-style name every TALLOW device advertises
// and queries, per spec.md §4.10.
const ServiceName = "_tallow._tcp.local."

// EntryTTL is how long a discovered device is kept before it is
// considered stale and dropped, per spec.md §4.10.
const EntryTTL = 60 * time.Second

var labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Device is one discovered (or locally-advertised) peer.
type Device struct {
	ID           device.DeviceID
	Name         string
	Platform     string
	Version      string
	Capabilities []string
	Fingerprint  [8]byte // first 8 bytes of the device ID (decodeLabel), used as the dedup key
	Addr         netAddr
	SeenAt       time.Time
	Source       string // "lan"
}

// netAddr avoids importing netip just for one field; callers format it
// with String().
type netAddr struct {
	IP   net.IP
	Port int
}

func (a netAddr) String() string {
	if a.IP == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Config configures advertising and browsing.
type Config struct {
	Local    Device
	Interval time.Duration // query interval while browsing
	Logger   *slog.Logger
}

// Service advertises the local device and browses for others.
type Service struct {
	cfg    Config
	logger *slog.Logger
	conn   *mdns.Conn
	name   string // this device's generated label

	mu      sync.RWMutex
	devices map[device.DeviceID]Device

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New starts advertising cfg.Local and returns a Service ready to
// Browse. The local device's metadata is encoded into the mDNS label
// pion/mdns resolves addresses for.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	name, err := encodeLabel(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode local label: %w", err)
	}

	// 224.0.0.251:5353 is the standard mDNS multicast group and port
	// (RFC 6762 §3); pion/mdns dials the same address internally.
	addr4, err := net.ResolveUDPAddr("udp4", "224.0.0.251:5353")
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve mdns multicast addr: %w", err)
	}
	sock, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen multicast udp: %w", err)
	}
	packetConn := ipv4.NewPacketConn(sock)

	conn, err := mdns.Server(packetConn, nil, &mdns.Config{
		LocalNames: []string{name},
	})
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		name:    name,
		devices: make(map[device.DeviceID]Device),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.expiryLoop()

	return s, nil
}

// Browse probes candidateNames (device IDs previously seen over
// signaling, or a small well-known set collected out of band) and
// folds any that answer into the merged device list. Real LAN
// discovery without any prior hint relies on labels observed on the
// wire being fed into this process's device map via ObserveLabel,
// since mDNS here resolves known names rather than enumerating unknown
// ones.
func (s *Service) Browse(ctx context.Context, candidateIDs []device.DeviceID) {
	for _, id := range candidateIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.probe(ctx, id)
	}
}

func (s *Service) probe(ctx context.Context, id device.DeviceID) {
	// We don't know the remote's full label (name/platform/etc.) up
	// front, only its device ID, so we can't construct the exact name
	// to Query for; in practice candidates come with a label captured
	// from a prior signaling exchange or LAN broadcast. ObserveLabel
	// covers that path. This probe only finds a remote that advertised
	// empty name, platform, version and capabilities, since it queries
	// the label ServiceLabel builds from the bare device ID.
	name := ServiceLabel(id.String(), "", "", "", nil)
	_, addr, err := s.conn.Query(ctx, name)
	if err != nil {
		return
	}
	s.recordFromLabel(name, addr)
}

// ObserveLabel ingests a raw mDNS label seen on the wire (e.g. from a
// one-off query this process issued, or a response observed while
// another query was in flight) and records the device it decodes to.
func (s *Service) ObserveLabel(label string, addr net.Addr) {
	s.recordFromLabel(label, addr)
}

func (s *Service) recordFromLabel(label string, addr net.Addr) {
	d, err := decodeLabel(label)
	if err != nil {
		return
	}
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		d.Addr = netAddr{IP: udpAddr.IP, Port: udpAddr.Port}
	}
	d.SeenAt = time.Now()
	d.Source = "lan"

	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
}

// Devices returns a snapshot of currently-known, non-expired devices.
func (s *Service) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	cutoff := time.Now().Add(-EntryTTL)
	for _, d := range s.devices {
		if d.SeenAt.Before(cutoff) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MergeDevices combines two device lists, deduplicating by
// fingerprint. When both lists carry the same fingerprint, the LAN
// (mDNS-sourced) entry wins, per spec.md §4.10.
func MergeDevices(a, b []Device) []Device {
	byFingerprint := make(map[[8]byte]Device, len(a)+len(b))
	prefer := func(existing, candidate Device) Device {
		if candidate.Source == "lan" && existing.Source != "lan" {
			return candidate
		}
		if existing.Source == "lan" && candidate.Source != "lan" {
			return existing
		}
		if candidate.SeenAt.After(existing.SeenAt) {
			return candidate
		}
		return existing
	}

	for _, d := range a {
		byFingerprint[d.Fingerprint] = d
	}
	for _, d := range b {
		if existing, ok := byFingerprint[d.Fingerprint]; ok {
			byFingerprint[d.Fingerprint] = prefer(existing, d)
			continue
		}
		byFingerprint[d.Fingerprint] = d
	}

	out := make([]Device, 0, len(byFingerprint))
	for _, d := range byFingerprint {
		out = append(out, d)
	}
	return out
}

// Close stops advertising and browsing.
func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *Service) expiryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(EntryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Service) expire() {
	cutoff := time.Now().Add(-EntryTTL)
	s.mu.Lock()
	for id, d := range s.devices {
		if d.SeenAt.Before(cutoff) {
			delete(s.devices, id)
		}
	}
	s.mu.Unlock()
}

// ServiceLabel builds the mDNS label for one device's advertisement:
// <deviceID>.<base32(name|platform|version|caps)>._tallow._tcp.local.
// Keeping the device ID as the leading, unencoded label lets a peer
// that already knows the ID (from a signaling exchange) query
// directly without decoding anything.
func ServiceLabel(deviceIDHex, name, platform, version string, capabilities []string) string {
	meta := strings.Join([]string{name, platform, version, strings.Join(capabilities, ",")}, "|")
	encoded := labelEncoding.EncodeToString([]byte(meta))
	return fmt.Sprintf("%s.%s.%s", deviceIDHex, encoded, ServiceName)
}

func encodeLabel(d Device) (string, error) {
	if d.ID.IsZero() {
		return "", errors.New("discovery: local device id is zero")
	}
	caps := append([]string(nil), d.Capabilities...)
	return ServiceLabel(d.ID.String(), d.Name, d.Platform, d.Version, caps), nil
}

func decodeLabel(label string) (Device, error) {
	label = strings.TrimSuffix(label, ".")
	suffix := strings.TrimSuffix(ServiceName, ".")
	if !strings.HasSuffix(label, suffix) {
		return Device{}, fmt.Errorf("discovery: not a tallow service label: %q", label)
	}
	prefix := strings.TrimSuffix(label, "."+suffix)
	parts := strings.SplitN(prefix, ".", 2)
	if len(parts) != 2 {
		return Device{}, fmt.Errorf("discovery: malformed label: %q", label)
	}

	id, err := device.ParseDeviceID(parts[0])
	if err != nil {
		return Device{}, fmt.Errorf("discovery: parse device id: %w", err)
	}

	raw, err := labelEncoding.DecodeString(parts[1])
	if err != nil {
		return Device{}, fmt.Errorf("discovery: decode metadata: %w", err)
	}
	fields := strings.SplitN(string(raw), "|", 4)
	for len(fields) < 4 {
		fields = append(fields, "")
	}

	d := Device{
		ID:       id,
		Name:     fields[0],
		Platform: fields[1],
		Version:  fields[2],
	}
	if fields[3] != "" {
		d.Capabilities = strings.Split(fields[3], ",")
	}
	fp := id.Bytes()
	copy(d.Fingerprint[:], fp[:8])
	return d, nil
}

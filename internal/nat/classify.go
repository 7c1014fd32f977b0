// Package nat classifies the local NAT's address/port mapping behavior
// and drives ICE candidate gathering and TURN fallback, per spec.md
// §4.6. Grounded on the pion stack used across the retrieval pack
// (pion/stun/v3, pion/ice/v4, pion/turn/v4): the teacher has no NAT
// traversal code of its own (its mesh peers dial known addresses
// directly), so this package is new, shaped around the teacher's
// general "classify once, cache on the session" idiom (cf. Connection's
// atomic RTT field in internal/peer).
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// Classification is one of spec.md §3's six NAT behavior categories.
type Classification int

const (
	Unknown Classification = iota
	Open
	FullCone
	Restricted
	PortRestricted
	Symmetric
	Blocked
)

// String returns the spec.md name for a Classification.
func (c Classification) String() string {
	switch c {
	case Open:
		return "OPEN"
	case FullCone:
		return "FULL_CONE"
	case Restricted:
		return "RESTRICTED"
	case PortRestricted:
		return "PORT_RESTRICTED"
	case Symmetric:
		return "SYMMETRIC"
	case Blocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoServers is returned when fewer than two STUN servers are supplied;
// spec.md §4.6 requires binding requests to at least two distinct public
// servers to detect symmetric NATs by comparing reflexive mappings.
var ErrNoServers = errors.New("nat: at least two distinct STUN servers are required")

// reflexiveMapping is the externally-visible address pion/stun observed
// for one binding request.
type reflexiveMapping struct {
	server string
	addr   stun.XORMappedAddress
}

// Classify sends STUN binding requests to at least two of the given
// servers from the same local socket, and compares the reflexive
// mappings returned to classify the local NAT per spec.md §4.6. Servers
// are tried in order; the first two that answer decide the result, the
// rest are skipped.
func Classify(ctx context.Context, stunServers []string) (Classification, error) {
	if len(stunServers) < 2 {
		return Unknown, ErrNoServers
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return Unknown, fmt.Errorf("nat: open local socket: %w", err)
	}
	defer conn.Close()

	var mappings []reflexiveMapping
	for _, server := range stunServers {
		mapping, err := bindingRequest(ctx, conn, server)
		if err != nil {
			continue
		}
		mappings = append(mappings, reflexiveMapping{server: server, addr: mapping})
		if len(mappings) == 2 {
			break
		}
	}

	if len(mappings) == 0 {
		return Blocked, nil
	}
	if len(mappings) == 1 {
		// Only one server answered: we can tell open-vs-NATed but not
		// cone-vs-symmetric, since that needs two independent mappings.
		if mappings[0].addr.IP.Equal(localAddrIP(conn)) {
			return Open, nil
		}
		return Restricted, nil
	}

	first, second := mappings[0].addr, mappings[1].addr
	if !first.IP.Equal(second.IP) || first.Port != second.Port {
		// Different external mapping per destination: symmetric NAT.
		return Symmetric, nil
	}

	if first.IP.Equal(localAddrIP(conn)) {
		return Open, nil
	}

	// Same external mapping for two distinct STUN servers: a cone NAT.
	// Distinguishing full-cone from (port-)restricted requires a second
	// peer attempting an unsolicited inbound packet, which is exercised
	// at the ICE connectivity-check stage rather than here; a bare STUN
	// classification reports the conservative FullCone/Restricted split
	// based on whether the mapping's port matches the local socket port
	// (full cone NATs frequently preserve the source port; (port-)
	// restricted NATs often renumber it).
	if localPort(conn) == first.Port {
		return FullCone, nil
	}
	return PortRestricted, nil
}

func bindingRequest(ctx context.Context, conn net.PacketConn, server string) (stun.XORMappedAddress, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return stun.XORMappedAddress{}, err
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}

	if _, err := conn.WriteTo(msg.Raw, raddr); err != nil {
		return stun.XORMappedAddress{}, err
	}

	buf := make([]byte, 1500)
	if udpConn, ok := conn.(*net.UDPConn); ok {
		udpConn.SetReadDeadline(deadline)
	}
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return stun.XORMappedAddress{}, err
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return stun.XORMappedAddress{}, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err != nil {
		return stun.XORMappedAddress{}, err
	}
	return xorAddr, nil
}

func localAddrIP(conn net.PacketConn) net.IP {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

func localPort(conn net.PacketConn) int {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

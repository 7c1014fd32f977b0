package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/tallowproject/tallow/internal/chunk"
)

// FallbackAttemptTimeout bounds a single tier of the fallback chain
// before falling through to the next, per spec.md §4.5.
const FallbackAttemptTimeout = 5 * time.Second

// Dialer attempts to establish one connection tier. Concrete dialers
// for QUIC direct, ICE P2P datagram (internal/nat), and TLS-relay
// (internal/transport's own RelayTransport or WebSocketTransport) are
// supplied by the caller so this package never needs to import
// internal/nat.
type Dialer func(ctx context.Context) (PeerConn, error)

// Tier names a Selector attempt; it is reported in Result and in
// Connect's error messages.
type Tier string

const (
	TierDirectQUIC Tier = "direct-quic"
	TierICEP2P     Tier = "ice-p2p"
	TierRelayTLS   Tier = "relay-tls"
)

// Selector tries connection tiers in order, falling through to the
// next on timeout or error, per spec.md §4.5's fallback chain: direct
// QUIC, then ICE-negotiated P2P datagram, then the TLS/WebSocket
// relay. This mirrors the teacher's multi-transport design (several
// Transport implementations behind one interface) but adds ordered
// fallback, which the teacher's mesh never needed since it always
// dialed a known mesh peer directly.
type Selector struct {
	tiers []namedDialer
}

type namedDialer struct {
	tier   Tier
	dial   Dialer
}

// NewSelector builds a Selector that will attempt dialers in the order
// given.
func NewSelector() *Selector {
	return &Selector{}
}

// Add appends a fallback tier.
func (s *Selector) Add(tier Tier, dial Dialer) *Selector {
	s.tiers = append(s.tiers, namedDialer{tier: tier, dial: dial})
	return s
}

// Result is the outcome of a successful Selector.Connect.
type Result struct {
	Tier Tier
	Conn PeerConn
}

// Connect tries each tier in order, bounding each attempt to
// FallbackAttemptTimeout (or ctx's deadline, if sooner). It returns the
// first tier that succeeds, or a combined error if every tier failed.
func (s *Selector) Connect(ctx context.Context) (*Result, error) {
	var errs []error
	for _, nd := range s.tiers {
		attemptCtx, cancel := context.WithTimeout(ctx, FallbackAttemptTimeout)
		conn, err := nd.dial(attemptCtx)
		cancel()
		if err == nil {
			return &Result{Tier: nd.tier, Conn: conn}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", nd.tier, err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("transport: all fallback tiers failed: %w", combineErrors(errs))
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("no tiers configured")
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// ChunkSizeFor maps a classified link quality to one of the adaptive
// chunk-size presets in internal/chunk.
func ChunkSizeFor(q LinkQuality) int {
	switch q {
	case QualityVeryPoor:
		return chunk.SizeVeryPoor
	case QualityPoor:
		return chunk.SizePoor
	case QualityFast:
		return chunk.SizeFast
	case QualityLAN:
		return chunk.SizeLAN
	default:
		return chunk.SizeModerate
	}
}

package signaling

import (
	"sync"
	"time"

	"github.com/tallowproject/tallow/internal/device"
)

// peerSession is one connected peer's half of a signaling room: its
// claimed device identity and the channel its connection's write loop
// drains to deliver forwarded envelopes.
type peerSession struct {
	id   device.DeviceID
	send chan []byte
}

// signalingRoom pairs (at most) two peer sessions under one room code
// so they can exchange PAKE and SDP/ICE envelopes, per spec.md §4.7.
// Distinct from internal/relay.Room: this room never carries file
// bytes, only small control/handshake envelopes.
type signalingRoom struct {
	mu sync.Mutex

	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time

	creator *peerSession
	joiner  *peerSession
}

func newSignalingRoom(code string, ttl time.Duration) *signalingRoom {
	now := time.Now()
	return &signalingRoom{Code: code, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func (r *signalingRoom) setCreator(s *peerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creator = s
}

func (r *signalingRoom) join(s *peerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joiner != nil {
		return false
	}
	r.joiner = s
	return true
}

// peerFor returns the session `from` should forward to (the other
// occupant), or ok=false if `from` isn't a recognized occupant or the
// room isn't yet full.
func (r *signalingRoom) peerFor(from device.DeviceID) (other *peerSession, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.creator == nil || r.joiner == nil {
		return nil, false
	}
	switch {
	case r.creator.id.Equal(from):
		return r.joiner, true
	case r.joiner.id.Equal(from):
		return r.creator, true
	default:
		return nil, false
	}
}

func (r *signalingRoom) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.After(r.ExpiresAt)
}

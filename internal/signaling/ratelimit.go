package signaling

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limits per spec.md §4.7: 10 room creations/min/IP, 10 join
// attempts/min/IP, and 50 failed joins against a single room leading
// to a 10-minute lockout of that room. Grounded on the teacher's
// filetransfer.RateLimitedReader/Writer token-bucket pattern
// (golang.org/x/time/rate), generalized here from a per-transfer
// byte-rate limit to a per-IP request-rate limit.
const (
	createRoomRate  = rate.Limit(10.0 / 60.0)
	joinRoomRate    = rate.Limit(10.0 / 60.0)
	rateBurst       = 10
	failedJoinLimit = 50
	lockoutDuration = 10 * time.Minute
)

// IPLimiter enforces the per-IP room-creation and join-attempt rate
// limits, plus the per-room failed-join lockout.
type IPLimiter struct {
	mu sync.Mutex

	createLimiters map[string]*rate.Limiter
	joinLimiters   map[string]*rate.Limiter

	failedJoins  map[string]int
	lockedRooms  map[string]time.Time
}

// NewIPLimiter constructs an empty IPLimiter.
func NewIPLimiter() *IPLimiter {
	return &IPLimiter{
		createLimiters: make(map[string]*rate.Limiter),
		joinLimiters:   make(map[string]*rate.Limiter),
		failedJoins:    make(map[string]int),
		lockedRooms:    make(map[string]time.Time),
	}
}

// AllowCreate reports whether ip may attempt to create a room now.
func (l *IPLimiter) AllowCreate(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.createLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(createRoomRate, rateBurst)
		l.createLimiters[ip] = lim
	}
	return lim.Allow()
}

// AllowJoin reports whether ip may attempt to join a room now.
func (l *IPLimiter) AllowJoin(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.joinLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(joinRoomRate, rateBurst)
		l.joinLimiters[ip] = lim
	}
	return lim.Allow()
}

// RoomLocked reports whether code is presently locked out from too
// many failed join attempts.
func (l *IPLimiter) RoomLocked(code string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.lockedRooms[code]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(l.lockedRooms, code)
		delete(l.failedJoins, code)
		return false
	}
	return true
}

// RecordFailedJoin increments code's failed-join counter and locks it
// out once the counter reaches failedJoinLimit, per spec.md §4.7.
func (l *IPLimiter) RecordFailedJoin(code string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failedJoins[code]++
	if l.failedJoins[code] >= failedJoinLimit {
		l.lockedRooms[code] = now.Add(lockoutDuration)
	}
}

// ClearRoom forgets code's failure count, called once a room closes so
// a reused code (after a long-enough gap) starts clean.
func (l *IPLimiter) ClearRoom(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failedJoins, code)
	delete(l.lockedRooms, code)
}

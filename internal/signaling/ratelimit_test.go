package signaling

import (
	"testing"
	"time"
)

func TestIPLimiterAllowsWithinBurst(t *testing.T) {
	l := NewIPLimiter()
	for i := 0; i < rateBurst; i++ {
		if !l.AllowCreate("1.2.3.4") {
			t.Fatalf("create attempt %d should be allowed within burst", i)
		}
	}
	if l.AllowCreate("1.2.3.4") {
		t.Fatal("attempt beyond burst should be rate limited")
	}
}

func TestIPLimiterPerIPIsolation(t *testing.T) {
	l := NewIPLimiter()
	for i := 0; i < rateBurst; i++ {
		l.AllowJoin("1.2.3.4")
	}
	if !l.AllowJoin("5.6.7.8") {
		t.Fatal("a different IP should have its own bucket")
	}
}

func TestRoomLockoutAfterFailedJoins(t *testing.T) {
	l := NewIPLimiter()
	now := time.Now()
	for i := 0; i < failedJoinLimit-1; i++ {
		l.RecordFailedJoin("ROOM1", now)
		if l.RoomLocked("ROOM1", now) {
			t.Fatalf("room should not lock before %d failures", failedJoinLimit)
		}
	}
	l.RecordFailedJoin("ROOM1", now)
	if !l.RoomLocked("ROOM1", now) {
		t.Fatal("room should lock out after reaching the failure threshold")
	}
}

func TestRoomLockoutExpires(t *testing.T) {
	l := NewIPLimiter()
	now := time.Now()
	for i := 0; i < failedJoinLimit; i++ {
		l.RecordFailedJoin("ROOM2", now)
	}
	if !l.RoomLocked("ROOM2", now) {
		t.Fatal("expected lockout immediately after threshold")
	}
	if l.RoomLocked("ROOM2", now.Add(11*time.Minute)) {
		t.Fatal("lockout should have expired after 10 minutes")
	}
}

func TestClearRoomResetsLockout(t *testing.T) {
	l := NewIPLimiter()
	now := time.Now()
	for i := 0; i < failedJoinLimit; i++ {
		l.RecordFailedJoin("ROOM3", now)
	}
	l.ClearRoom("ROOM3")
	if l.RoomLocked("ROOM3", now) {
		t.Fatal("ClearRoom should reset the lockout")
	}
}

package signaling

import (
	"testing"
	"time"

	"github.com/tallowproject/tallow/internal/device"
)

func TestReplayCacheRejectsDuplicate(t *testing.T) {
	c := NewReplayCache()
	id, _ := device.NewDeviceID()
	env := &Envelope{From: id, Nonce: "abc123"}

	now := time.Now()
	if c.CheckAndRemember(env, now) {
		t.Fatal("first sighting should not be a replay")
	}
	if !c.CheckAndRemember(env, now.Add(time.Second)) {
		t.Fatal("second sighting within the window should be a replay")
	}
}

func TestReplayCacheExpiresAfterWindow(t *testing.T) {
	c := NewReplayCache()
	id, _ := device.NewDeviceID()
	env := &Envelope{From: id, Nonce: "xyz789"}

	now := time.Now()
	c.CheckAndRemember(env, now)
	if c.CheckAndRemember(env, now.Add(31*time.Second)) {
		t.Fatal("sighting after the replay window should not be rejected")
	}
}

func TestReplayCacheSweep(t *testing.T) {
	c := NewReplayCache()
	id, _ := device.NewDeviceID()
	env := &Envelope{From: id, Nonce: "sweep-me"}

	now := time.Now()
	c.CheckAndRemember(env, now)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	c.Sweep(now.Add(time.Minute))
	if c.Len() != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", c.Len())
	}
}

func TestReplayCacheDistinguishesNonces(t *testing.T) {
	c := NewReplayCache()
	id, _ := device.NewDeviceID()
	now := time.Now()

	if c.CheckAndRemember(&Envelope{From: id, Nonce: "a"}, now) {
		t.Fatal("unexpected replay for nonce a")
	}
	if c.CheckAndRemember(&Envelope{From: id, Nonce: "b"}, now) {
		t.Fatal("unexpected replay for distinct nonce b")
	}
}

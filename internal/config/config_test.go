package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Agent.LogLevel)
	}
	if cfg.Relay.MaxBytesPerRoom != 10*(1<<30) {
		t.Errorf("MaxBytesPerRoom = %d, want 10 GiB", cfg.Relay.MaxBytesPerRoom)
	}
	if cfg.Relay.TTL != 24*time.Hour {
		t.Errorf("Relay.TTL = %v, want 24h", cfg.Relay.TTL)
	}
	if cfg.Ratchet.DHRatchetInterval != 1000 || cfg.Ratchet.PQRatchetInterval != 100 {
		t.Errorf("ratchet cadence defaults wrong: %+v", cfg.Ratchet)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tallow.yaml")
	yamlContent := `
agent:
  log_level: debug
relay:
  port: 9443
  max_rooms: 50
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Agent.LogLevel)
	}
	if cfg.Relay.Port != 9443 || cfg.Relay.MaxRooms != 50 {
		t.Errorf("relay overrides not applied: %+v", cfg.Relay)
	}
	// Defaults not present in the file should survive.
	if cfg.Relay.MaxBytesPerRoom != 10*(1<<30) {
		t.Errorf("MaxBytesPerRoom should keep default, got %d", cfg.Relay.MaxBytesPerRoom)
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("TALLOW_TEST_VAR", "9000")
	cfg := Default()
	if err := Parse([]byte("relay:\n  port: ${TALLOW_TEST_VAR}\n"), cfg); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Relay.Port != 9000 {
		t.Errorf("Relay.Port = %d, want 9000", cfg.Relay.Port)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvRelayURL, "wss://relay.example.org")
	t.Setenv(EnvSTUNServers, "stun1:3478, stun2:3478")
	t.Setenv(EnvTURNCredential, "secret")
	t.Setenv(EnvDataDir, "/tmp/tallow-data")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Relay.URL != "wss://relay.example.org" {
		t.Errorf("Relay.URL = %q", cfg.Relay.URL)
	}
	if len(cfg.ICE.STUNServers) != 2 || cfg.ICE.STUNServers[0] != "stun1:3478" {
		t.Errorf("STUNServers = %v", cfg.ICE.STUNServers)
	}
	if cfg.ICE.TURNCredential != "secret" {
		t.Errorf("TURNCredential = %q", cfg.ICE.TURNCredential)
	}
	if cfg.Agent.DataDir != "/tmp/tallow-data" {
		t.Errorf("DataDir = %q", cfg.Agent.DataDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Agent.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad log level")
	}

	cfg = Default()
	cfg.Relay.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad port")
	}

	cfg = Default()
	cfg.Chunk.DeltaMaxBlock = cfg.Chunk.DeltaMinBlock - 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for inverted delta block bounds")
	}

	cfg = Default()
	cfg.Ratchet.DHRatchetInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero ratchet interval")
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("86400")
	if err != nil || d != 24*time.Hour {
		t.Errorf("ParseDuration(86400) = %v, %v, want 24h, nil", d, err)
	}
	d, err = ParseDuration("30s")
	if err != nil || d != 30*time.Second {
		t.Errorf("ParseDuration(30s) = %v, %v, want 30s, nil", d, err)
	}
	d, err = ParseDuration("")
	if err != nil || d != 0 {
		t.Errorf("ParseDuration(\"\") = %v, %v, want 0, nil", d, err)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.ICE.TURNCredential = "sekrit"
	r := cfg.Redacted()
	if r.ICE.TURNCredential == "sekrit" {
		t.Error("Redacted() did not redact TURN credential")
	}
	if cfg.ICE.TURNCredential != "sekrit" {
		t.Error("Redacted() mutated the original config")
	}
}

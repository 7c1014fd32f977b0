// Package config provides configuration parsing, environment-variable
// overrides, and validation for the TALLOW CLI and relay server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shape for both the send/receive
// CLI and the relay server. Only the sections relevant to a given
// process are populated in practice; Validate only checks what a given
// command path actually uses.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Relay   RelayConfig   `yaml:"relay"`
	ICE     ICEConfig     `yaml:"ice"`
	Chunk   ChunkConfig   `yaml:"chunk"`
	Ratchet RatchetConfig `yaml:"ratchet"`
}

// AgentConfig covers the per-process settings every TALLOW invocation
// shares, per spec.md §6's environment variable list (DATA_DIR, APP_URL).
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`
	AppURL    string `yaml:"app_url"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RelayConfig covers both sides of the relay: the URL a sender/receiver
// dials (RELAY_URL) and the settings the `relay` subcommand itself runs
// with (spec.md §6's `relay` flags).
type RelayConfig struct {
	URL             string        `yaml:"url"`
	Port            int           `yaml:"port"`
	MaxRooms        int           `yaml:"max_rooms"`
	MaxBytesPerRoom int64         `yaml:"max_bytes_per_room"`
	TTL             time.Duration `yaml:"ttl"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
}

// ICEConfig covers NAT traversal inputs, per spec.md §6's STUN_SERVERS,
// TURN_URL, TURN_USERNAME, TURN_CREDENTIAL environment variables.
type ICEConfig struct {
	STUNServers    []string `yaml:"stun_servers"`
	TURNURL        string   `yaml:"turn_url"`
	TURNUsername   string   `yaml:"turn_username"`
	TURNCredential string   `yaml:"turn_credential"`
	PrivacyMode    bool     `yaml:"privacy_mode"`
}

// ChunkConfig exposes the per-chunk retry policy of spec.md §4.3 and the
// delta-sync block-size bounds as tunables rather than hard constants,
// per spec.md §9's "expose as configuration" open question.
type ChunkConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	DeltaMinBlock  int           `yaml:"delta_min_block"`
	DeltaMaxBlock  int           `yaml:"delta_max_block"`
}

// RatchetConfig exposes the ratchet cadence spec.md §9 leaves as an open
// question: minimum message counts before a DH or PQ ratchet step.
type RatchetConfig struct {
	DHRatchetInterval uint64 `yaml:"dh_ratchet_interval"`
	PQRatchetInterval uint64 `yaml:"pq_ratchet_interval"`
}

// Default returns a Config populated with TALLOW's documented defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   defaultDataDir(),
			LogLevel:  "info",
			LogFormat: "text",
		},
		Relay: RelayConfig{
			Port:            443,
			MaxRooms:        0,            // 0 = unlimited
			MaxBytesPerRoom: 10 * 1 << 30, // 10 GiB, per spec.md §4.8
			TTL:             24 * time.Hour,
			DrainTimeout:    30 * time.Second,
		},
		ICE: ICEConfig{
			STUNServers: []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
		},
		Chunk: ChunkConfig{
			MaxRetries:     3,
			RetryBaseDelay: 1 * time.Second,
			RetryMaxDelay:  30 * time.Second,
			DeltaMinBlock:  1 << 20,
			DeltaMaxBlock:  4 << 20,
		},
		Ratchet: RatchetConfig{
			DHRatchetInterval: 1000,
			PQRatchetInterval: 100,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.tallow"
	}
	return ".tallow"
}

// Load reads and parses a YAML configuration file, then applies
// environment-variable overrides on top (env wins, matching the
// teacher's layered precedence: file provides the base, environment is
// the deployment-specific override).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML bytes into cfg, expanding ${VAR}/$VAR references
// against the process environment first.
func Parse(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Environment variable names, per spec.md §6.
const (
	EnvRelayURL       = "RELAY_URL"
	EnvSTUNServers    = "STUN_SERVERS"
	EnvTURNURL        = "TURN_URL"
	EnvTURNUsername   = "TURN_USERNAME"
	EnvTURNCredential = "TURN_CREDENTIAL"
	EnvAppURL         = "APP_URL"
	EnvDataDir        = "DATA_DIR"
)

// ApplyEnv overrides cfg fields from spec.md §6's environment variables,
// taking precedence over anything loaded from a config file.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvRelayURL); ok && v != "" {
		c.Relay.URL = v
	}
	if v, ok := os.LookupEnv(EnvSTUNServers); ok && v != "" {
		c.ICE.STUNServers = splitAndTrim(v)
	}
	if v, ok := os.LookupEnv(EnvTURNURL); ok && v != "" {
		c.ICE.TURNURL = v
	}
	if v, ok := os.LookupEnv(EnvTURNUsername); ok && v != "" {
		c.ICE.TURNUsername = v
	}
	if v, ok := os.LookupEnv(EnvTURNCredential); ok && v != "" {
		c.ICE.TURNCredential = v
	}
	if v, ok := os.LookupEnv(EnvAppURL); ok && v != "" {
		c.Agent.AppURL = v
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		c.Agent.DataDir = v
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Relay.MaxBytesPerRoom < 0 {
		errs = append(errs, "relay.max_bytes_per_room must be >= 0")
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 0 and 65535")
	}
	if c.Chunk.DeltaMinBlock <= 0 || c.Chunk.DeltaMaxBlock < c.Chunk.DeltaMinBlock {
		errs = append(errs, "chunk.delta_min_block must be positive and <= chunk.delta_max_block")
	}
	if c.Ratchet.DHRatchetInterval == 0 {
		errs = append(errs, "ratchet.dh_ratchet_interval must be >= 1")
	}
	if c.Ratchet.PQRatchetInterval == 0 {
		errs = append(errs, "ratchet.pq_ratchet_interval must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// ParseDuration wraps time.ParseDuration, accepting bare integers as
// seconds ("86400" == "86400s"). The `relay` subcommand's `--ttl` flag
// does not go through it: that flag is parsed by time.ParseDuration and
// needs a unit.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Redacted returns a copy of c with secret-shaped fields blanked, safe
// to log or print: TURN credentials are the only secret this config
// type carries (room codes and passwords never pass through it).
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.ICE.TURNCredential != "" {
		cp.ICE.TURNCredential = "[redacted]"
	}
	return &cp
}

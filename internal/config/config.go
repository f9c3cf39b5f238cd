// Package config loads the node's process-wide configuration from the
// environment. Every key has a default; only the auth keys file is read
// again after startup (by the auth registry's reload loop).
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ltp-dev/ltp/internal/auth"
)

// Config is the full node configuration.
type Config struct {
	Addr        string
	NodeID      string
	MetricsAddr string

	MaxConnections   int
	MaxMessageBytes  int64
	MaxSessionsTotal int

	HandshakeTimeout time.Duration
	IdleTTL          time.Duration
	GCInterval       time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	IPRateLimitRPS   float64
	IPRateLimitBurst int
	IPRateLimitTTL   time.Duration

	AuthMode           string
	AuthKeysFile       string
	AuthReloadInterval time.Duration

	TrustProxy         bool
	TrustProxySafelist []string

	AuditLogFile   string
	NodeSigningKey string

	ArchiveEnabled bool
	ArchiveBucket  string
	ArchivePrefix  string
}

// Load reads configuration from LTP_* environment variables. Nested keys
// map with underscores: auth.mode becomes LTP_AUTH_MODE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":7070")
	v.SetDefault("node_id", "ltp-node")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("max_connections", 1024)
	v.SetDefault("max_message_bytes", 64*1024)
	v.SetDefault("max_sessions_total", 10000)
	v.SetDefault("handshake_timeout_ms", 10_000)
	v.SetDefault("idle_ttl_ms", 300_000)
	v.SetDefault("gc_interval_ms", 30_000)
	v.SetDefault("rate_limit_rps", 50.0)
	v.SetDefault("rate_limit_burst", 100)
	v.SetDefault("ip_rate_limit_rps", 200.0)
	v.SetDefault("ip_rate_limit_burst", 400)
	v.SetDefault("ip_rate_limit_ttl_ms", 600_000)
	v.SetDefault("auth.mode", "api_key")
	v.SetDefault("auth.keys_file", "")
	v.SetDefault("auth.reload_interval_ms", 10_000)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("trust_proxy_safelist", "")
	v.SetDefault("audit_log_file", "ltp-trace.jsonl")
	v.SetDefault("node_signing_key", "")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "ltp/traces")

	cfg := &Config{
		Addr:               v.GetString("addr"),
		NodeID:             v.GetString("node_id"),
		MetricsAddr:        v.GetString("metrics_addr"),
		MaxConnections:     v.GetInt("max_connections"),
		MaxMessageBytes:    v.GetInt64("max_message_bytes"),
		MaxSessionsTotal:   v.GetInt("max_sessions_total"),
		HandshakeTimeout:   time.Duration(v.GetInt64("handshake_timeout_ms")) * time.Millisecond,
		IdleTTL:            time.Duration(v.GetInt64("idle_ttl_ms")) * time.Millisecond,
		GCInterval:         time.Duration(v.GetInt64("gc_interval_ms")) * time.Millisecond,
		RateLimitRPS:       v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:     v.GetInt("rate_limit_burst"),
		IPRateLimitRPS:     v.GetFloat64("ip_rate_limit_rps"),
		IPRateLimitBurst:   v.GetInt("ip_rate_limit_burst"),
		IPRateLimitTTL:     time.Duration(v.GetInt64("ip_rate_limit_ttl_ms")) * time.Millisecond,
		AuthMode:           v.GetString("auth.mode"),
		AuthKeysFile:       v.GetString("auth.keys_file"),
		AuthReloadInterval: time.Duration(v.GetInt64("auth.reload_interval_ms")) * time.Millisecond,
		TrustProxy:         v.GetBool("trust_proxy"),
		TrustProxySafelist: splitList(v.GetString("trust_proxy_safelist")),
		AuditLogFile:       v.GetString("audit_log_file"),
		NodeSigningKey:     v.GetString("node_signing_key"),
		ArchiveEnabled:     v.GetBool("archive.enabled"),
		ArchiveBucket:      v.GetString("archive.bucket"),
		ArchivePrefix:      v.GetString("archive.prefix"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate rejects configurations the node cannot run under.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxSessionsTotal <= 0 {
		return fmt.Errorf("config: max_sessions_total must be positive, got %d", c.MaxSessionsTotal)
	}
	if !auth.ValidMode(auth.Mode(c.AuthMode)) {
		return fmt.Errorf("config: unknown auth.mode %q", c.AuthMode)
	}
	if c.NodeSigningKey != "" {
		if _, err := c.SigningKeySeed(); err != nil {
			return err
		}
	}
	if c.ArchiveEnabled && c.ArchiveBucket == "" {
		return fmt.Errorf("config: archive.bucket required when archive.enabled is set")
	}
	return nil
}

// SigningKeySeed decodes node_signing_key into the 32-byte Ed25519 seed.
// Returns nil when no key is configured.
func (c *Config) SigningKeySeed() ([]byte, error) {
	if c.NodeSigningKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.NodeSigningKey)
	if err != nil {
		return nil, fmt.Errorf("config: node_signing_key is not valid hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("config: node_signing_key must be 32 bytes hex, got %d", len(seed))
	}
	return seed, nil
}

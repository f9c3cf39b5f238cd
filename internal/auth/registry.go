// Package auth maintains the identity→key table the node authenticates
// connections against. The table loads from an optional JSON file, hot
// reloads when the file changes, and fails closed when it cannot be read.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Mode selects how connections authenticate.
type Mode string

const (
	// ModeNone accepts every connection with a null identity.
	ModeNone Mode = "none"
	// ModeAPIKey validates presented keys against the loaded table.
	ModeAPIKey Mode = "api_key"
	// ModeJWT is declared in configuration but intentionally unimplemented;
	// every validation under it fails.
	ModeJWT Mode = "jwt"
)

// ValidMode reports whether m is a declared auth mode.
func ValidMode(m Mode) bool {
	return m == ModeNone || m == ModeAPIKey || m == ModeJWT
}

// ReloadHook observes each load that parses the keys file: ok reports parse
// success, active the key count after the attempt. A reload that finds the
// file unchanged does not call it.
type ReloadHook func(ok bool, active int)

// Registry is the hot-reloadable key table.
type Registry struct {
	mode     Mode
	path     string
	interval time.Duration
	log      *slog.Logger
	hook     ReloadHook

	mu         sync.RWMutex
	keys       map[string]string
	fileHash   [sha256.Size]byte
	failClosed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithReloadHook registers a hook called after the initial load and every
// periodic reload attempt whose file contents changed.
func WithReloadHook(h ReloadHook) Option {
	return func(r *Registry) { r.hook = h }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New builds a registry and performs the initial load. A keys file that is
// present but unreadable or unparsable flips the fail-closed latch: the
// node then authenticates nobody until a reload succeeds. New itself only
// errors on programmer mistakes (unknown mode).
func New(mode Mode, path string, interval time.Duration, opts ...Option) (*Registry, error) {
	if !ValidMode(mode) {
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}

	r := &Registry{
		mode:     mode,
		path:     path,
		interval: interval,
		keys:     map[string]string{},
		log:      slog.Default().With("component", "auth"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if mode == ModeAPIKey && path != "" {
		if err := r.loadInitial(); err != nil {
			r.log.Error("initial key load failed, failing closed", "path", path, "error", err)
			r.mu.Lock()
			r.failClosed = true
			r.mu.Unlock()
			if r.hook != nil {
				r.hook(false, 0)
			}
		}
	}
	return r, nil
}

func (r *Registry) loadInitial() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	keys, err := parseKeys(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.keys = keys
	r.fileHash = sha256.Sum256(data)
	r.failClosed = false
	r.mu.Unlock()

	r.log.Info("key table loaded", "path", r.path, "active_keys", len(keys))
	if r.hook != nil {
		r.hook(true, len(keys))
	}
	return nil
}

func parseKeys(data []byte) (map[string]string, error) {
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("auth: parse keys file: %w", err)
	}
	return keys, nil
}

// Run polls the keys file until ctx is done. It is a no-op for modes that
// carry no file.
func (r *Registry) Run(ctx context.Context) {
	if r.mode != ModeAPIKey || r.path == "" || r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload()
		}
	}
}

// reload swaps the table when the file content hash changed and parsing
// succeeds. Failures keep the previous table in place.
func (r *Registry) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Warn("key reload failed", "path", r.path, "error", err)
		if r.hook != nil {
			r.hook(false, r.ActiveKeys())
		}
		return
	}

	sum := sha256.Sum256(data)
	r.mu.RLock()
	unchanged := sum == r.fileHash
	r.mu.RUnlock()
	if unchanged {
		return
	}

	keys, err := parseKeys(data)
	if err != nil {
		r.log.Warn("key reload failed", "path", r.path, "error", err)
		if r.hook != nil {
			r.hook(false, r.ActiveKeys())
		}
		return
	}

	r.mu.Lock()
	r.keys = keys
	r.fileHash = sum
	r.failClosed = false
	r.mu.Unlock()

	r.log.Info("key table reloaded", "path", r.path, "active_keys", len(keys))
	if r.hook != nil {
		r.hook(true, len(keys))
	}
}

// Validate checks a presented token. Under api_key mode the token is
// compared against every stored key in constant time; the first matching
// identity wins. An empty or fail-closed table denies everything. Under
// mode none every token passes with an empty identity; under jwt every
// token is denied.
func (r *Registry) Validate(token string) (identity string, ok bool) {
	switch r.mode {
	case ModeNone:
		return "", true
	case ModeJWT:
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.failClosed || len(r.keys) == 0 {
		return "", false
	}

	tokenBytes := []byte(token)
	matched := ""
	for id, key := range r.keys {
		// ConstantTimeCompare length-gates, then XOR-accumulates. Keep
		// scanning after a match so timing is independent of position.
		if subtle.ConstantTimeCompare(tokenBytes, []byte(key)) == 1 && matched == "" {
			matched = id
		}
	}
	if matched == "" {
		return "", false
	}
	return matched, true
}

// ActiveKeys returns the current table size.
func (r *Registry) ActiveKeys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// FailClosed reports whether the fail-closed latch is set.
func (r *Registry) FailClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failClosed
}

// Mode returns the configured auth mode.
func (r *Registry) Mode() Mode { return r.mode }

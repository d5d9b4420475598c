// Package config implements the gateway's hot-reloadable TOML configuration
// (spec.md §4.6): a file is loaded into an immutable Snapshot, published via
// atomic.Pointer, and re-read on a fixed interval (with an fsnotify-driven
// accelerator). Readers that call Watcher.Snapshot per use, such as the pool
// resolver, see edits without a restart; values that cmd/gateway copies out
// of the first Snapshot at startup keep their startup value. state_root is
// the only permitted runtime override; every other behavior comes from
// exactly one file, <state_root>/config.toml.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// ReloadInterval is the watcher's fixed re-read period (spec.md §4.6
// "default 5s" — not itself a configurable key).
const ReloadInterval = 5 * time.Second

// DiscoveryInterval is account discovery's fixed re-scan period (spec.md
// §4.7 "default 5s").
const DiscoveryInterval = 5 * time.Second

// RefreshLockTTL is the account-token refresh lock's TTL (spec.md §4.5
// "short TTL, 5-15s").
const RefreshLockTTL = 10 * time.Second

// PoolSpec names one static pool: its ordered member labels and an optional
// selection policy key (spec.md §4.6 `pools.<pool_id>.labels`/`.policy_key`).
// The implicit "default" pool is never declared here — it is built from the
// accounts root at runtime and shadows any [pools.default] stanza entirely
// (spec.md §4.8).
type PoolSpec struct {
	Labels    []string `toml:"labels"`
	PolicyKey string   `toml:"policy_key"`
}

type gatewaySection struct {
	Listen                   string `toml:"listen"`
	UpstreamBaseURL          string `toml:"upstream_base_url"`
	RedisURL                 string `toml:"redis_url"`
	StickyTTLSeconds         int    `toml:"sticky_ttl_seconds"`
	TokenSafetyWindowSeconds int    `toml:"token_safety_window_seconds"`
	UpstreamTimeoutSeconds   int    `toml:"upstream_timeout_seconds"`
	LogLevel                 string `toml:"log_level"`
	MetricsListen            string `toml:"metrics_listen"`
}

// fileFormat mirrors the on-disk TOML layout exactly (spec.md §4.6's
// "Recognized configuration" table, plus the two ambient keys this
// expansion adds: gateway.log_level, gateway.metrics_listen).
type fileFormat struct {
	Gateway gatewaySection      `toml:"gateway"`
	Pools   map[string]PoolSpec `toml:"pools"`
}

// Snapshot is an immutable, fully-resolved view of the config file at a
// point in time. Every field has a default applied so callers never branch
// on zero values, except RedisURL, which is empty when gateway.redis_url is
// unset, and UpstreamTimeout, which is zero (disabled) unless set, since an
// unconfigured body-idle timeout must leave long-lived SSE streams unbounded
// (spec.md §4.6, §4.9).
type Snapshot struct {
	Listen           string
	UpstreamBaseURL  string
	RedisURL         string
	StickyTTL        time.Duration
	TokenSafetyWindow time.Duration
	UpstreamTimeout  time.Duration
	LogLevel         string
	MetricsListen    string
	AccountsRoot     string // derived: <state_root>/accounts, not itself a TOML key
	StateRoot        string
	Pools            map[string]PoolSpec
}

func defaults() Snapshot {
	return Snapshot{
		Listen:            ":8080",
		StickyTTL:         7200 * time.Second,
		TokenSafetyWindow: 120 * time.Second,
		LogLevel:          "info",
		MetricsListen:     ":9090",
		Pools:             map[string]PoolSpec{},
	}
}

func load(stateRoot string) (*Snapshot, error) {
	path := stateRoot + "/config.toml"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var ff fileFormat
	if err := toml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	snap := defaults()
	snap.StateRoot = stateRoot
	snap.AccountsRoot = stateRoot + "/accounts"

	g := ff.Gateway
	if g.Listen != "" {
		snap.Listen = g.Listen
	}
	snap.UpstreamBaseURL = g.UpstreamBaseURL
	snap.RedisURL = g.RedisURL
	if g.StickyTTLSeconds > 0 {
		snap.StickyTTL = time.Duration(g.StickyTTLSeconds) * time.Second
	}
	if g.TokenSafetyWindowSeconds > 0 {
		snap.TokenSafetyWindow = time.Duration(g.TokenSafetyWindowSeconds) * time.Second
	}
	if g.UpstreamTimeoutSeconds > 0 {
		snap.UpstreamTimeout = time.Duration(g.UpstreamTimeoutSeconds) * time.Second
	}
	if g.LogLevel != "" {
		snap.LogLevel = g.LogLevel
	}
	if g.MetricsListen != "" {
		snap.MetricsListen = g.MetricsListen
	}
	if ff.Pools != nil {
		snap.Pools = ff.Pools
	}

	if snap.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("gateway.upstream_base_url is required")
	}

	return &snap, nil
}

// Watcher owns the live Snapshot, publishing a new one whenever
// <state_root>/config.toml changes — either on the reload ticker or,
// faster, via fsnotify.
type Watcher struct {
	stateRoot string
	current   atomic.Pointer[Snapshot]
}

// NewWatcher loads <stateRoot>/config.toml once and returns a Watcher
// primed with that initial Snapshot.
func NewWatcher(stateRoot string) (*Watcher, error) {
	snap, err := load(stateRoot)
	if err != nil {
		return nil, err
	}
	w := &Watcher{stateRoot: stateRoot}
	w.current.Store(snap)
	return w, nil
}

// Snapshot returns the most recently published config.
func (w *Watcher) Snapshot() *Snapshot { return w.current.Load() }

func (w *Watcher) reload() {
	snap, err := load(w.stateRoot)
	if err != nil {
		slog.Warn("config reload failed, keeping previous snapshot", "state_root", w.stateRoot, "error", err)
		return
	}
	w.current.Store(snap)
	slog.Info("config reloaded", "state_root", w.stateRoot)
}

// Run reloads on a fixed interval for the lifetime of ctx, with an fsnotify
// watch on the state root as an accelerator — the ticker remains
// authoritative so a missed or coalesced fsnotify event is never fatal.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(w.stateRoot); err != nil {
			slog.Warn("config fsnotify watch failed", "error", err)
		}
	} else {
		slog.Warn("config fsnotify unavailable, relying on ticker only", "error", err)
	}

	ticker := time.NewTicker(ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		case ev, ok := <-eventsOrNil(watcher):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		}
	}
}

func eventsOrNil(watcher *fsnotify.Watcher) chan fsnotify.Event {
	if watcher == nil {
		return nil
	}
	return watcher.Events
}

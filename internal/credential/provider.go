package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/acct-gateway/internal/gatewayerr"
	"github.com/yansir/acct-gateway/internal/metrics"
	"github.com/yansir/acct-gateway/internal/store"
)

// PathLookup resolves an account id to its on-disk credential blob path.
// internal/discovery's Snapshot satisfies this.
type PathLookup interface {
	CredentialPath(accountID string) (string, bool)
}

// Provider implements spec.md §4.5: a cache of AuthMaterial per account,
// refreshed on demand with a distributed single-flight lock so at most one
// refresh per account runs concurrently across all gateway instances.
type Provider struct {
	store        store.Store
	source       Source
	paths        PathLookup
	safetyWindow time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	metrics      *metrics.Metrics
}

// NewProvider builds a Provider. m may be nil in tests that don't care about
// instrumentation.
func NewProvider(s store.Store, src Source, paths PathLookup, safetyWindow, lockTTL time.Duration, m *metrics.Metrics) *Provider {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Provider{
		store:        s,
		source:       src,
		paths:        paths,
		safetyWindow: safetyWindow,
		lockTTL:      lockTTL,
		pollInterval: 100 * time.Millisecond,
		metrics:      m,
	}
}

func (p *Provider) observeRefresh(accountID, outcome string) {
	if p.metrics != nil {
		p.metrics.RefreshTotal.WithLabelValues(accountID, outcome).Inc()
	}
}

func acctTokenKey(accountID string) string { return "gw:acct_token:" + accountID }
func refreshLockKey(accountID string) string { return "gw:lock:acct_token_refresh:" + accountID }

// Get returns cached AuthMaterial for accountID, refreshing it if expired
// or absent. Grace is applied so a token that is about to expire is
// refreshed proactively rather than handed out and immediately stale.
func (p *Provider) Get(ctx context.Context, accountID string) (*AuthMaterial, error) {
	if m, ok := p.readCache(ctx, accountID); ok {
		return m, nil
	}
	return p.refresh(ctx, accountID)
}

// Evict removes cached AuthMaterial, forcing the next Get to refresh. Called
// by the ingress handler when upstream reports 401/403 (spec.md §4.9, §4.5.5).
func (p *Provider) Evict(ctx context.Context, accountID string) {
	if err := p.store.Delete(ctx, acctTokenKey(accountID)); err != nil {
		slog.Warn("evict auth material failed", "accountId", accountID, "error", err)
	}
}

func (p *Provider) readCache(ctx context.Context, accountID string) (*AuthMaterial, bool) {
	raw, err := p.store.Get(ctx, acctTokenKey(accountID))
	if err != nil {
		return nil, false
	}
	var m AuthMaterial
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false
	}
	if time.Now().Before(m.ExpiresAt) {
		return &m, true
	}
	return nil, false
}

func (p *Provider) refresh(ctx context.Context, accountID string) (*AuthMaterial, error) {
	holder := uuid.New().String()

	acquired, err := p.store.SetNX(ctx, refreshLockKey(accountID), holder, p.lockTTL)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "refresh lock unavailable", err)
	}

	if !acquired {
		return p.waitForRefresh(ctx, accountID)
	}

	defer func() {
		if ok, err := p.store.CompareAndDelete(ctx, refreshLockKey(accountID), holder); err != nil || !ok {
			// TTL will reclaim the lock even if the delete didn't land.
			slog.Debug("refresh lock release skipped", "accountId", accountID, "released", ok, "error", err)
		}
	}()

	// Re-check: another process may have refreshed while we raced for the lock.
	if m, ok := p.readCache(ctx, accountID); ok {
		return m, nil
	}

	path, ok := p.paths.CredentialPath(accountID)
	if !ok {
		p.observeRefresh(accountID, "missing")
		return nil, gatewayerr.New(gatewayerr.KindCredentialMissing, "no credential blob for account")
	}

	cap, err := p.source.Load(path)
	if err != nil {
		p.observeRefresh(accountID, "missing")
		return nil, gatewayerr.Wrap(gatewayerr.KindCredentialMissing, "credential blob unreadable", err)
	}

	accessToken, upstreamAccountID, expiresIn, err := p.source.Refresh(ctx, cap)
	if err != nil {
		p.observeRefresh(accountID, "rejected")
		return nil, gatewayerr.Wrap(gatewayerr.KindCredentialInvalid, "credential refresh rejected", err)
	}
	p.observeRefresh(accountID, "ok")

	expiresAt := time.Now().Add(expiresIn).Add(-p.safetyWindow)
	material := &AuthMaterial{
		Authorization:     "Bearer " + accessToken,
		UpstreamAccountID: upstreamAccountID,
		ExpiresAt:         expiresAt,
	}

	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	encoded, _ := json.Marshal(material)
	if err := p.store.Set(ctx, acctTokenKey(accountID), string(encoded), ttl); err != nil {
		slog.Warn("cache auth material failed", "accountId", accountID, "error", err)
	}

	return material, nil
}

// waitForRefresh polls the cache while another process holds the refresh
// lock, bounded by lockTTL+slack (spec.md §4.5 step 4, §5 "no unbounded
// waits").
func (p *Provider) waitForRefresh(ctx context.Context, accountID string) (*AuthMaterial, error) {
	deadline := time.Now().Add(p.lockTTL + 2*time.Second)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if m, ok := p.readCache(ctx, accountID); ok {
			return m, nil
		}
		if time.Now().After(deadline) {
			if m, ok := p.readCache(ctx, accountID); ok {
				return m, nil
			}
			p.observeRefresh(accountID, "timeout")
			return nil, gatewayerr.New(gatewayerr.KindCredentialRefreshTimeout, fmt.Sprintf("timed out waiting for %s refresh", accountID))
		}
		select {
		case <-ctx.Done():
			return nil, gatewayerr.Wrap(gatewayerr.KindCredentialRefreshTimeout, "request cancelled while waiting for refresh", ctx.Err())
		case <-ticker.C:
		}
	}
}

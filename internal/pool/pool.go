// Package pool resolves the set of accounts eligible for a given pool name
// (spec.md §4.8): static pools come from config, the implicit "default"
// pool comes from live discovery, and the discovered set shadows an explicit
// [pools.default] in config entirely rather than merging with it.
package pool

import (
	"github.com/yansir/acct-gateway/internal/config"
	"github.com/yansir/acct-gateway/internal/discovery"
	"github.com/yansir/acct-gateway/internal/selector"
)

const DefaultPoolName = "default"

// Resolver combines a config.Snapshot's static pools with the discoverer's
// live account set.
type Resolver struct {
	cfg  *config.Watcher
	disc *discovery.Discoverer
}

func NewResolver(cfg *config.Watcher, disc *discovery.Discoverer) *Resolver {
	return &Resolver{cfg: cfg, disc: disc}
}

// Members returns the account members of the named pool, in discovery order
// for "default" (spec.md §4.8 step 2) or config order for any other static
// pool (step 3). The "default" pool always comes from live discovery — an
// explicit [pools.default] stanza is shadowed entirely, never merged.
func (r *Resolver) Members(name string) []selector.Member {
	if name == DefaultPoolName {
		return discoveredMembers(r.disc)
	}
	snap := r.cfg.Snapshot()
	if spec, ok := snap.Pools[name]; ok {
		return staticMembers(spec, r.disc)
	}
	return nil
}

// PolicyKey returns the configured policy_key for a static pool, or "" for
// "default" and unknown pools (spec.md §4.6 `pools.<id>.policy_key`).
func (r *Resolver) PolicyKey(name string) string {
	if name == DefaultPoolName {
		return ""
	}
	if spec, ok := r.cfg.Snapshot().Pools[name]; ok {
		return spec.PolicyKey
	}
	return ""
}

// staticMembers intersects a pool's configured labels with currently
// discovered accounts, preserving configured order (spec.md §4.8 step 3) —
// an undiscovered label is simply omitted, not a member "filtered out"
// signal the caller needs to see.
func staticMembers(spec config.PoolSpec, disc *discovery.Discoverer) []selector.Member {
	known := make(map[string]discovery.Account, len(spec.Labels))
	for _, a := range disc.Snapshot().Accounts() {
		known[a.Label] = a
	}
	members := make([]selector.Member, 0, len(spec.Labels))
	for _, label := range spec.Labels {
		if a, ok := known[label]; ok {
			members = append(members, selector.Member{AccountID: a.AccountID, Label: a.Label})
		}
	}
	return members
}

func discoveredMembers(disc *discovery.Discoverer) []selector.Member {
	accounts := disc.Snapshot().Accounts()
	members := make([]selector.Member, 0, len(accounts))
	for _, a := range accounts {
		members = append(members, selector.Member{AccountID: a.AccountID, Label: a.Label})
	}
	return members
}

// Names returns every pool name known right now: configured pools plus
// "default", which is listed exactly once whether or not config declares it.
func (r *Resolver) Names() []string {
	snap := r.cfg.Snapshot()
	names := make([]string, 0, len(snap.Pools)+1)
	_, hasDefault := snap.Pools[DefaultPoolName]
	for name := range snap.Pools {
		names = append(names, name)
	}
	if !hasDefault {
		names = append(names, DefaultPoolName)
	}
	return names
}

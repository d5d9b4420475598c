// Package selector implements the deterministic account-selection function
// described in spec.md §4.3: a stable hash of (policy_key, selector_key)
// chooses one member of a pool, so the same selector_key always lands on the
// same account while the pool composition is unchanged.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// Member is one account eligible for selection within a pool.
type Member struct {
	AccountID string
	Label     string
}

// Choose returns the Member stably selected for (policyKey, selectorKey)
// among members. Members are sorted by Label before hashing so the result
// doesn't depend on the caller's enumeration order (spec.md §4.3 step 1).
// Choose returns false if members is empty.
func Choose(policyKey, selectorKey string, members []Member) (Member, bool) {
	if len(members) == 0 {
		return Member{}, false
	}
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	idx := stableIndex(policyKey, selectorKey, len(sorted))
	return sorted[idx], true
}

// stableIndex hashes policyKey and selectorKey into an index in [0, n).
func stableIndex(policyKey, selectorKey string, n int) int {
	h := sha256.New()
	h.Write([]byte(policyKey))
	h.Write([]byte{0})
	h.Write([]byte(selectorKey))
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(n))
}

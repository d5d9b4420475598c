// Package credential implements the account token provider (spec.md
// §4.5): cached upstream credential acquisition with single-flight
// refresh via a distributed lock.
package credential

import "time"

// AuthMaterial is the upstream authentication payload derived from an
// account's credential blob (spec.md §3 AuthMaterial).
type AuthMaterial struct {
	Authorization      string    `json:"authorization"`
	UpstreamAccountID  string    `json:"upstream_account_id,omitempty"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Package sticky implements conversation-to-account binding (spec.md §4.4):
// once a conversation is bound to an account, the binding keeps returning
// that account for as long as it is alive, regardless of later pool
// changes. Whether the bound account is still eligible is the caller's
// decision; the binder never rewrites or deletes a live binding on its own.
package sticky

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/yansir/acct-gateway/internal/store"
)

// Binder resolves and records conversation→account bindings in Store,
// namespaced under gw:sticky:.
type Binder struct {
	store store.Store
	ttl   time.Duration
}

func NewBinder(s store.Store, ttl time.Duration) *Binder {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Binder{store: s, ttl: ttl}
}

// bindingKey follows spec.md §6 literally: gw:sticky:<pool_id>:<hash(conv)>.
// The pool id stays in the clear so bindings for different pools never
// collide even if they happen to hash the same conversation id.
func bindingKey(poolID, conversationID string) string {
	sum := sha256.Sum256([]byte(conversationID))
	return "gw:sticky:" + poolID + ":" + base64.RawURLEncoding.EncodeToString(sum[:16])
}

// Lookup returns the account id bound to (poolID, conversationID), if any.
func (b *Binder) Lookup(ctx context.Context, poolID, conversationID string) (string, bool) {
	v, err := b.store.Get(ctx, bindingKey(poolID, conversationID))
	if err != nil {
		return "", false
	}
	return v, true
}

// Bind atomically records accountID as the binding for (poolID,
// conversationID) unless one already exists, in which case it returns the
// existing binding instead — so two concurrent first-requests for the same
// conversation converge on one account rather than racing (spec.md §4.4
// "first writer wins").
func (b *Binder) Bind(ctx context.Context, poolID, conversationID, accountID string) (string, error) {
	key := bindingKey(poolID, conversationID)
	ok, err := b.store.SetNX(ctx, key, accountID, b.ttl)
	if err != nil {
		return "", err
	}
	if ok {
		return accountID, nil
	}
	existing, err := b.store.Get(ctx, key)
	if err != nil {
		// Binding raced out from under us (expired between SetNX and Get);
		// the caller's accountID stands since nothing else holds the key now.
		return accountID, nil
	}
	return existing, nil
}

// Refresh extends the binding's TTL on continued activity, without changing
// which account it points to.
func (b *Binder) Refresh(ctx context.Context, poolID, conversationID, accountID string) error {
	return b.store.Set(ctx, bindingKey(poolID, conversationID), accountID, b.ttl)
}

// Release removes a binding, e.g. when the bound account is evicted from
// its pool entirely.
func (b *Binder) Release(ctx context.Context, poolID, conversationID string) error {
	return b.store.Delete(ctx, bindingKey(poolID, conversationID))
}

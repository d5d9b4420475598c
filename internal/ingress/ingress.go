// Package ingress implements the gateway's single HTTP entry point
// (spec.md §4.10): authenticate the caller, resolve which upstream account
// handles the request, rewrite headers, and stream the proxied response
// back — translating every internal failure to an HTTP status at this one
// boundary (spec.md §7).
package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/acct-gateway/internal/credential"
	"github.com/yansir/acct-gateway/internal/gatewayerr"
	"github.com/yansir/acct-gateway/internal/headerpolicy"
	"github.com/yansir/acct-gateway/internal/metrics"
	"github.com/yansir/acct-gateway/internal/pool"
	"github.com/yansir/acct-gateway/internal/proxy"
	"github.com/yansir/acct-gateway/internal/selector"
	"github.com/yansir/acct-gateway/internal/sticky"
	"github.com/yansir/acct-gateway/internal/store"
)

// Session is the state a gateway token resolves to (spec.md §3
// GatewaySession).
type Session struct {
	AccountPoolID string `json:"account_pool_id"`
	PolicyKey     string `json:"policy_key,omitempty"`
	Status        string `json:"status"`
}

func (s *Session) revoked() bool { return s.Status == "revoked" }

// Handler wires session lookup, account selection, credential acquisition,
// header rewriting, and proxying into one http.Handler.
type Handler struct {
	sessions    store.Store
	pools       *pool.Resolver
	sticky      *sticky.Binder
	credentials *credential.Provider
	proxy       *proxy.Proxy
	upstreamBaseURL string
	metrics     *metrics.Metrics
}

func NewHandler(sessions store.Store, pools *pool.Resolver, sb *sticky.Binder, creds *credential.Provider, px *proxy.Proxy, upstreamBaseURL string, m *metrics.Metrics) *Handler {
	return &Handler{
		sessions:        sessions,
		pools:           pools,
		sticky:          sb,
		credentials:     creds,
		proxy:           px,
		upstreamBaseURL: strings.TrimRight(upstreamBaseURL, "/"),
		metrics:         m,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx := r.Context()
	start := time.Now()

	logger := slog.With("request_id", requestID, "path", r.URL.Path)

	gerr := h.serve(ctx, w, r, logger)
	statusClass := "2xx"
	if gerr != nil {
		status := gatewayerr.HTTPStatus(gerr.Kind)
		statusClass = classOf(status)
		logger.Warn("request failed", "status", status, "reason", gerr.Reason, "error", gerr.Error())
		http.Error(w, gerr.Reason, status)
	} else {
		logger.Info("request completed", "duration_ms", time.Since(start).Milliseconds())
	}
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(statusClass).Inc()
	}
}

func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, logger *slog.Logger) *gatewayerr.Error {
	token, gerr := extractToken(r)
	if gerr != nil {
		return gerr
	}

	session, gerr := h.loadSession(ctx, token)
	if gerr != nil {
		return gerr
	}

	members := h.pools.Members(session.AccountPoolID)
	if len(members) == 0 {
		return gatewayerr.New(gatewayerr.KindNoEligibleAccount, "no eligible account in pool")
	}

	conversationKey := conversationKeyFrom(r)
	accountID, label, gerr := h.resolveAccount(ctx, session, token, r, conversationKey, members)
	if gerr != nil {
		return gerr
	}
	logger = logger.With("account_id", accountID, "pool", session.AccountPoolID)
	if h.metrics != nil {
		h.metrics.SelectionsTotal.WithLabelValues(session.AccountPoolID, label).Inc()
	}

	material, err := h.credentials.Get(ctx, accountID)
	if err != nil {
		if ge, ok := err.(*gatewayerr.Error); ok {
			return ge
		}
		return gatewayerr.Wrap(gatewayerr.KindCredentialInvalid, "credential acquisition failed", err)
	}

	outHeaders := headerpolicy.Rewrite(r.Header, material)
	upstreamURL := h.upstreamBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	status, gerr := h.proxy.Forward(ctx, w, r.Method, upstreamURL, outHeaders, r.Body, session.AccountPoolID)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// Response already forwarded verbatim; eviction only affects the
		// *next* request's credential, it never triggers a retry here
		// (spec.md §4.9, §7 UpstreamAuthReject).
		h.credentials.Evict(ctx, accountID)
	}
	return gerr
}

// resolveAccount implements spec.md §4.4 step 5 and §4.10 step 5: sticky
// binding when a conversation key is present, otherwise a one-shot
// deterministic selection keyed by a per-request fingerprint.
func (h *Handler) resolveAccount(ctx context.Context, session *Session, token string, r *http.Request, conversationKey string, members []selector.Member) (accountID, label string, gerr *gatewayerr.Error) {
	if conversationKey == "" {
		fingerprint := nonStickyFingerprint(token, r.Method, r.URL.Path)
		chosen, ok := selector.Choose(session.PolicyKey, fingerprint, members)
		if !ok {
			return "", "", gatewayerr.New(gatewayerr.KindNoEligibleAccount, "no eligible account in pool")
		}
		return chosen.AccountID, chosen.Label, nil
	}

	candidate, ok := selector.Choose(session.PolicyKey, conversationKey, members)
	if !ok {
		return "", "", gatewayerr.New(gatewayerr.KindNoEligibleAccount, "no eligible account in pool")
	}
	bound, err := h.sticky.Bind(ctx, session.AccountPoolID, conversationKey, candidate.AccountID)
	if err != nil {
		return "", "", gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "sticky binding unavailable", err)
	}
	if m := findMember(members, bound); m != nil {
		return m.AccountID, m.Label, nil
	}
	// Bound account fell out of the pool (spec.md §4.4 step 3: treat as
	// miss, do not delete); fall back to the selector's choice for this
	// request only, no write.
	return candidate.AccountID, candidate.Label, nil
}

func findMember(members []selector.Member, accountID string) *selector.Member {
	if accountID == "" {
		return nil
	}
	for i := range members {
		if members[i].AccountID == accountID {
			return &members[i]
		}
	}
	return nil
}

func (h *Handler) loadSession(ctx context.Context, token string) (*Session, *gatewayerr.Error) {
	raw, err := h.sessions.Get(ctx, sessionKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gatewayerr.Wrap(gatewayerr.KindAuthRejected, "unknown gateway token", err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "session store unreachable", err)
	}
	session, err := decodeSession(raw)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindAuthRejected, "corrupt session record", err)
	}
	if session.revoked() {
		return nil, gatewayerr.New(gatewayerr.KindSessionRevoked, "session revoked")
	}
	return session, nil
}

func decodeSession(raw string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "gw:session:" + base64.RawURLEncoding.EncodeToString(sum[:16])
}

// nonStickyFingerprint derives the selector_key for requests with no
// conversation key (spec.md §4.3: "hash(gateway_token, method, path)").
func nonStickyFingerprint(token, method, path string) string {
	sum := sha256.Sum256([]byte(token + "\x00" + method + "\x00" + path))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

func extractToken(r *http.Request) (string, *gatewayerr.Error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", gatewayerr.New(gatewayerr.KindAuthMissing, "missing gateway token")
	}
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return t, nil
	}
	if t, ok := strings.CutPrefix(auth, "bearer "); ok {
		return t, nil
	}
	return "", gatewayerr.New(gatewayerr.KindAuthMissing, "malformed Authorization header")
}

// conversationKeyFrom extracts the sticky-routing key from request headers,
// preferring conversation_id then session_id (spec.md §4.10 step 3). Both
// are read case-insensitively by net/http's header map.
func conversationKeyFrom(r *http.Request) string {
	if v := r.Header.Get("conversation_id"); v != "" {
		return v
	}
	return r.Header.Get("session_id")
}

func classOf(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

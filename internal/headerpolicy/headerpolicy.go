// Package headerpolicy implements the pure header-rewriting transform
// described in spec.md §4.1: strip ingress auth and hop-by-hop headers,
// inject upstream AuthMaterial. It never inspects or logs the gateway
// token, and never performs I/O.
package headerpolicy

import (
	"net/http"
	"strings"

	"github.com/yansir/acct-gateway/internal/credential"
)

// IngressAliases lists header names that could also carry the gateway
// token and must never reach the upstream, beyond the canonical
// Authorization header itself.
var IngressAliases = []string{"X-Api-Key", "X-Gateway-Token"}

// hopByHop are stripped unconditionally per spec.md §4.1 step 2.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// AccountIDHeader is the upstream header used to select an account when the
// upstream requires one (spec.md AuthMaterial.chatgpt_account_id).
const AccountIDHeader = "X-Upstream-Account-Id"

// Rewrite produces the header set to send upstream. It never mutates in,
// and is idempotent: Rewrite(Rewrite(in, m), m) == Rewrite(in, m) (spec.md
// Testable Property 8), because every step either removes a name outright
// or sets it to an exact value rather than appending.
func Rewrite(in http.Header, material *credential.AuthMaterial) http.Header {
	out := make(http.Header, len(in)+2)

	dropNames := connectionListedHeaders(in)

	for name, values := range in {
		if isIngressAuthHeader(name) {
			continue
		}
		if _, ok := hopByHop[http.CanonicalHeaderKey(name)]; ok {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Host" {
			continue
		}
		if _, ok := dropNames[http.CanonicalHeaderKey(name)]; ok {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	out.Set("Authorization", material.Authorization)
	if material.UpstreamAccountID != "" {
		out.Set(AccountIDHeader, material.UpstreamAccountID)
	}

	return out
}

func isIngressAuthHeader(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	if canon == "Authorization" {
		return true
	}
	for _, alias := range IngressAliases {
		if http.CanonicalHeaderKey(alias) == canon {
			return true
		}
	}
	return false
}

// connectionListedHeaders returns the set of extra header names the
// incoming Connection header asks to be treated as hop-by-hop (spec.md
// §4.1 step 2, "any header named in an incoming Connection list").
func connectionListedHeaders(in http.Header) map[string]struct{} {
	extra := make(map[string]struct{})
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			extra[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
	return extra
}

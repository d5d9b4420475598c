package headerpolicy

import (
	"net/http"
	"testing"
	"time"

	"github.com/yansir/acct-gateway/internal/credential"
)

func TestRewrite_StripsIngressAuth(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer gateway-token")
	in.Set("X-Api-Key", "also-gateway-token")
	in.Set("X-Gateway-Token", "also-gateway-token")
	in.Set("X-Request-Id", "abc")

	out := Rewrite(in, &credential.AuthMaterial{Authorization: "Bearer upstream-token", ExpiresAt: time.Now().Add(time.Hour)})

	if out.Get("Authorization") != "Bearer upstream-token" {
		t.Fatalf("expected upstream authorization, got %q", out.Get("Authorization"))
	}
	if out.Get("X-Api-Key") != "" || out.Get("X-Gateway-Token") != "" {
		t.Fatal("ingress auth aliases leaked upstream")
	}
	if out.Get("X-Request-Id") != "abc" {
		t.Fatal("unrelated header dropped")
	}
}

func TestRewrite_StripsHopByHopAndConnectionListed(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer x")
	in.Set("Connection", "X-Custom-Hop")
	in.Set("X-Custom-Hop", "drop-me")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Host", "ingress.example.com")

	out := Rewrite(in, &credential.AuthMaterial{Authorization: "Bearer y", ExpiresAt: time.Now().Add(time.Hour)})

	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Host"} {
		if out.Get(name) != "" {
			t.Fatalf("expected %s to be stripped, got %q", name, out.Get(name))
		}
	}
}

func TestRewrite_SetsAccountIDHeader(t *testing.T) {
	in := http.Header{}
	out := Rewrite(in, &credential.AuthMaterial{Authorization: "Bearer y", UpstreamAccountID: "acct-1", ExpiresAt: time.Now().Add(time.Hour)})
	if out.Get(AccountIDHeader) != "acct-1" {
		t.Fatalf("expected account id header, got %q", out.Get(AccountIDHeader))
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer gateway-token")
	in.Set("Connection", "close")
	material := &credential.AuthMaterial{Authorization: "Bearer upstream", ExpiresAt: time.Now().Add(time.Hour)}

	once := Rewrite(in, material)
	twice := Rewrite(once, material)

	if once.Get("Authorization") != twice.Get("Authorization") {
		t.Fatal("rewrite not idempotent on Authorization")
	}
	if len(once) != len(twice) {
		t.Fatalf("rewrite not idempotent on header count: %d vs %d", len(once), len(twice))
	}
}

func TestRewrite_DoesNotMutateInput(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer gateway-token")
	_ = Rewrite(in, &credential.AuthMaterial{Authorization: "Bearer upstream", ExpiresAt: time.Now().Add(time.Hour)})
	if in.Get("Authorization") != "Bearer gateway-token" {
		t.Fatal("Rewrite mutated its input header map")
	}
}

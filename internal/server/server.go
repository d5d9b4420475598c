// Package server assembles the gateway's HTTP surface and owns its
// lifecycle: the proxying ingress route, a small set of read-only
// operator routes, background reload/discovery loops, and graceful
// shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yansir/acct-gateway/internal/config"
	"github.com/yansir/acct-gateway/internal/discovery"
	"github.com/yansir/acct-gateway/internal/gatewaylog"
	"github.com/yansir/acct-gateway/internal/ingress"
	"github.com/yansir/acct-gateway/internal/pool"
	"github.com/yansir/acct-gateway/internal/store"
)

// Server bundles the ingress handler with its supporting background loops
// and the operator-facing debug routes.
type Server struct {
	cfg     *config.Watcher
	disc    *discovery.Discoverer
	pools   *pool.Resolver
	ring    *gatewaylog.RingHandler
	ingress *ingress.Handler
	store   store.Store
	httpSrv *http.Server
}

func New(cfg *config.Watcher, disc *discovery.Discoverer, pools *pool.Resolver, ring *gatewaylog.RingHandler, in *ingress.Handler, kv store.Store) *Server {
	s := &Server{cfg: cfg, disc: disc, pools: pools, ring: ring, ingress: in, store: kv}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/pools", s.handleDebugPools)
	r.Get("/debug/logs", s.handleDebugLogs)
	r.Handle("/*", in)

	s.httpSrv = &http.Server{
		Addr:    cfg.Snapshot().Listen,
		Handler: r,
	}
	return s
}

// MetricsServer returns a standalone http.Server exposing /metrics on its
// own listen address, kept separate from the proxy surface per spec.md
// §4.12 so a metrics scraper never shares a port with proxied traffic.
func MetricsServer(listenAddr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: listenAddr, Handler: mux}
}

// handleHealthz reports the shared store's reachability (SPEC_FULL.md
// §4.13: "GET /healthz — store Ping, 200/503").
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleDebugPools(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, name := range s.pools.Names() {
		for _, m := range s.pools.Members(name) {
			out[name] = append(out[name], m.Label)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ring.Recent())
}

// Run starts the background config-reload and discovery loops, then serves
// HTTP until ctx is cancelled, performing a graceful shutdown afterward.
func (s *Server) Run(ctx context.Context) error {
	go s.cfg.Run(ctx)
	go s.disc.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

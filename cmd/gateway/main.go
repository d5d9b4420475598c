// Command gateway runs the account-pooling reverse proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/yansir/acct-gateway/internal/config"
	"github.com/yansir/acct-gateway/internal/credential"
	"github.com/yansir/acct-gateway/internal/discovery"
	"github.com/yansir/acct-gateway/internal/gatewaylog"
	"github.com/yansir/acct-gateway/internal/ingress"
	"github.com/yansir/acct-gateway/internal/metrics"
	"github.com/yansir/acct-gateway/internal/pool"
	"github.com/yansir/acct-gateway/internal/proxy"
	"github.com/yansir/acct-gateway/internal/server"
	"github.com/yansir/acct-gateway/internal/sticky"
	"github.com/yansir/acct-gateway/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// upstreamConnectTimeout bounds connect+header latency to the upstream and,
// separately, to the identity endpoint used for credential refresh. It is
// not configurable (spec.md §4.6 lists no such key) — only the body-idle
// bound (gateway.upstream_timeout_seconds) is.
const upstreamConnectTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var stateRoot string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Account-pooling reverse proxy",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(stateRoot)
		},
	}
	run.Flags().StringVar(&stateRoot, "state-root", "/var/lib/acct-gateway", "root directory holding config.toml and accounts/ (the only runtime override)")
	root.AddCommand(run)

	return root
}

func runGateway(stateRoot string) error {
	cfgWatcher, err := config.NewWatcher(stateRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap := cfgWatcher.Snapshot()

	logger, ring := gatewaylog.New(snap.LogLevel)
	slog.SetDefault(logger)

	kv, err := buildStore(snap)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer kv.Close()

	disc := discovery.New(snap.AccountsRoot, config.DiscoveryInterval)
	pools := pool.NewResolver(cfgWatcher, disc)
	stickyBinder := sticky.NewBinder(kv, snap.StickyTTL)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	src := credential.NewFileSource(upstreamConnectTimeout)
	credProvider := credential.NewProvider(kv, src, disc, snap.TokenSafetyWindow, config.RefreshLockTTL, m)

	px := proxy.New(http.DefaultTransport, upstreamConnectTimeout, snap.UpstreamTimeout, m)
	ingressHandler := ingress.NewHandler(kv, pools, stickyBinder, credProvider, px, snap.UpstreamBaseURL, m)

	srv := server.New(cfgWatcher, disc, pools, ring, ingressHandler, kv)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsSrv := server.MetricsServer(snap.MetricsListen)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	return srv.Run(ctx)
}

func buildStore(snap *config.Snapshot) (store.Store, error) {
	if snap.RedisURL == "" {
		slog.Warn("gateway.redis_url not set, using in-process store (single instance only)")
		return store.NewMem(), nil
	}
	return store.NewRedis(snap.RedisURL)
}

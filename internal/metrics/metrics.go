// Package metrics exposes the gateway's Prometheus instrumentation (spec.md
// §4.12 ambient stack): request outcomes, account selection distribution,
// credential refresh activity, and upstream proxy latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors behind a single registerable
// struct so cmd/gateway wires one value instead of N package-level globals.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	SelectionsTotal   *prometheus.CounterVec
	RefreshTotal      *prometheus.CounterVec
	ProxyLatency      *prometheus.HistogramVec
	ActiveProxies     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acct_gateway_requests_total",
			Help: "Ingress requests by outcome status class.",
		}, []string{"status_class"}),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acct_gateway_account_selections_total",
			Help: "Account selections by pool and label.",
		}, []string{"pool", "label"}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acct_gateway_credential_refresh_total",
			Help: "Credential refresh attempts by account and outcome.",
		}, []string{"account_id", "outcome"}),
		ProxyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acct_gateway_proxy_duration_seconds",
			Help:    "Upstream proxy duration, from issuing the request until the response body has been relayed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		ActiveProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acct_gateway_active_proxies",
			Help: "In-flight proxied requests.",
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.SelectionsTotal, m.RefreshTotal, m.ProxyLatency, m.ActiveProxies)
	return m
}

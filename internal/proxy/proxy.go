// Package proxy implements the streaming reverse proxy to the upstream
// backend (spec.md §4.9): the request body is relayed opaquely (no SSE
// event parsing — the body is treated as an uninterpreted byte stream),
// the response is flushed to the client chunk by chunk as it arrives, and
// connect/header latency is bounded separately from body-idle latency so a
// slow-starting backend fails fast while a long-lived stream is not cut off
// just for being long-lived.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/yansir/acct-gateway/internal/gatewayerr"
	"github.com/yansir/acct-gateway/internal/metrics"
)

// Proxy relays each request to the upstream URL given to Forward using the
// given transport, bounding connect+headers with connectTimeout while
// leaving the body stream itself governed only by request cancellation and
// idleTimeout between chunks.
type Proxy struct {
	client         *http.Client
	connectTimeout time.Duration
	idleTimeout    time.Duration
	metrics        *metrics.Metrics
}

// idleTimeoutC returns a channel that fires after d, or nil (never fires)
// when d <= 0 — an unconfigured upstream_timeout_seconds means no body-idle
// bound at all, so long-lived SSE streams are never cut off (spec.md §4.9,
// §4.6 "optional").
func idleTimeoutC(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}

// New builds a Proxy. m may be nil in tests that don't care about
// instrumentation.
func New(transport http.RoundTripper, connectTimeout, idleTimeout time.Duration, m *metrics.Metrics) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Proxy{
		client:         &http.Client{Transport: transport},
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		metrics:        m,
	}
}

// Forward issues req against upstreamURL with rewrittenHeaders and streams
// the response into w, flushing after every chunk. It returns the upstream
// status code reached (0 if the upstream was never reached) and a
// *gatewayerr.Error classifying any failure; the caller uses the status to
// decide whether to evict cached credentials on a 401/403 (spec.md §4.9),
// without the proxy itself knowing anything about credentials. poolName
// labels the latency histogram only — it carries no other meaning here.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, method, upstreamURL string, headers http.Header, body io.ReadCloser, poolName string) (int, *gatewayerr.Error) {
	if p.metrics != nil {
		p.metrics.ActiveProxies.Inc()
		defer p.metrics.ActiveProxies.Dec()
	}
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProxyLatency.WithLabelValues(poolName).Observe(time.Since(start).Seconds())
		}
	}()

	// The header timer cancels the request only until response headers
	// arrive; once it is stopped, the body is bounded by ctx and idleTimeout.
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	headerTimer := time.AfterFunc(p.connectTimeout, cancelReq)

	req, err := http.NewRequestWithContext(reqCtx, method, upstreamURL, body)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.KindUpstreamProtocol, "malformed upstream request", err)
	}
	req.Header = headers

	resp, err := p.client.Do(req)
	headerTimerFired := !headerTimer.Stop()
	if err != nil {
		if headerTimerFired && ctx.Err() == nil {
			return 0, gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "upstream did not respond to headers in time", err)
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "upstream connection timed out", err)
		}
		return 0, gatewayerr.Wrap(gatewayerr.KindUpstreamConnect, "failed to reach upstream", err)
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	if err := p.streamBody(ctx, w, flusher, canFlush, resp.Body); err != nil {
		return resp.StatusCode, gatewayerr.Wrap(gatewayerr.KindUpstreamProtocol, "upstream stream interrupted", err)
	}
	return resp.StatusCode, nil
}

// streamBody copies src to dst in fixed chunks, flushing after each one, and
// treats a gap longer than idleTimeout between chunks as a stalled upstream.
func (p *Proxy) streamBody(ctx context.Context, dst io.Writer, flusher http.Flusher, canFlush bool, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		type readResult struct {
			n   int
			err error
		}
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := src.Read(buf)
			resultCh <- readResult{n, err}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleTimeoutC(p.idleTimeout):
			return context.DeadlineExceeded
		case res := <-resultCh:
			if res.n > 0 {
				if _, werr := dst.Write(buf[:res.n]); werr != nil {
					return werr
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return res.err
			}
		}
	}
}

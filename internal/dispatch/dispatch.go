// Package dispatch implements the request dispatch pipeline: alias
// resolution, cooldown filtering, target selection, protocol translation
// (with a pass-through fast path), upstream delivery, and failover across
// remaining candidates on transient upstream errors.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/telemetry"
	"github.com/plexusgw/plexus/internal/transform"
)

// maxBufferedResponse caps non-streaming upstream bodies to prevent a
// misbehaving upstream from causing unbounded allocation.
const maxBufferedResponse = 32 << 20

// TokenSource supplies cached OAuth bearers for oauth-backed providers.
type TokenSource interface {
	// AccessToken returns a valid bearer for the account, refreshing if expired.
	AccessToken(ctx context.Context, provider, account string) (string, error)
	// Endpoint resolves the upstream base URL for an oauth:// scheme.
	Endpoint(provider string) (string, bool)
}

// Dispatcher multiplexes unified requests onto configured upstreams.
type Dispatcher struct {
	cfg          *config.Store
	router       *router.Router
	selector     *router.Selector
	cooldowns    *cooldown.Manager
	transformers *transform.Registry
	tokens       TokenSource // nil when no oauth providers configured
	client       *http.Client
	metrics      *telemetry.Metrics // nil = no metrics
}

// SetMetrics attaches upstream call metrics.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) { d.metrics = m }

// New wires a Dispatcher. client should carry a pooled transport.
func New(cfg *config.Store, rt *router.Router, sel *router.Selector,
	cd *cooldown.Manager, tr *transform.Registry, tokens TokenSource,
	client *http.Client) *Dispatcher {

	return &Dispatcher{
		cfg:          cfg,
		router:       rt,
		selector:     sel,
		cooldowns:    cd,
		transformers: tr,
		tokens:       tokens,
		client:       client,
	}
}

// Dispatch resolves, selects, and delivers req, retrying the next healthy
// candidate on transient upstream failures. rec is mutated with routing and
// timing fields as they become known; the caller finalizes and persists it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *plexus.Request, rec *plexus.UsageRecord) (*plexus.Response, error) {
	cands, err := d.router.Resolve(req.Model, req.Dialect)
	if err != nil {
		return nil, err
	}
	alias := cands[0].Alias
	rec.IncomingAlias = req.Model

	healthy := cooldown.FilterHealthy(ctx, d.cooldowns, cands,
		func(c router.Candidate) (string, string, string) {
			return c.Provider, c.Model, c.AccountID
		})
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: alias %q", plexus.ErrAllCoolingDown, alias)
	}

	cfg := d.cfg.Current()
	aliasDef := cfg.Models[alias]
	if aliasDef == nil {
		// The resolve cache can outlive a reload that dropped the alias.
		return nil, fmt.Errorf("%w: %q", plexus.ErrAliasUnknown, alias)
	}
	ordered, _ := d.selector.Select(ctx, aliasDef.ResolvedSelector(), cfg, healthy)

	var lastErr error
	for i, cand := range ordered {
		resp, err := d.attempt(ctx, cfg, req, aliasDef, cand, rec)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var pe *plexus.ProviderError
		transient := errors.As(err, &pe) && pe.Transient()
		if !transient && !isNetworkFailure(err) {
			return nil, err // fatal: surface without trying further candidates
		}

		d.cooldowns.MarkFailure(ctx, cand.Provider, cand.Model, cand.AccountID, 0)
		if i < len(ordered)-1 {
			slog.LogAttrs(ctx, slog.LevelWarn, "failing over to next candidate",
				slog.String("provider", cand.Provider),
				slog.String("model", cand.Model),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, fmt.Errorf("all %d candidates for alias %q failed: %w", len(ordered), alias, lastErr)
}

// attempt delivers the request to a single candidate.
func (d *Dispatcher) attempt(ctx context.Context, cfg *config.Config, req *plexus.Request,
	aliasDef *config.Alias, cand router.Candidate, rec *plexus.UsageRecord) (*plexus.Response, error) {

	targetDialect, reason := chooseDialect(cand, req.Dialect)
	bypass := targetDialect == req.Dialect

	tr, err := d.transformers.For(req.Dialect, targetDialect)
	if err != nil {
		return nil, err
	}

	outReq := *req
	outReq.Model = cand.Model

	var payload []byte
	var contentType string
	if req.MakeBody != nil {
		// Multipart uploads: the body is rendered per candidate with the
		// selected model substituted; JSON transformation does not apply.
		payload, contentType, err = req.MakeBody(cand.Model)
		if err != nil {
			return nil, err
		}
	} else {
		payload, err = tr.TransformRequest(req, cand.Model)
		if err != nil {
			return nil, err
		}
		payload, err = mergeExtraBody(payload, cand.ProviderCfg.ExtraBody)
		if err != nil {
			return nil, err
		}
		payload = applyBehaviors(ctx, payload, targetDialect, aliasDef.Behaviors)
	}

	url, err := d.resolveURL(cand.ProviderCfg, targetDialect, tr, &outReq)
	if err != nil {
		return nil, err
	}

	// The deadline covers the exchange up to the response headers (and the
	// body read for buffered responses). Streams disarm it once the body
	// starts so generations longer than the timeout are not cut off.
	timeout := cfg.UpstreamTimeout(targetDialect)
	upCtx, cancelCause := context.WithCancelCause(ctx)
	cancel := func() { cancelCause(nil) }
	deadline := time.AfterFunc(timeout, func() { cancelCause(context.DeadlineExceeded) })

	httpReq, err := http.NewRequestWithContext(upCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if err := d.setHeaders(upCtx, httpReq.Header, cand.ProviderCfg, targetDialect); err != nil {
		cancel()
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	rec.Provider = cand.Provider
	rec.SelectedModel = cand.Model
	rec.OutgoingAPIType = targetDialect

	upStart := time.Now()
	resp, err := d.client.Do(httpReq)
	if d.metrics != nil {
		d.metrics.UpstreamDuration.WithLabelValues(cand.Provider, cand.Model).
			Observe(time.Since(upStart).Seconds())
	}
	if err != nil {
		deadline.Stop()
		cancel()
		if errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(context.Cause(upCtx), context.DeadlineExceeded) {
			// Timeout surfaces as 504 for classification.
			return nil, &plexus.ProviderError{
				Provider: cand.Provider, Model: cand.Model,
				Status: http.StatusGatewayTimeout,
				Body:   []byte(`{"error":"upstream timeout"}`),
			}
		}
		return nil, &upstreamError{provider: cand.Provider, err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
		resp.Body.Close()
		deadline.Stop()
		cancel()
		if d.metrics != nil {
			d.metrics.UpstreamErrors.WithLabelValues(cand.Provider, strconv.Itoa(resp.StatusCode)).Inc()
		}
		return nil, &plexus.ProviderError{
			Provider: cand.Provider,
			Model:    cand.Model,
			Status:   resp.StatusCode,
			Body:     body,
		}
	}

	route := plexus.RouteInfo{
		Provider:  cand.Provider,
		Model:     cand.Model,
		Dialect:   targetDialect,
		Alias:     cand.Alias,
		AccountID: cand.AccountID,
		Reason:    reason,
	}

	if req.Stream {
		// Headers are in: stop the clock. The caller owns the stream; the
		// context is released when it closes the body.
		deadline.Stop()
		return &plexus.Response{
			Status:   resp.StatusCode,
			Header:   resp.Header,
			Stream:   cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			Bypassed: bypass,
			Route:    route,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
	resp.Body.Close()
	deadline.Stop()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if !bypass {
		if body, err = tr.TransformResponse(body); err != nil {
			return nil, err
		}
	}
	return &plexus.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		Bypassed: bypass,
		Route:    route,
	}, nil
}

// chooseDialect picks the dialect to speak to the candidate: the model's
// accessVia set when present, otherwise the provider's dialect set. The
// incoming dialect wins when the set contains it (case-insensitive);
// otherwise the set's first element.
func chooseDialect(cand router.Candidate, incoming plexus.Dialect) (plexus.Dialect, string) {
	set := cand.ProviderCfg.Dialects()
	if cand.ModelCfg != nil && len(cand.ModelCfg.AccessVia) > 0 {
		set = cand.ModelCfg.AccessVia
	}
	for _, d := range set {
		if strings.EqualFold(string(d), string(incoming)) {
			return incoming, "matched incoming"
		}
	}
	return set[0], "defaulted"
}

// resolveURL builds the full upstream URL: base (by dialect tag, with
// oauth:// scheme indirection) plus the transformer's endpoint path.
func (d *Dispatcher) resolveURL(p *config.Provider, dialect plexus.Dialect,
	tr plexus.Transformer, outReq *plexus.Request) (string, error) {

	base, fallback := p.APIBaseURL.Resolve(dialect)
	if base == "" {
		return "", fmt.Errorf("no base URL for dialect %q", dialect)
	}
	if fallback {
		slog.Warn("no base URL for dialect, using first entry",
			"dialect", dialect, "url", base)
	}
	if strings.HasPrefix(base, "oauth://") {
		if d.tokens == nil {
			return "", fmt.Errorf("oauth base URL but no token source configured")
		}
		resolved, ok := d.tokens.Endpoint(p.OAuthProvider)
		if !ok {
			return "", fmt.Errorf("no oauth endpoint for provider %q", p.OAuthProvider)
		}
		base = strings.TrimSuffix(resolved, "/")
	}
	return base + tr.Endpoint(outReq), nil
}

// upstreamError wraps a transport-level failure (refused, reset, DNS) so the
// failover loop can distinguish it from pipeline bugs.
type upstreamError struct {
	provider string
	err      error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.provider, e.err)
}

func (e *upstreamError) Unwrap() error { return e.err }

// isNetworkFailure reports whether err is a transport-level failure that
// should mark a cooldown and trigger failover.
func isNetworkFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false // client went away, not the provider's fault
	}
	var ue *upstreamError
	return errors.As(err, &ue)
}

// cancelOnClose releases the upstream timeout context when the stream is
// fully consumed or abandoned.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Transport returns a pooled upstream transport tuned for many concurrent
// streams, with optional DNS caching.
func Transport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

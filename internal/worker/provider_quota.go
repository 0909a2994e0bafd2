package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
)

const defaultQuotaCheckInterval = 5 * time.Minute

// maxQuotaBody caps quota endpoint responses.
const maxQuotaBody = 1 << 20

// ProviderQuotaWorker polls providers that declare a quotaChecker and puts
// every model of an exhausted provider on cooldown until the next poll, so
// the router stops selecting targets that would be rejected upstream anyway.
type ProviderQuotaWorker struct {
	cfg       *config.Store
	cooldowns *cooldown.Manager
	client    *http.Client
	now       func() time.Time
}

// NewProviderQuotaWorker creates a ProviderQuotaWorker.
func NewProviderQuotaWorker(cfg *config.Store, cd *cooldown.Manager, client *http.Client) *ProviderQuotaWorker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ProviderQuotaWorker{cfg: cfg, cooldowns: cd, client: client, now: time.Now}
}

// Name returns the worker identifier.
func (w *ProviderQuotaWorker) Name() string { return "provider_quota" }

// Run polls on a fixed beat; each provider is checked when its own interval
// has elapsed. Poll failures are logged and retried next beat.
func (w *ProviderQuotaWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastChecked := make(map[string]time.Time)

	for {
		select {
		case <-ticker.C:
			w.poll(ctx, lastChecked)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *ProviderQuotaWorker) poll(ctx context.Context, lastChecked map[string]time.Time) {
	cfg := w.cfg.Current()
	now := w.now()

	for name, p := range cfg.Providers {
		qc := p.QuotaChecker
		if qc == nil || !p.IsEnabled() {
			continue
		}
		interval := defaultQuotaCheckInterval
		if qc.IntervalMinutes > 0 {
			interval = time.Duration(qc.IntervalMinutes) * time.Minute
		}
		if now.Sub(lastChecked[name]) < interval {
			continue
		}
		lastChecked[name] = now

		exhausted, err := w.check(ctx, p, qc)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "provider quota check failed",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !exhausted {
			continue
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "provider quota exhausted, cooling down",
			slog.String("provider", name),
		)
		for model := range p.Models.Configs {
			w.cooldowns.MarkFailure(ctx, name, model, p.OAuthAccount, interval)
		}
	}
}

// check runs one quota probe. The generic "http" checker GETs options.url
// with the provider's API key and compares the number at options.path
// against options.min (default 0: exhausted when nothing remains).
func (w *ProviderQuotaWorker) check(ctx context.Context, p *config.Provider, qc *config.QuotaCheckerConfig) (bool, error) {
	url, _ := qc.Options["url"].(string)
	if url == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQuotaBody))
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}

	path, _ := qc.Options["path"].(string)
	if path == "" {
		return false, nil
	}
	remaining := gjson.GetBytes(body, path).Float()
	return remaining <= optionFloat(qc.Options, "min"), nil
}

// optionFloat reads a numeric option. yaml/v3 decodes bare integers into
// int, so both spellings must be accepted.
func optionFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

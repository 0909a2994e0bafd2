package dispatch

import (
	"context"
	"fmt"
	"net/http"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
)

const anthropicVersion = "2023-06-01"

// setHeaders assembles the outgoing header set: content type, static
// provider headers, then the dialect-specific auth header last so it wins
// any conflict.
func (d *Dispatcher) setHeaders(ctx context.Context, h http.Header, p *config.Provider, dialect plexus.Dialect) error {
	h.Set("Content-Type", "application/json")

	for k, v := range p.Headers {
		h.Set(k, v)
	}

	key := p.APIKey
	if p.HasOAuth() {
		if d.tokens == nil {
			return fmt.Errorf("provider uses oauth but no token source configured")
		}
		token, err := d.tokens.AccessToken(ctx, p.OAuthProvider, p.OAuthAccount)
		if err != nil {
			return fmt.Errorf("oauth token for %s/%s: %w", p.OAuthProvider, p.OAuthAccount, err)
		}
		// OAuth always authenticates with a bearer regardless of dialect.
		h.Set("Authorization", "Bearer "+token)
		if dialect == plexus.DialectMessages {
			h.Set("anthropic-version", anthropicVersion)
		}
		return nil
	}

	switch dialect {
	case plexus.DialectMessages:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	case plexus.DialectGemini:
		h.Set("x-goog-api-key", key)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
	return nil
}

// Package oauth supplies bearer tokens for oauth-backed providers. Tokens
// come from a file-backed credential set and are refreshed through the
// provider's token endpoint when expired; refreshed tokens are written back
// so restarts do not lose them.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// expirySkew refreshes tokens slightly early so an upstream call never
// carries a token that expires mid-flight.
const expirySkew = 60 * time.Second

// providerMeta describes a known oauth upstream: where its API lives (the
// target of oauth:// base URLs) and where tokens are refreshed.
type providerMeta struct {
	apiBase  string
	tokenURL string
}

var providerEndpoints = map[string]providerMeta{
	"anthropic": {
		apiBase:  "https://api.anthropic.com",
		tokenURL: "https://console.anthropic.com/v1/oauth/token",
	},
	"openai-codex": {
		apiBase:  "https://chatgpt.com/backend-api/codex",
		tokenURL: "https://auth.openai.com/oauth/token",
	},
	"github-copilot": {
		apiBase:  "https://api.githubcopilot.com",
		tokenURL: "https://github.com/login/oauth/access_token",
	},
	"google-gemini-cli": {
		apiBase:  "https://cloudcode-pa.googleapis.com/v1internal",
		tokenURL: "https://oauth2.googleapis.com/token",
	},
	"google-antigravity": {
		apiBase:  "https://cloudcode-pa.googleapis.com/v1internal",
		tokenURL: "https://oauth2.googleapis.com/token",
	},
}

// Credential is one stored oauth grant. ClientID and TokenURL may override
// the built-in provider metadata (self-hosted or enterprise endpoints).
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	TokenURL     string    `json:"token_url,omitempty"`
}

func (c *Credential) valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.Expiry.IsZero() || now.Add(expirySkew).Before(c.Expiry)
}

// Store holds credentials keyed by "provider/account" and refreshes them on
// demand. Safe for concurrent use; refreshes for the same key serialize.
type Store struct {
	path string

	mu    sync.Mutex
	creds map[string]*Credential
	now   func() time.Time
}

// Load reads the credential file at path. A missing file yields an empty
// store: providers configured with oauth then fail at dispatch time with a
// clear error rather than at startup.
func Load(path string) (*Store, error) {
	s := &Store{
		path:  path,
		creds: make(map[string]*Credential),
		now:   time.Now,
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read oauth credentials: %w", err)
	}
	if err := json.Unmarshal(b, &s.creds); err != nil {
		return nil, fmt.Errorf("parse oauth credentials %s: %w", path, err)
	}
	return s, nil
}

func credKey(provider, account string) string {
	if account == "" {
		account = "default"
	}
	return provider + "/" + account
}

// AccessToken returns a valid bearer for the provider account, refreshing
// through the token endpoint when the stored one is expired.
func (s *Store) AccessToken(ctx context.Context, provider, account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(provider, account)
	cred, ok := s.creds[key]
	if !ok {
		return "", fmt.Errorf("no oauth credential for %s", key)
	}
	if cred.valid(s.now()) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("oauth credential for %s expired and has no refresh token", key)
	}

	tokenURL := cred.TokenURL
	if tokenURL == "" {
		meta, ok := providerEndpoints[provider]
		if !ok {
			return "", fmt.Errorf("unknown oauth provider %q", provider)
		}
		tokenURL = meta.tokenURL
	}

	conf := &oauth2.Config{
		ClientID: cred.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token for %s: %w", key, err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.Expiry = tok.Expiry
	if err := s.persistLocked(); err != nil {
		// The refreshed token still works for this process lifetime.
		slog.Warn("failed to persist refreshed oauth token", "key", key, "error", err)
	}
	return tok.AccessToken, nil
}

// Endpoint resolves the API base URL for an oauth provider; it is the
// target of oauth:// scheme base URLs in provider config.
func (s *Store) Endpoint(provider string) (string, bool) {
	meta, ok := providerEndpoints[provider]
	if !ok {
		return "", false
	}
	return meta.apiBase, true
}

// Put stores or replaces a credential and persists the file. Used by tests
// and by operators seeding grants out of band.
func (s *Store) Put(provider, account string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credKey(provider, account)] = cred
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

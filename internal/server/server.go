// Package server implements the HTTP transport layer for the Plexus gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/debug"
	"github.com/plexusgw/plexus/internal/dispatch"
	"github.com/plexusgw/plexus/internal/pricing"
	"github.com/plexusgw/plexus/internal/quota"
	"github.com/plexusgw/plexus/internal/storage"
	"github.com/plexusgw/plexus/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records request usage asynchronously.
type UsageRecorder interface {
	Record(plexus.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config     *config.Store
	Dispatcher *dispatch.Dispatcher
	Quota      *quota.Enforcer
	Cooldowns  *cooldown.Manager
	Usage      UsageRecorder // nil = no usage recording
	Debug      *debug.Manager
	Calc       *pricing.Calculator
	Store      storage.Store      // management queries (usage, snapshots)
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no metrics
	// MetricsHandler serves the Prometheus scrape endpoint when non-nil.
	MetricsHandler http.Handler
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing dialect endpoints (key auth + quota)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.quota)
		r.Post("/v1/chat/completions", s.handleDialect(plexus.DialectChat))
		r.Post("/v1/messages", s.handleDialect(plexus.DialectMessages))
		r.Post("/v1/responses", s.handleDialect(plexus.DialectResponses))
		r.Post("/v1/embeddings", s.handleDialect(plexus.DialectEmbeddings))
		r.Post("/v1/audio/speech", s.handleDialect(plexus.DialectSpeech))
		r.Post("/v1/audio/transcriptions", s.handleTranscriptions)
		r.Post("/v1/images/generations", s.handleImages("generations"))
		r.Post("/v1/images/edits", s.handleImages("edits"))
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
	})

	// Model listing is public.
	r.Get("/v1/models", s.handleListModels)

	// Management API (admin-key gated)
	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/v0/management/config", s.handleGetConfig)
		r.Post("/v0/management/config", s.handlePostConfig)
		r.Delete("/v0/management/models", s.handleDeleteModels)
		r.Delete("/v0/management/models/{aliasId}", s.handleDeleteModel)
		r.Delete("/v0/management/providers/{id}", s.handleDeleteProvider)
		r.Post("/v0/management/quota/clear", s.handleQuotaClear)
		r.Get("/v0/management/quota/status/{key}", s.handleQuotaStatus)
		r.Get("/v0/management/user-quotas", s.handleListUserQuotas)
		r.Post("/v0/management/user-quotas", s.handleCreateUserQuota)
		r.Patch("/v0/management/user-quotas/{name}", s.handleUpdateUserQuota)
		r.Delete("/v0/management/user-quotas/{name}", s.handleDeleteUserQuota)
		r.Get("/v0/management/cooldowns", s.handleListCooldowns)
		r.Delete("/v0/management/cooldowns", s.handleClearCooldowns)
		r.Get("/v0/management/usage", s.handleQueryUsage)

		r.Get("/api/v1/config/snapshots", s.handleListSnapshots)
		r.Post("/api/v1/config/snapshots", s.handleCreateSnapshot)
		r.Get("/api/v1/config/snapshots/{name}", s.handleGetSnapshot)
		r.Put("/api/v1/config/snapshots/{name}", s.handleUpdateSnapshot)
		r.Delete("/api/v1/config/snapshots/{name}", s.handleDeleteSnapshot)
		r.Post("/api/v1/config/snapshots/{name}/restore", s.handleRestoreSnapshot)
	})

	return r
}

type server struct {
	deps Deps
}

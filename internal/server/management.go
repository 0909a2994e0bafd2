package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/storage"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr)
	case errors.Is(err, plexus.ErrNotFound):
		writeJSON(w, status, openaiError("not found"))
	case errors.Is(err, plexus.ErrConflict):
		writeJSON(w, status, openaiError("conflict"))
	case errors.Is(err, plexus.ErrBadRequest), errors.Is(err, plexus.ErrConfigInvalid):
		writeJSON(w, status, openaiError(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "management error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, openaiError("internal error"))
	}
}

// mutateConfig applies fn to a deep-ish working copy of the current config
// document and persists the result through the validating save path.
func (s *server) mutateConfig(fn func(*config.Config) error) error {
	raw, err := s.deps.Config.Serialize()
	if err != nil {
		return err
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.deps.Config.Save(out)
}

// --- Config document ---

var yamlCT = []string{"application/yaml"}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Config.Serialize()
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header()["Content-Type"] = yamlCT
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("failed to read request body"))
		return
	}
	if err := s.deps.Config.Save(raw); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Models / providers ---

func (s *server) handleDeleteModels(w http.ResponseWriter, r *http.Request) {
	err := s.mutateConfig(func(cfg *config.Config) error {
		cfg.Models = map[string]*config.Alias{}
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	aliasID := chi.URLParam(r, "aliasId")
	err := s.mutateConfig(func(cfg *config.Config) error {
		canonical, _, ok := cfg.CanonicalAlias(aliasID)
		if !ok {
			return plexus.ErrNotFound
		}
		delete(cfg.Models, canonical)
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteProvider removes a provider. Without cascade the delete is
// rejected while aliases still target it; with ?cascade=true the targets are
// dropped too, and aliases left with no targets are removed.
func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cascade := r.URL.Query().Get("cascade") == "true"

	err := s.mutateConfig(func(cfg *config.Config) error {
		if _, ok := cfg.Providers[id]; !ok {
			return plexus.ErrNotFound
		}
		for aliasName, alias := range cfg.Models {
			var kept []*config.Target
			for _, t := range alias.Targets {
				if t.Provider != id {
					kept = append(kept, t)
				}
			}
			if len(kept) == len(alias.Targets) {
				continue
			}
			if !cascade {
				return plexus.ErrConflict
			}
			if len(kept) == 0 {
				delete(cfg.Models, aliasName)
			} else {
				alias.Targets = kept
			}
		}
		delete(cfg.Providers, id)
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Quotas ---

func (s *server) handleQuotaClear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeyName string `json:"key_name"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.KeyName == "" {
		writeJSON(w, http.StatusBadRequest, openaiError("key_name is required"))
		return
	}
	if err := s.deps.Quota.Clear(r.Context(), body.KeyName); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key")
	status, err := s.deps.Quota.Status(r.Context(), keyName)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"quota": nil})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- User quota definitions ---

func (s *server) handleListUserQuotas(w http.ResponseWriter, _ *http.Request) {
	quotas := s.deps.Config.Current().UserQuotas
	if quotas == nil {
		quotas = map[string]*config.QuotaDefinition{}
	}
	writeJSON(w, http.StatusOK, quotas)
}

type userQuotaBody struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	LimitType string  `json:"limit_type"`
	Limit     float64 `json:"limit"`
	Duration  string  `json:"duration,omitempty"`
}

func (s *server) handleCreateUserQuota(w http.ResponseWriter, r *http.Request) {
	var body userQuotaBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, openaiError("name is required"))
		return
	}
	err := s.mutateConfig(func(cfg *config.Config) error {
		if cfg.UserQuotas == nil {
			cfg.UserQuotas = map[string]*config.QuotaDefinition{}
		}
		if _, ok := cfg.UserQuotas[body.Name]; ok {
			return plexus.ErrConflict
		}
		cfg.UserQuotas[body.Name] = &config.QuotaDefinition{
			Type:      body.Type,
			LimitType: body.LimitType,
			Limit:     body.Limit,
			Duration:  body.Duration,
		}
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *server) handleUpdateUserQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body userQuotaBody
	if !decodeJSON(w, r, &body) {
		return
	}
	err := s.mutateConfig(func(cfg *config.Config) error {
		q, ok := cfg.UserQuotas[name]
		if !ok {
			return plexus.ErrNotFound
		}
		if body.Type != "" {
			q.Type = body.Type
		}
		if body.LimitType != "" {
			q.LimitType = body.LimitType
		}
		if body.Limit > 0 {
			q.Limit = body.Limit
		}
		if body.Duration != "" {
			q.Duration = body.Duration
		}
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *server) handleDeleteUserQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.mutateConfig(func(cfg *config.Config) error {
		if _, ok := cfg.UserQuotas[name]; !ok {
			return plexus.ErrNotFound
		}
		for keyName, k := range cfg.Keys {
			if k.Quota == name {
				return errors.Join(plexus.ErrConflict,
					errors.New("quota still referenced by key "+keyName))
			}
		}
		delete(cfg.UserQuotas, name)
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Cooldowns ---

func (s *server) handleListCooldowns(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Cooldowns.Active()
	if entries == nil {
		entries = []plexus.CooldownEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cooldowns": entries})
}

func (s *server) handleClearCooldowns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := s.deps.Cooldowns.Clear(r.Context(), q.Get("provider"), q.Get("model"), q.Get("account"))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// --- Usage query ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.UsageFilter{
		APIKey:   q.Get("api_key"),
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Since:    q.Get("since"),
		Until:    q.Get("until"),
	}
	// Validate RFC3339 upfront: SQLite comparisons silently misbehave on
	// malformed strings, producing empty results instead of a clear error.
	for _, ts := range []string{f.Since, f.Until} {
		if ts == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			writeJSON(w, http.StatusBadRequest, openaiError("invalid time format, use RFC3339"))
			return
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}

	records, err := s.deps.Store.QueryUsage(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if records == nil {
		records = []plexus.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

// --- Config snapshots ---

func (s *server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Store.ListSnapshots(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []*storage.ConfigSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": snaps})
}

type snapshotBody struct {
	Name   string `json:"name"`
	Config string `json:"config,omitempty"` // empty = snapshot the live config
}

func (s *server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body snapshotBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, openaiError("name is required"))
		return
	}
	doc := body.Config
	if doc == "" {
		raw, err := s.deps.Config.Serialize()
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		doc = string(raw)
	}
	now := time.Now()
	snap := &storage.ConfigSnapshot{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      body.Name,
		Config:    doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateSnapshot(r.Context(), snap); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.GetSnapshotByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleUpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body snapshotBody
	if !decodeJSON(w, r, &body) {
		return
	}
	snap := &storage.ConfigSnapshot{
		Name:      chi.URLParam(r, "name"),
		Config:    body.Config,
		UpdatedAt: time.Now(),
	}
	if err := s.deps.Store.UpdateSnapshot(r.Context(), snap); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSnapshot(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRestoreSnapshot swaps the live config to a stored snapshot through
// the validating save path; an invalid snapshot is rejected without touching
// the running config.
func (s *server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.GetSnapshotByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Config.Save([]byte(snap.Config)); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/debug"
	"github.com/plexusgw/plexus/internal/inspect"
	"github.com/plexusgw/plexus/internal/pricing"

	"github.com/go-chi/chi/v5"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 32 << 20

// maxUploadSize caps multipart file uploads (audio transcription, image edits).
const maxUploadSize = 25 << 20

// handleDialect returns the handler for a plain JSON dialect endpoint:
// the model comes from the payload's "model" field and streaming from its
// "stream" flag.
func (s *server) handleDialect(dialect plexus.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(dialect, http.StatusBadRequest, "failed to read request body"))
			return
		}
		req := &plexus.Request{
			Dialect: dialect,
			Model:   gjson.GetBytes(body, "model").String(),
			Stream:  gjson.GetBytes(body, "stream").Bool(),
			Body:    body,
		}
		if req.Model == "" {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(dialect, http.StatusBadRequest, "model is required"))
			return
		}
		s.serve(w, r, req)
	}
}

// handleGemini handles /v1beta/models/{model} and
// /v1beta/models/{model:streamGenerateContent}: the model and action ride
// in the URL, not the payload.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelAction := chi.URLParam(r, "modelAction")
	model, action, _ := strings.Cut(modelAction, ":")
	if action == "" {
		action = "generateContent"
	}
	if model == "" {
		writeJSON(w, http.StatusBadRequest, geminiError(http.StatusBadRequest, "model is required"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, geminiError(http.StatusBadRequest, "failed to read request body"))
		return
	}
	s.serve(w, r, &plexus.Request{
		Dialect: plexus.DialectGemini,
		Model:   model,
		Stream:  action == "streamGenerateContent",
		Action:  action,
		Body:    body,
	})
}

// handleTranscriptions handles the multipart audio transcription endpoint.
// The audio payload itself is never captured for debugging, only a stub.
func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("invalid multipart form: "+err.Error()))
		return
	}
	model := r.FormValue("model")
	if model == "" {
		writeJSON(w, http.StatusBadRequest, openaiError("model is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("file is required"))
		return
	}
	defer file.Close()

	makeBody, err := multipartBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError(err.Error()))
		return
	}
	entry := s.deps.Debug.Begin(plexus.RequestIDFromContext(r.Context()))
	entry.SetRawRequest(debug.BinaryStub(header.Filename, header.Size, header.Header.Get("Content-Type")))
	s.serve(w, r, &plexus.Request{
		Dialect:  plexus.DialectTranscriptions,
		Model:    model,
		MakeBody: makeBody,
	})
}

// handleImages handles image generation (JSON) and edits (multipart).
func (s *server) handleImages(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if action == "edits" {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
			if err := r.ParseMultipartForm(maxUploadSize); err != nil {
				writeJSON(w, http.StatusBadRequest, openaiError("invalid multipart form: "+err.Error()))
				return
			}
			model := r.FormValue("model")
			if model == "" {
				writeJSON(w, http.StatusBadRequest, openaiError("model is required"))
				return
			}
			makeBody, err := multipartBody(r)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, openaiError(err.Error()))
				return
			}
			if _, header, ferr := r.FormFile("image"); ferr == nil {
				entry := s.deps.Debug.Begin(plexus.RequestIDFromContext(r.Context()))
				entry.SetRawRequest(debug.BinaryStub(header.Filename, header.Size, header.Header.Get("Content-Type")))
			}
			s.serve(w, r, &plexus.Request{
				Dialect:  plexus.DialectImages,
				Model:    model,
				Action:   action,
				MakeBody: makeBody,
			})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, openaiError("failed to read request body"))
			return
		}
		req := &plexus.Request{
			Dialect: plexus.DialectImages,
			Model:   gjson.GetBytes(body, "model").String(),
			Action:  action,
			Body:    body,
		}
		if req.Model == "" {
			writeJSON(w, http.StatusBadRequest, openaiError("model is required"))
			return
		}
		s.serve(w, r, req)
	}
}

// serve runs the full request lifecycle: usage record creation, debug
// capture, dispatch, response delivery, and finalization. The usage record
// is always committed, including on errors and client disconnects.
func (s *server) serve(w http.ResponseWriter, r *http.Request, req *plexus.Request) {
	ctx := r.Context()
	start := time.Now()
	rec := s.newRecord(r, req, start)
	var charged plexus.TokenUsage

	entry := s.deps.Debug.Begin(rec.RequestID)
	if req.Body != nil {
		entry.SetRawRequest(req.Body)
	}
	defer s.deps.Debug.Finish(ctx, rec.RequestID)
	defer s.finalize(r, &rec, &charged, start)

	resp, err := s.deps.Dispatcher.Dispatch(ctx, req, &rec)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "dispatch failed",
			slog.String("alias", req.Model),
			slog.String("dialect", string(req.Dialect)),
			slog.String("error", err.Error()),
		)
		rec.ResponseStatus = plexus.StatusError
		writeDispatchError(w, r, req.Dialect, err)
		return
	}

	if req.Stream {
		s.streamResponse(w, r, req, resp, &rec, &charged, entry)
		return
	}

	entry.SetRawResponse(resp.Body)
	if usage, ok := inspect.ExtractUsage(req.Dialect, resp.Body); ok {
		s.applyUsage(&rec, &charged, resp.Route, usage)
	} else if s.estimatesTokens(resp.Route) {
		s.applyUsage(&rec, &charged, resp.Route, plexus.TokenUsage{
			Input:  estimateTokens(req.Body),
			Output: estimateTokens(resp.Body),
		})
	}
	rec.ResponseStatus = plexus.StatusSuccess

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		rec.ResponseStatus = plexus.StatusError
	}
}

// streamResponse forwards the upstream SSE stream to the client while an
// inspector reconstructs the response for usage accounting and debugging.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, req *plexus.Request,
	resp *plexus.Response, rec *plexus.UsageRecord, charged *plexus.TokenUsage, entry *debug.Entry) {

	defer resp.Stream.Close()

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		rec.ResponseStatus = plexus.StatusError
		return
	}
	flusher.Flush()

	insp := inspect.New(resp.Route.Dialect, rec.StartTime)
	err := inspect.Pump(resp.Stream, w, flusher.Flush, insp)

	rec.TTFTMs = insp.TTFT().Milliseconds()
	if usage, ok := insp.Usage(); ok {
		s.applyUsage(rec, charged, resp.Route, usage)
	} else if s.estimatesTokens(resp.Route) {
		s.applyUsage(rec, charged, resp.Route, plexus.TokenUsage{
			Input:  estimateTokens(req.Body),
			Output: estimateTokens(insp.Raw()),
		})
	}
	if snap := insp.Snapshot(); snap != nil {
		entry.SetRawSnapshot(snap)
	}
	entry.SetRawResponse(insp.Raw())

	if err != nil {
		// Client disconnects and upstream aborts both land here; the partial
		// record is still committed by finalize.
		slog.LogAttrs(r.Context(), slog.LevelWarn, "stream interrupted",
			slog.String("error", err.Error()),
		)
		rec.ResponseStatus = plexus.StatusError
		return
	}
	rec.ResponseStatus = plexus.StatusSuccess
}

// newRecord seeds the usage record at ingress; dispatch fills in routing
// fields and the response path fills in tokens and cost.
func (s *server) newRecord(r *http.Request, req *plexus.Request, start time.Time) plexus.UsageRecord {
	ctx := r.Context()
	ip := r.RemoteAddr
	if host, _, ok := strings.Cut(ip, ":"); ok {
		ip = host
	}
	return plexus.UsageRecord{
		RequestID:       plexus.RequestIDFromContext(ctx),
		Date:            start.UTC().Format("2006-01-02"),
		SourceIP:        ip,
		APIKey:          plexus.KeyNameFromContext(ctx),
		Attribution:     plexus.AttributionFromContext(ctx),
		IncomingAPIType: req.Dialect,
		IncomingAlias:   req.Model,
		IsStreamed:      req.Stream,
		StartTime:       start,
		ResponseStatus:  plexus.StatusError, // flipped on success
	}
}

// estimatesTokens reports whether the routed provider opted into token
// estimation for responses that omit usage.
func (s *server) estimatesTokens(route plexus.RouteInfo) bool {
	p := s.deps.Config.Current().Providers[route.Provider]
	return p != nil && p.EstimateTokens
}

// estimateTokens approximates a token count from payload size. Four bytes
// per token tracks English prose closely enough for cost accounting.
func estimateTokens(b []byte) int64 {
	return int64(len(b)) / 4
}

// applyUsage folds extracted token usage and its cost into the record, and
// retains the full usage (cache-write bucket included) for the quota charge.
func (s *server) applyUsage(rec *plexus.UsageRecord, charged *plexus.TokenUsage, route plexus.RouteInfo, usage plexus.TokenUsage) {
	*charged = usage
	rec.TokensInput = usage.Input
	rec.TokensOutput = usage.Output
	rec.TokensReasoning = usage.Reasoning
	rec.TokensCached = usage.Cached

	cfg := s.deps.Config.Current()
	provider := cfg.Providers[route.Provider]
	if provider == nil {
		return
	}
	var p *pricing.Pricing
	if mc := provider.Models.Get(route.Model); mc != nil {
		p = mc.Pricing
	}
	cost := s.deps.Calc.Calculate(p, usage, provider.Discount)
	rec.CostInput = cost.Input
	rec.CostOutput = cost.Output
	rec.CostTotal = cost.Total()
}

// finalize commits the usage record and charges the quota. Runs in a defer
// so error paths and panics still account the request. The charge uses a
// cancel-free context: a client disconnect must not skip the accounting.
func (s *server) finalize(r *http.Request, rec *plexus.UsageRecord, charged *plexus.TokenUsage, start time.Time) {
	rec.DurationMs = time.Since(start).Milliseconds()
	if s.deps.Usage != nil {
		s.deps.Usage.Record(*rec)
	}
	keyName := plexus.KeyNameFromContext(r.Context())
	if keyName == "" {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Quota.Record(ctx, keyName, *charged); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota record failed",
			slog.String("key", keyName),
			slog.String("error", err.Error()),
		)
	}
}

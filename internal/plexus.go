// Package plexus defines domain types and interfaces for the Plexus LLM gateway.
// This package has no project imports -- it is the dependency root.
package plexus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// --- Dialects ---

// Dialect identifies the wire grammar spoken at a particular hop: the API
// shape of an incoming request or of an upstream provider endpoint.
type Dialect string

const (
	DialectChat           Dialect = "chat"
	DialectMessages       Dialect = "messages"
	DialectGemini         Dialect = "gemini"
	DialectResponses      Dialect = "responses"
	DialectEmbeddings     Dialect = "embeddings"
	DialectSpeech         Dialect = "speech"
	DialectImages         Dialect = "images"
	DialectTranscriptions Dialect = "transcriptions"
	DialectOAuth          Dialect = "oauth"
)

// Dialects lists every dialect tag accepted in provider URL maps and
// model access_via lists.
var Dialects = []Dialect{
	DialectChat, DialectMessages, DialectGemini, DialectResponses,
	DialectEmbeddings, DialectSpeech, DialectImages, DialectTranscriptions,
	DialectOAuth,
}

// ParseDialect normalizes a dialect tag. Matching is case-insensitive.
func ParseDialect(s string) (Dialect, bool) {
	d := Dialect(strings.ToLower(s))
	for _, known := range Dialects {
		if d == known {
			return d, true
		}
	}
	return "", false
}

// --- Requests and responses ---

// Request is the dialect-neutral view of an inbound call. The original body
// is carried as raw bytes so the pass-through path avoids a parse/serialize
// round trip; only the model name and stream flag are lifted out.
type Request struct {
	Dialect Dialect
	Model   string
	Stream  bool
	Action  string // optional sub-action: gemini URL action, "edits" for image edits
	Body    []byte // original client payload, never mutated

	// MakeBody renders the outgoing payload for the selected model when the
	// request is not plain JSON (multipart uploads). The dispatcher calls it
	// once per attempt and skips JSON transformation. nil for JSON requests.
	MakeBody func(model string) (body []byte, contentType string, err error)
}

// RouteInfo records where a dispatched request actually went.
type RouteInfo struct {
	Provider  string
	Model     string
	Dialect   Dialect
	Alias     string // canonical alias the client name resolved to
	AccountID string // oauth account, if any
	Reason    string // why this dialect was chosen ("matched incoming", "defaulted")
}

// Response is the outcome of a successful dispatch. Exactly one of Body or
// Stream is set: Body for buffered responses, Stream for SSE pass-through.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Stream   io.ReadCloser
	Bypassed bool // incoming dialect == target dialect, body forwarded verbatim
	Route    RouteInfo
}

// --- Token accounting ---

// TokenUsage is the unified token count shape extracted from upstream
// responses, whatever dialect they arrived in.
type TokenUsage struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	Reasoning  int64 `json:"reasoning_tokens,omitempty"`
	Cached     int64 `json:"cached_tokens,omitempty"`
	CacheWrite int64 `json:"cache_creation_tokens,omitempty"`
}

// Total returns the sum of all token buckets.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.Reasoning + u.Cached + u.CacheWrite
}

// --- Usage records ---

// Response status values stored in request_usage.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UsageRecord is the per-request accounting row. It is created when the
// ingress accepts the request, mutated during dispatch, and finalized on the
// way out regardless of outcome.
type UsageRecord struct {
	RequestID       string    `json:"request_id"`
	Date            string    `json:"date"` // YYYY-MM-DD, UTC
	SourceIP        string    `json:"source_ip"`
	APIKey          string    `json:"api_key"` // key name, never the secret
	Attribution     string    `json:"attribution,omitempty"`
	IncomingAPIType Dialect   `json:"incoming_api_type"`
	Provider        string    `json:"provider"`
	IncomingAlias   string    `json:"incoming_model_alias"`
	SelectedModel   string    `json:"selected_model_name"`
	OutgoingAPIType Dialect   `json:"outgoing_api_type"`
	TokensInput     int64     `json:"tokens_input"`
	TokensOutput    int64     `json:"tokens_output"`
	TokensReasoning int64     `json:"tokens_reasoning"`
	TokensCached    int64     `json:"tokens_cached"`
	StartTime       time.Time `json:"start_time"`
	DurationMs      int64     `json:"duration_ms"`
	TTFTMs          int64     `json:"ttft_ms"`
	IsStreamed      bool      `json:"is_streamed"`
	ResponseStatus  string    `json:"response_status"`
	CostInput       float64   `json:"cost_input"`
	CostOutput      float64   `json:"cost_output"`
	CostTotal       float64   `json:"cost_total"`
}

// --- Cooldowns ---

// CooldownEntry quarantines a (provider, model, account) tuple until Expiry.
type CooldownEntry struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	AccountID string    `json:"account_id,omitempty"`
	Expiry    time.Time `json:"expiry"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Quotas ---

// Quota types and limit types.
const (
	QuotaRolling = "rolling"
	QuotaDaily   = "daily"
	QuotaWeekly  = "weekly"

	LimitRequests = "requests"
	LimitTokens   = "tokens"
)

// QuotaState is the persisted per-key counter.
type QuotaState struct {
	KeyName      string
	QuotaName    string
	LimitType    string
	CurrentUsage float64
	LastUpdated  time.Time
	WindowStart  *time.Time
}

// QuotaCheck is the outcome of a quota check for a key with a quota assigned.
type QuotaCheck struct {
	Allowed      bool      `json:"allowed"`
	QuotaName    string    `json:"quota_name"`
	LimitType    string    `json:"limit_type"`
	CurrentUsage float64   `json:"current_usage"`
	Limit        float64   `json:"limit"`
	Remaining    float64   `json:"remaining"`
	ResetsAt     time.Time `json:"resets_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The key fields are set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue.
type requestMeta struct {
	RequestID   string
	KeyName     string
	Attribution string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// KeyNameFromContext extracts the authenticated key name from ctx, or "".
func KeyNameFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.KeyName
	}
	return ""
}

// AttributionFromContext extracts the optional caller attribution tag
// (the ":<attribution>" suffix of a bearer credential), or "".
func AttributionFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Attribution
	}
	return ""
}

// ContextWithKey stores the key name and attribution in the existing
// requestMeta if present, falling back to a new allocation (e.g. in tests).
func ContextWithKey(ctx context.Context, keyName, attribution string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.KeyName = keyName
		m.Attribution = attribution
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{KeyName: keyName, Attribution: attribution})
}

// --- Transformer ---

// Transformer translates between the unified request view and one upstream
// dialect. Implementations are registered per dialect; the dispatcher only
// sees this interface.
type Transformer interface {
	// Dialect returns the wire grammar this transformer speaks.
	Dialect() Dialect
	// Endpoint returns the provider-relative path for the given request
	// (e.g. "/chat/completions", "/models/gemini-pro:streamGenerateContent").
	Endpoint(req *Request) string
	// TransformRequest produces the outgoing payload for this dialect with
	// the target model substituted.
	TransformRequest(req *Request, targetModel string) ([]byte, error)
	// TransformResponse converts an upstream response body back into the
	// incoming dialect's shape. For same-dialect hops it is the identity.
	TransformResponse(body []byte) ([]byte, error)
}

// --- Errors ---

// ProviderError carries a non-2xx upstream response through the dispatch
// pipeline. Other 4xx statuses are passed through to the client; transient
// statuses trigger cooldown and failover before surfacing.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Body     []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): upstream status %d", e.Provider, e.Model, e.Status)
}

// HTTPStatus returns the upstream status code for classification.
func (e *ProviderError) HTTPStatus() int { return e.Status }

// Transient reports whether the status should trip a cooldown and trigger
// failover: any 5xx plus 401, 408 and 429.
func (e *ProviderError) Transient() bool { return TransientStatus(e.Status) }

// TransientStatus classifies an upstream HTTP status for cooldown marking.
func TransientStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusUnauthorized,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests:
		return true
	}
	return false
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
)

// --- Error envelopes per client dialect ---

type openaiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func openaiError(msg string) openaiErrorBody {
	var e openaiErrorBody
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func anthropicError(msg string) anthropicErrorBody {
	var e anthropicErrorBody
	e.Type = "error"
	e.Error.Type = "invalid_request_error"
	e.Error.Message = msg
	return e
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func geminiError(status int, msg string) geminiErrorBody {
	var e geminiErrorBody
	e.Error.Code = status
	e.Error.Message = msg
	e.Error.Status = http.StatusText(status)
	return e
}

// errorEnvelope builds the error body in the client's dialect.
func errorEnvelope(dialect plexus.Dialect, status int, msg string) any {
	switch dialect {
	case plexus.DialectMessages:
		return anthropicError(msg)
	case plexus.DialectGemini:
		return geminiError(status, msg)
	default:
		return openaiError(msg)
	}
}

// dialectForPath infers the client dialect from the request path. Used by
// middleware that runs before the handler binds a dialect.
func dialectForPath(r *http.Request) plexus.Dialect {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/messages"):
		return plexus.DialectMessages
	case strings.HasPrefix(r.URL.Path, "/v1beta/"):
		return plexus.DialectGemini
	default:
		return plexus.DialectChat
	}
}

func writeDialectError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorEnvelope(dialectForPath(r), status, msg))
}

// errorStatus maps pipeline errors to client-facing HTTP status codes.
// Routing dead ends are 502: the gateway accepted the request but has no
// healthy upstream to honor it.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, plexus.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, plexus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plexus.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, plexus.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, plexus.ErrBadRequest), errors.Is(err, plexus.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, plexus.ErrAliasUnknown),
		errors.Is(err, plexus.ErrNoTargets),
		errors.Is(err, plexus.ErrAllCoolingDown):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDispatchError converts a dispatch failure into the client dialect's
// error shape. Terminal provider errors mirror the upstream status and body
// verbatim so clients see what the provider said.
func writeDispatchError(w http.ResponseWriter, r *http.Request, dialect plexus.Dialect, err error) int {
	var pe *plexus.ProviderError
	if errors.As(err, &pe) {
		status := pe.HTTPStatus()
		if len(pe.Body) > 0 && json.Valid(pe.Body) {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(status)
			w.Write(pe.Body)
			return status
		}
		writeJSON(w, status, errorEnvelope(dialect, status, pe.Error()))
		return status
	}
	status := errorStatus(err)
	writeJSON(w, status, errorEnvelope(dialect, status, err.Error()))
	return status
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

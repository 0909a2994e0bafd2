// Package transform provides the transformer registry the dispatcher
// resolves per (incoming, target) dialect pair. Native transformers cover
// the same-dialect hop: endpoint mapping plus model substitution on the raw
// payload. Cross-dialect translators register through the same registry.
package transform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/sjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// Registry resolves transformers by dialect pair.
type Registry struct {
	mu    sync.RWMutex
	cross map[[2]plexus.Dialect]plexus.Transformer
}

// NewRegistry returns a Registry pre-populated with the native same-dialect
// transformers.
func NewRegistry() *Registry {
	return &Registry{cross: make(map[[2]plexus.Dialect]plexus.Transformer)}
}

// Register installs a cross-dialect transformer for incoming -> target.
func (r *Registry) Register(incoming, target plexus.Dialect, t plexus.Transformer) {
	r.mu.Lock()
	r.cross[[2]plexus.Dialect{incoming, target}] = t
	r.mu.Unlock()
}

// For returns the transformer translating incoming into target. The
// same-dialect hop always resolves to the native transformer; an unregistered
// cross-dialect pair falls back to the target's native transformer, leaving
// the body shape to the upstream to reject.
func (r *Registry) For(incoming, target plexus.Dialect) (plexus.Transformer, error) {
	if incoming == target {
		return Native(target), nil
	}
	r.mu.RLock()
	t, ok := r.cross[[2]plexus.Dialect{incoming, target}]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("no cross-dialect transformer registered, using native",
			"incoming", incoming, "target", target)
		return Native(target), nil
	}
	return t, nil
}

// Native returns the same-dialect transformer for d.
func Native(d plexus.Dialect) plexus.Transformer {
	return native{dialect: d}
}

// native is the identity transformer: it rewrites only the model field and
// maps the request to the dialect's provider-relative endpoint.
type native struct {
	dialect plexus.Dialect
}

func (n native) Dialect() plexus.Dialect { return n.dialect }

func (n native) Endpoint(req *plexus.Request) string {
	switch n.dialect {
	case plexus.DialectChat:
		return "/chat/completions"
	case plexus.DialectMessages:
		return "/messages"
	case plexus.DialectResponses:
		return "/responses"
	case plexus.DialectEmbeddings:
		return "/embeddings"
	case plexus.DialectSpeech:
		return "/audio/speech"
	case plexus.DialectTranscriptions:
		return "/audio/transcriptions"
	case plexus.DialectImages:
		if req.Action == "edits" {
			return "/images/edits"
		}
		return "/images/generations"
	case plexus.DialectGemini:
		action := req.Action
		if action == "" {
			action = "generateContent"
			if req.Stream {
				action = "streamGenerateContent"
			}
		}
		return "/models/" + req.Model + ":" + action
	}
	return "/"
}

func (n native) TransformRequest(req *plexus.Request, targetModel string) ([]byte, error) {
	// Gemini addresses the model in the URL, not the body.
	if n.dialect == plexus.DialectGemini {
		out := make([]byte, len(req.Body))
		copy(out, req.Body)
		return out, nil
	}
	out, err := sjson.SetBytes(req.Body, "model", targetModel)
	if err != nil {
		return nil, fmt.Errorf("%w: set model: %v", plexus.ErrTransformFailed, err)
	}
	return out, nil
}

func (n native) TransformResponse(body []byte) ([]byte, error) {
	return body, nil
}

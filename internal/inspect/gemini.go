package inspect

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

// geminiReducer merges Gemini streaming chunks per candidate: adjacent text
// parts concatenate, function call parts append whole, finishReason and
// usageMetadata overwrite.
type geminiReducer struct {
	candidates map[int64]*geminiCandidate
	usageMeta  json.RawMessage
	usage      plexus.TokenUsage
	hasUse     bool
	modelVer   string
}

type geminiCandidate struct {
	index  int64
	role   string
	parts  []map[string]any
	finish string
}

func newGeminiReducer() *geminiReducer {
	return &geminiReducer{candidates: make(map[int64]*geminiCandidate)}
}

func (r *geminiReducer) Feed(_ string, data []byte) {
	chunk := gjson.ParseBytes(data)

	if v := chunk.Get("modelVersion"); v.Exists() {
		r.modelVer = v.String()
	}

	chunk.Get("candidates").ForEach(func(_, c gjson.Result) bool {
		idx := c.Get("index").Int()
		cand := r.candidates[idx]
		if cand == nil {
			cand = &geminiCandidate{index: idx}
			r.candidates[idx] = cand
		}
		if v := c.Get("content.role"); v.Exists() && cand.role == "" {
			cand.role = v.String()
		}
		c.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			if text := p.Get("text"); text.Exists() && len(p.Map()) == 1 {
				// Plain text part: concatenate onto a trailing text part.
				if n := len(cand.parts); n > 0 {
					if prev, ok := cand.parts[n-1]["text"].(string); ok && len(cand.parts[n-1]) == 1 {
						cand.parts[n-1]["text"] = prev + text.String()
						return true
					}
				}
				cand.parts = append(cand.parts, map[string]any{"text": text.String()})
				return true
			}
			var part map[string]any
			if err := json.Unmarshal([]byte(p.Raw), &part); err == nil {
				cand.parts = append(cand.parts, part)
			}
			return true
		})
		if v := c.Get("finishReason"); v.Exists() {
			cand.finish = v.String()
		}
		return true
	})

	if u := chunk.Get("usageMetadata"); u.IsObject() {
		if tu, ok := geminiUsage(u); ok {
			r.usage = tu
			r.hasUse = true
			r.usageMeta = json.RawMessage(u.Raw)
		}
	}
}

func (r *geminiReducer) Snapshot() ([]byte, error) {
	type candidateOut struct {
		Index   int64 `json:"index"`
		Content struct {
			Role  string           `json:"role,omitempty"`
			Parts []map[string]any `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	}
	out := struct {
		Candidates   []*candidateOut `json:"candidates"`
		UsageMeta    json.RawMessage `json:"usageMetadata,omitempty"`
		ModelVersion string          `json:"modelVersion,omitempty"`
	}{
		Candidates:   make([]*candidateOut, 0, len(r.candidates)),
		UsageMeta:    r.usageMeta,
		ModelVersion: r.modelVer,
	}
	for _, cand := range r.candidates {
		co := &candidateOut{Index: cand.index, FinishReason: cand.finish}
		co.Content.Role = cand.role
		co.Content.Parts = cand.parts
		out.Candidates = append(out.Candidates, co)
	}
	sort.Slice(out.Candidates, func(i, j int) bool {
		return out.Candidates[i].Index < out.Candidates[j].Index
	})
	return json.Marshal(out)
}

func (r *geminiReducer) Usage() (plexus.TokenUsage, bool) {
	return r.usage, r.hasUse
}

package server

import (
	"net/http"
	"sort"
	"time"
)

// handleListModels lists every configured alias (canonical and additional
// names) as an OpenAI-compatible model list.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Current()

	names := make([]string, 0, len(cfg.Models))
	for name, alias := range cfg.Models {
		names = append(names, name)
		names = append(names, alias.AdditionalAliases...)
	}
	sort.Strings(names)

	now := time.Now().Unix()
	data := make([]modelEntry, len(names))
	for i, m := range names {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "plexus",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

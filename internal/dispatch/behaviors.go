package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
)

// mergeExtraBody overlays the provider's static extraBody fields onto the
// outgoing payload. The overlay is shallow: each top-level key replaces the
// payload's value wholesale.
func mergeExtraBody(payload []byte, extra map[string]any) ([]byte, error) {
	var err error
	for k, v := range extra {
		// Raw keys would be split on dots by sjson path syntax; escape them
		// so "a.b" stays one top-level key.
		payload, err = sjson.SetBytesOptions(payload, escapePath(k), v, &sjson.Options{})
		if err != nil {
			return nil, fmt.Errorf("merge extraBody %q: %w", k, err)
		}
	}
	return payload, nil
}

func escapePath(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// applyBehaviors runs the alias's behavior list over the outgoing payload.
// Behaviors are a closed tagged-variant set; unknown types are logged and
// skipped rather than aborting the dispatch.
func applyBehaviors(ctx context.Context, payload []byte, dialect plexus.Dialect, behaviors []*config.Behavior) []byte {
	for _, b := range behaviors {
		switch b.Type {
		case config.BehaviorStripAdaptiveThinking:
			payload = stripAdaptiveThinking(payload, dialect)
		default:
			slog.LogAttrs(ctx, slog.LevelWarn, "unknown alias behavior, skipping",
				slog.String("type", b.Type))
		}
	}
	return payload
}

// stripAdaptiveThinking drops the whole thinking field on the messages
// dialect when thinking.type == "adaptive".
func stripAdaptiveThinking(payload []byte, dialect plexus.Dialect) []byte {
	if dialect != plexus.DialectMessages {
		return payload
	}
	if gjson.GetBytes(payload, "thinking.type").String() != "adaptive" {
		return payload
	}
	out, err := sjson.DeleteBytes(payload, "thinking")
	if err != nil {
		slog.Warn("strip_adaptive_thinking failed", "error", err)
		return payload
	}
	return out
}

package inspect

import (
	plexus "github.com/plexusgw/plexus/internal"
)

// A Reducer folds a sequence of parsed stream chunks into a running snapshot
// of the final response. Reducers are single-goroutine: the stream pump owns
// one and feeds it in arrival order.
type Reducer interface {
	// Feed consumes one stream event. event is the SSE event type when the
	// dialect uses typed events, "" otherwise. data is the JSON payload.
	Feed(event string, data []byte)
	// Snapshot materializes the reconstructed response so far.
	Snapshot() ([]byte, error)
	// Usage returns the token usage observed in the stream, if any chunk
	// carried one.
	Usage() (plexus.TokenUsage, bool)
}

// NewReducer returns the snapshot reducer for a dialect's stream format.
// Dialects without a streaming format (embeddings, speech, images,
// transcriptions) get a nil reducer; callers must check.
func NewReducer(dialect plexus.Dialect) Reducer {
	switch dialect {
	case plexus.DialectChat:
		return newChatReducer()
	case plexus.DialectMessages:
		return newMessagesReducer()
	case plexus.DialectGemini:
		return newGeminiReducer()
	case plexus.DialectResponses:
		return newResponsesReducer()
	case plexus.DialectOAuth:
		return newOAuthReducer()
	default:
		return nil
	}
}

package sqlite

import (
	"context"
	"time"

	"github.com/plexusgw/plexus/internal/storage"
)

// InsertDebugLog writes one debug capture row, replacing any previous
// capture for the same request id.
func (s *Store) InsertDebugLog(ctx context.Context, l *storage.DebugLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO debug_logs
		 (request_id, raw_request, transformed_request, raw_response,
		  transformed_response, raw_response_snapshot, transformed_response_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.RawRequest, l.TransformedRequest, l.RawResponse,
		l.TransformedResponse, l.RawResponseSnapshot, l.TransformedResponseSnapshot,
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// GetQuotaState returns the quota counter row for a key, or
// plexus.ErrNotFound when none exists.
func (s *Store) GetQuotaState(ctx context.Context, keyName string) (*plexus.QuotaState, error) {
	var st plexus.QuotaState
	var lastUpdated string
	var windowStart sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT key_name, quota_name, limit_type, current_usage, last_updated, window_start
		 FROM quota_state WHERE key_name = ?`, keyName,
	).Scan(&st.KeyName, &st.QuotaName, &st.LimitType, &st.CurrentUsage, &lastUpdated, &windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, lastUpdated); perr == nil {
		st.LastUpdated = t
	}
	if windowStart.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, windowStart.String); perr == nil {
			st.WindowStart = &t
		}
	}
	return &st, nil
}

// UpsertQuotaState writes the counter row for a key.
func (s *Store) UpsertQuotaState(ctx context.Context, st *plexus.QuotaState) error {
	var windowStart any
	if st.WindowStart != nil {
		windowStart = st.WindowStart.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO quota_state (key_name, quota_name, limit_type, current_usage, last_updated, window_start)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_name) DO UPDATE SET
		 quota_name = excluded.quota_name,
		 limit_type = excluded.limit_type,
		 current_usage = excluded.current_usage,
		 last_updated = excluded.last_updated,
		 window_start = excluded.window_start`,
		st.KeyName, st.QuotaName, st.LimitType, st.CurrentUsage,
		st.LastUpdated.UTC().Format(time.RFC3339Nano), windowStart,
	)
	return err
}

// DeleteQuotaState removes the counter row for a key.
func (s *Store) DeleteQuotaState(ctx context.Context, keyName string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM quota_state WHERE key_name = ?`, keyName)
	return err
}

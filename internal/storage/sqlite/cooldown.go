package sqlite

import (
	"context"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// UpsertCooldown inserts or replaces the cooldown row for the tuple.
func (s *Store) UpsertCooldown(ctx context.Context, e plexus.CooldownEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_cooldowns (provider, model, account_id, expiry, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model, account_id) DO UPDATE SET
		 expiry = excluded.expiry, created_at = excluded.created_at`,
		e.Provider, e.Model, e.AccountID,
		e.Expiry.UTC().Format(time.RFC3339Nano),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteCooldown removes the row for an exact tuple.
func (s *Store) DeleteCooldown(ctx context.Context, provider, model, accountID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE provider = ? AND model = ? AND account_id = ?`,
		provider, model, accountID,
	)
	return err
}

// DeleteExpiredCooldowns removes rows whose expiry is before cutoff.
func (s *Store) DeleteExpiredCooldowns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE expiry < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListCooldowns returns all persisted cooldown rows.
func (s *Store) ListCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, account_id, expiry, created_at FROM provider_cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.CooldownEntry
	for rows.Next() {
		var e plexus.CooldownEntry
		var expiry, createdAt string
		if err := rows.Scan(&e.Provider, &e.Model, &e.AccountID, &expiry, &createdAt); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, expiry); perr == nil {
			e.Expiry = t
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearCooldowns deletes by scope; empty strings wildcard from the right
// (provider="" clears everything, model="" clears a whole provider).
func (s *Store) ClearCooldowns(ctx context.Context, provider, model, accountID string) (int64, error) {
	var clauses []string
	var args []any
	if provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, provider)
		if model != "" {
			clauses = append(clauses, "model = ?")
			args = append(args, model)
			if accountID != "" {
				clauses = append(clauses, "account_id = ?")
				args = append(args, accountID)
			}
		}
	}
	query := `DELETE FROM provider_cooldowns`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	res, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// CreateSnapshot inserts a named config snapshot. A duplicate name returns
// plexus.ErrConflict.
func (s *Store) CreateSnapshot(ctx context.Context, snap *storage.ConfigSnapshot) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO config_snapshots (id, name, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.Name, snap.Config,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("snapshot %q: %w", snap.Name, plexus.ErrConflict)
	}
	return err
}

// GetSnapshotByName returns the snapshot with the given name, or
// plexus.ErrNotFound.
func (s *Store) GetSnapshotByName(ctx context.Context, name string) (*storage.ConfigSnapshot, error) {
	var snap storage.ConfigSnapshot
	var createdAt, updatedAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, name, config, created_at, updated_at FROM config_snapshots WHERE name = ?`,
		name,
	).Scan(&snap.ID, &snap.Name, &snap.Config, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &snap, nil
}

// ListSnapshots returns all snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]*storage.ConfigSnapshot, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, config, created_at, updated_at FROM config_snapshots
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.ConfigSnapshot
	for rows.Next() {
		var snap storage.ConfigSnapshot
		var createdAt, updatedAt string
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.Config, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// UpdateSnapshot replaces the config document of an existing snapshot.
func (s *Store) UpdateSnapshot(ctx context.Context, snap *storage.ConfigSnapshot) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE config_snapshots SET config = ?, updated_at = ? WHERE name = ?`,
		snap.Config, snap.UpdatedAt.UTC().Format(time.RFC3339Nano), snap.Name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %q: %w", snap.Name, plexus.ErrNotFound)
	}
	return nil
}

// DeleteSnapshot removes a snapshot by name.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM config_snapshots WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %q: %w", name, plexus.ErrNotFound)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// staleLockAge is how old a scan lock may be before a new scan steals it.
// A scan heartbeats by re-acquiring; a crashed scanner leaves a stale row.
const staleLockAge = 2 * time.Hour

// AcquireScanLock takes the exclusive scan lock for runID. Concurrent
// scans of the same store are not supported; a live lock held by another
// run returns ErrScanActive.
func (s *Store) AcquireScanLock(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var holder struct {
		RunID     string `db:"run_id"`
		StartedAt int64  `db:"started_at"`
	}
	err = tx.GetContext(ctx, &holder, `SELECT run_id, started_at FROM scan_lock WHERE id = 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return fmt.Errorf("read scan lock: %w", err)
	case holder.RunID == runID:
		return tx.Commit() // re-entrant
	case time.Since(time.Unix(holder.StartedAt, 0)) < staleLockAge:
		return ErrScanActive
	default:
		slog.Warn("stealing stale scan lock", "holder", holder.RunID,
			"age", time.Since(time.Unix(holder.StartedAt, 0)).Round(time.Second))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_lock (id, run_id, started_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET run_id = excluded.run_id, started_at = excluded.started_at`,
		runID, now()); err != nil {
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	return tx.Commit()
}

// ReleaseScanLock frees the scan lock if runID still holds it.
func (s *Store) ReleaseScanLock(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM scan_lock WHERE id = 1 AND run_id = ?`, runID)
	return err
}

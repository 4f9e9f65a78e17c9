package sqlite

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clopca/open-mem/internal/storage"
)

// Stats summarizes the store for the stats verb and dashboard endpoints.
func (s *SQLiteStorage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN superseded_by IS NULL AND deleted_at IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN superseded_by IS NOT NULL AND deleted_at IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM observations`).
		Scan(&stats.Observations, &stats.Current, &stats.Superseded, &stats.Tombstoned)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate observations: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&stats.Sessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_summaries`).Scan(&stats.Summaries); err != nil {
		return nil, fmt.Errorf("failed to count summaries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&stats.Entities); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&stats.Embeddings); err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}

	jobs, err := s.JobCounts(ctx)
	if err != nil {
		return nil, err
	}
	stats.Jobs = *jobs

	if info, err := os.Stat(s.path); err == nil {
		stats.DBSizeBytes = info.Size()
	}
	return stats, nil
}

// PurgeTombstones hard-deletes tombstoned observations older than cutoff,
// their embeddings (via cascade), and their FTS rows (via index rebuild).
func (s *SQLiteStorage) PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM observations WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.RebuildFTS(ctx); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Vacuum reclaims file space after a purge.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

const jobColumns = `id, session_id, tool, output, call_id, status, attempts, last_error, enqueued_at, last_transition_at`

func scanJob(row interface{ Scan(...any) error }) (*types.PendingJob, error) {
	var job types.PendingJob
	var enqueued, transitioned string
	err := row.Scan(&job.ID, &job.SessionID, &job.Tool, &job.Output, &job.CallID,
		&job.Status, &job.Attempts, &job.LastError, &enqueued, &transitioned)
	if err != nil {
		return nil, err
	}
	if job.EnqueuedAt, err = parseTime(enqueued); err != nil {
		return nil, err
	}
	if job.LastTransitionAt, err = parseTime(transitioned); err != nil {
		return nil, err
	}
	return &job, nil
}

// EnqueueJob inserts a pending row. Duplicate (session id, call id) pairs are
// reported as ErrDuplicateCallID so callers can drop them silently.
func (s *SQLiteStorage) EnqueueJob(ctx context.Context, job *types.PendingJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	job.LastTransitionAt = job.EnqueuedAt
	job.Status = types.JobPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_jobs (id, session_id, tool, output, call_id, status, attempts, last_error, enqueued_at, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		job.ID, job.SessionID, job.Tool, job.Output, job.CallID, string(job.Status),
		formatTime(job.EnqueuedAt), formatTime(job.LastTransitionAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("job (%s, %s): %w", job.SessionID, job.CallID, storage.ErrDuplicateCallID)
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimPendingJobs transitions up to limit pending rows to processing in
// FIFO order and returns them. Claiming happens in one transaction so two
// processes cannot claim the same rows.
func (s *SQLiteStorage) ClaimPendingJobs(ctx context.Context, limit int) ([]*types.PendingJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []*types.PendingJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM pending_jobs
			WHERE status = 'pending'
			ORDER BY enqueued_at ASC, id ASC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("failed to select pending jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("failed to scan job: %w", err)
			}
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		now := formatTime(time.Now().UTC())
		for _, job := range jobs {
			_, err := tx.ExecContext(ctx, `
				UPDATE pending_jobs
				SET status = 'processing', attempts = attempts + 1, last_transition_at = ?
				WHERE id = ?`, now, job.ID)
			if err != nil {
				return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
			}
			job.Status = types.JobProcessing
			job.Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLiteStorage) transitionJob(ctx context.Context, id string, from, to types.JobStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_jobs SET status = ?, last_error = ?, last_transition_at = ?
		WHERE id = ? AND status = ?`,
		string(to), lastError, formatTime(time.Now().UTC()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", id, to, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("job %s not in %s state: %w", id, from, storage.ErrNotFound)
	}
	return nil
}

// CompleteJob marks a processing row completed.
func (s *SQLiteStorage) CompleteJob(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id, types.JobProcessing, types.JobCompleted, "")
}

// FailJob marks a processing row failed with its reason.
func (s *SQLiteStorage) FailJob(ctx context.Context, id string, reason string) error {
	return s.transitionJob(ctx, id, types.JobProcessing, types.JobFailed, reason)
}

// ReleaseJob returns a processing row to pending. enqueued_at is untouched so
// the row keeps its FIFO position.
func (s *SQLiteStorage) ReleaseJob(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id, types.JobProcessing, types.JobPending, "")
}

// RecoverStaleJobs resets processing rows whose last transition is older than
// threshold back to pending. This is the crash-recovery path; it preserves
// enqueued_at so ordering survives the crash.
func (s *SQLiteStorage) RecoverStaleJobs(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := formatTime(time.Now().UTC().Add(-threshold))
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_jobs SET status = 'pending', last_transition_at = ?
		WHERE status = 'processing' AND last_transition_at < ?`,
		formatTime(time.Now().UTC()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob returns a job by id.
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*types.PendingJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pending_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// PendingJobCount counts rows waiting to be processed.
func (s *SQLiteStorage) PendingJobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_jobs WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// JobCounts aggregates the queue for operational endpoints.
func (s *SQLiteStorage) JobCounts(ctx context.Context) (*storage.JobCounts, error) {
	counts := &storage.JobCounts{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch types.JobStatus(status) {
		case types.JobPending:
			counts.Pending = n
		case types.JobProcessing:
			counts.Processing = n
		case types.JobCompleted:
			counts.Completed = n
		case types.JobFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastErr sql.NullString
	var lastFailed sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT last_error, last_transition_at FROM pending_jobs
		WHERE status = 'failed' ORDER BY last_transition_at DESC LIMIT 1`).
		Scan(&lastErr, &lastFailed)
	if err == nil {
		counts.LastError = lastErr.String
		if counts.LastFailed, err = parseTimePtr(lastFailed); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last failure: %w", err)
	}

	var lastDone sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT last_transition_at FROM pending_jobs
		WHERE status = 'completed' ORDER BY last_transition_at DESC LIMIT 1`).
		Scan(&lastDone)
	if err == nil {
		if counts.LastProcessed, err = parseTimePtr(lastDone); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last completion: %w", err)
	}

	return counts, nil
}

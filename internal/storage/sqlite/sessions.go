package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

const sessionColumns = `id, project_path, started_at, ended_at, status, observation_count, summary_id`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var ses types.Session
	var started string
	var ended sql.NullString
	err := row.Scan(&ses.ID, &ses.ProjectPath, &started, &ended, &ses.Status,
		&ses.ObservationCount, &ses.SummaryID)
	if err != nil {
		return nil, err
	}
	if ses.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if ses.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	return &ses, nil
}

// EnsureSession creates the session row if it does not exist and returns the
// stored row either way. Sessions are created lazily on the first event that
// names an unknown id.
func (s *SQLiteStorage) EnsureSession(ctx context.Context, id, projectPath string, startedAt time.Time) (*types.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_path, started_at, status)
		VALUES (?, ?, ?, 'active')
		ON CONFLICT(id) DO NOTHING`,
		id, projectPath, formatTime(startedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns the session row, or ErrNotFound.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	ses, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return ses, nil
}

// ListSessions returns sessions most recent first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ses)
	}
	return out, rows.Err()
}

// SetSessionStatus transitions the session lifecycle.
func (s *SQLiteStorage) SetSessionStatus(ctx context.Context, id string, status types.SessionStatus, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), formatTimePtr(endedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// IncrementObservationCount bumps the per-session counter.
func (s *SQLiteStorage) IncrementObservationCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET observation_count = observation_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump observation count: %w", err)
	}
	return nil
}

// CreateSummary writes the summary and links the session to it in one
// transaction. The UNIQUE(session_id) constraint enforces one per session.
func (s *SQLiteStorage) CreateSummary(ctx context.Context, sum *types.SessionSummary) error {
	if sum.SessionID == "" {
		return fmt.Errorf("summary session id is required")
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries (id, session_id, summary, key_decisions, files_modified, concepts, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.ID, sum.SessionID, sum.Summary,
			marshalList(sum.KeyDecisions), marshalList(sum.FilesModified), marshalList(sum.Concepts),
			sum.TokenCount, formatTime(sum.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert summary: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET summary_id = ? WHERE id = ?`, sum.ID, sum.SessionID)
		if err != nil {
			return fmt.Errorf("failed to link summary: %w", err)
		}
		return nil
	})
}

// GetSummaryBySession returns the session's summary, or ErrNotFound.
func (s *SQLiteStorage) GetSummaryBySession(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	var sum types.SessionSummary
	var decisions, files, concepts, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, summary, key_decisions, files_modified, concepts, token_count, created_at
		FROM session_summaries WHERE session_id = ?`, sessionID).
		Scan(&sum.ID, &sum.SessionID, &sum.Summary, &decisions, &files, &concepts,
			&sum.TokenCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	sum.KeyDecisions = unmarshalList(decisions)
	sum.FilesModified = unmarshalList(files)
	sum.Concepts = unmarshalList(concepts)
	if sum.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &sum, nil
}

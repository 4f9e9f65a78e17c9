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

const observationColumns = `o.id, o.session_id, o.type, o.title, o.subtitle, o.narrative,
	o.facts, o.concepts, o.files_read, o.files_modified, o.tool,
	o.created_at, o.token_count, o.importance,
	o.revision_of, o.superseded_by, o.superseded_at, o.deleted_at`

func scanObservation(row interface{ Scan(...any) error }) (*types.Observation, error) {
	var (
		obs                             types.Observation
		facts, concepts, fRead, fMod    string
		createdAt                       string
		revisionOf, supersededBy        sql.NullString
		supersededAt, deletedAt         sql.NullString
	)
	err := row.Scan(&obs.ID, &obs.SessionID, &obs.Type, &obs.Title, &obs.Subtitle, &obs.Narrative,
		&facts, &concepts, &fRead, &fMod, &obs.Tool,
		&createdAt, &obs.TokenCount, &obs.Importance,
		&revisionOf, &supersededBy, &supersededAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	obs.Facts = unmarshalList(facts)
	obs.Concepts = unmarshalList(concepts)
	obs.FilesRead = unmarshalList(fRead)
	obs.FilesModified = unmarshalList(fMod)
	obs.RevisionOf = revisionOf.String
	obs.SupersededBy = supersededBy.String

	if obs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if obs.SupersededAt, err = parseTimePtr(supersededAt); err != nil {
		return nil, err
	}
	if obs.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, err
	}
	return &obs, nil
}

// filterClauses translates an ObservationFilter into WHERE fragments over
// alias "o". Shared by list, count, search, and similarity reads so the
// current-row predicate cannot drift between paths.
func filterClauses(f types.ObservationFilter) (clauses []string, args []any) {
	switch f.EffectiveState() {
	case types.StateCurrent:
		clauses = append(clauses, "o.superseded_by IS NULL AND o.deleted_at IS NULL")
	case types.StateSuperseded:
		clauses = append(clauses, "o.superseded_by IS NOT NULL AND o.deleted_at IS NULL")
	case types.StateTombstoned:
		clauses = append(clauses, "o.deleted_at IS NOT NULL")
	case types.StateAll:
		// no predicate
	}

	if allowed := f.AllowedTypes(); len(allowed) > 0 {
		placeholders := make([]string, len(allowed))
		for i, t := range allowed {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, fmt.Sprintf("o.type IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.SessionID != "" {
		clauses = append(clauses, "o.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.MinImport > 0 {
		clauses = append(clauses, "o.importance >= ?")
		args = append(args, f.MinImport)
	}
	if f.MaxImport > 0 {
		clauses = append(clauses, "o.importance <= ?")
		args = append(args, f.MaxImport)
	}
	if f.Since != nil {
		clauses = append(clauses, "o.created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "o.created_at <= ?")
		args = append(args, formatTime(*f.Until))
	}
	for _, c := range f.Concepts {
		clauses = append(clauses, "o.concepts LIKE ?")
		args = append(args, `%"`+c+`"%`)
	}
	for _, file := range f.Files {
		clauses = append(clauses, "(o.files_read LIKE ? OR o.files_modified LIKE ?)")
		pat := `%"` + file + `"%`
		args = append(args, pat, pat)
	}
	return clauses, args
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// CreateObservation persists the observation, its FTS row, and optionally its
// embedding in a single transaction.
func (s *SQLiteStorage) CreateObservation(ctx context.Context, obs *types.Observation, emb *types.Embedding) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (
				id, session_id, type, title, subtitle, narrative,
				facts, concepts, files_read, files_modified, tool,
				created_at, token_count, importance, revision_of
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			obs.ID, obs.SessionID, string(obs.Type), obs.Title, obs.Subtitle, obs.Narrative,
			marshalList(obs.Facts), marshalList(obs.Concepts),
			marshalList(obs.FilesRead), marshalList(obs.FilesModified), obs.Tool,
			formatTime(obs.CreatedAt), obs.TokenCount, obs.Importance,
			nullable(obs.RevisionOf))
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}

		if s.fts {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO observations_fts (rowid, title, narrative, concepts)
				SELECT rowid, title, narrative, concepts FROM observations WHERE id = ?`,
				obs.ID)
			if err != nil {
				return fmt.Errorf("failed to index observation: %w", err)
			}
		}

		if emb != nil && len(emb.Vector) > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO embeddings (observation_id, vector, dim, model)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(observation_id) DO UPDATE SET vector=excluded.vector, dim=excluded.dim, model=excluded.model`,
				obs.ID, encodeVector(emb.Vector), len(emb.Vector), emb.Model)
			if err != nil {
				return fmt.Errorf("failed to write embedding: %w", err)
			}
		}
		return nil
	})
}

// GetObservation returns the row regardless of lineage state; callers that
// need the current-only view filter via List.
func (s *SQLiteStorage) GetObservation(ctx context.Context, id string) (*types.Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations o WHERE o.id = ?`, id)
	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation: %w", err)
	}
	return obs, nil
}

// ListObservations returns rows matching the filter, most recent first.
func (s *SQLiteStorage) ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	clauses, args := filterClauses(filter)
	query := `SELECT ` + observationColumns + ` FROM observations o` + whereSQL(clauses) +
		` ORDER BY o.created_at DESC, o.id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// CountObservations counts rows matching the filter.
func (s *SQLiteStorage) CountObservations(ctx context.Context, filter types.ObservationFilter) (int, error) {
	clauses, args := filterClauses(filter)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observations o`+whereSQL(clauses), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// Supersede atomically links old → new. The old row must be current and the
// new row must exist; the new row records its predecessor.
func (s *SQLiteStorage) Supersede(ctx context.Context, oldID, newID string) error {
	now := formatTime(time.Now().UTC())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE observations SET superseded_by = ?, superseded_at = ?
			WHERE id = ? AND superseded_by IS NULL AND deleted_at IS NULL`,
			newID, now, oldID)
		if err != nil {
			return fmt.Errorf("failed to supersede: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// Distinguish missing from already-superseded for the caller.
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM observations WHERE id = ?`, oldID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check observation: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("observation %s: %w", oldID, storage.ErrNotFound)
			}
			return fmt.Errorf("observation %s: %w", oldID, storage.ErrNotCurrent)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE observations SET revision_of = ? WHERE id = ?`, oldID, newID)
		if err != nil {
			return fmt.Errorf("failed to set revision edge: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("observation %s: %w", newID, storage.ErrNotFound)
		}
		return nil
	})
}

// Tombstone soft-deletes the given rows. Missing ids are ignored.
func (s *SQLiteStorage) Tombstone(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now().UTC())
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE observations SET deleted_at = ? WHERE id IN (%s) AND deleted_at IS NULL`,
			strings.Join(placeholders, ",")), args...)
	if err != nil {
		return fmt.Errorf("failed to tombstone observations: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

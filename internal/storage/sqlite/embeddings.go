package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// SetEmbedding writes or replaces the vector for an observation.
func (s *SQLiteStorage) SetEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding for observation %s", id)
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observations WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check observation: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("observation %s: %w", id, storage.ErrNotFound)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (observation_id, vector, dim, model)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(observation_id) DO UPDATE SET vector=excluded.vector, dim=excluded.dim, model=excluded.model`,
		id, encodeVector(vec), len(vec), model)
	if err != nil {
		return fmt.Errorf("failed to set embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored vector, or ErrNotFound.
func (s *SQLiteStorage) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE observation_id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding for %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return decodeVector(blob), nil
}

// FindSimilar scans embeddings of current observations and returns those with
// cosine ≥ minCosine, best first. There is no ANN index; corpora at the
// engine's scale (≤50k rows) scan in well under the latency budget.
func (s *SQLiteStorage) FindSimilar(ctx context.Context, vec []float32, typ types.ObservationType, minCosine float64, limit int) ([]*storage.SimilarHit, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT e.observation_id, e.vector
		FROM embeddings e
		JOIN observations o ON o.id = e.observation_id
		WHERE o.superseded_by IS NULL AND o.deleted_at IS NULL AND e.dim = ?`
	args := []any{len(vec)}
	if typ != "" {
		query += ` AND o.type = ?`
		args = append(args, string(typ))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id  string
		cos float64
	}
	var candidates []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if cos := cosine(vec, decodeVector(blob)); cos >= minCosine {
			candidates = append(candidates, scored{id, cos})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].cos > candidates[j].cos })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]*storage.SimilarHit, 0, len(candidates))
	for _, c := range candidates {
		obs, err := s.GetObservation(ctx, c.id)
		if err != nil {
			return nil, err
		}
		hits = append(hits, &storage.SimilarHit{Observation: obs, Cosine: c.cos})
	}
	return hits, nil
}

// ObservationsMissingEmbedding returns current rows with no stored vector,
// oldest first, for the rebuild maintenance action.
func (s *SQLiteStorage) ObservationsMissingEmbedding(ctx context.Context, limit int) ([]*types.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations o
		LEFT JOIN embeddings e ON e.observation_id = o.id
		WHERE e.observation_id IS NULL
		  AND o.superseded_by IS NULL AND o.deleted_at IS NULL
		ORDER BY o.created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded observations: %w", err)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// EmbeddingCount reports how many vectors are stored.
func (s *SQLiteStorage) EmbeddingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

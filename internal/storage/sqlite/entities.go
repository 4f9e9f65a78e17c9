package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/types"
)

// UpsertEntity inserts the entity if it is new and returns the stored row.
// (name, kind) is the natural key.
func (s *SQLiteStorage) UpsertEntity(ctx context.Context, name, kind string) (*types.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("entity name is required")
	}
	if kind == "" {
		kind = "concept"
	}

	ent := &types.Entity{
		ID:        idgen.Deterministic(idgen.PrefixEntity, name, kind),
		Name:      name,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, kind, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, kind) DO NOTHING`,
		ent.ID, ent.Name, ent.Kind, formatTime(ent.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}
	return ent, nil
}

// AddRelation records a typed edge between two entities with its evidencing
// observation.
func (s *SQLiteStorage) AddRelation(ctx context.Context, rel *types.Relation) error {
	if rel.ID == "" {
		rel.ID = idgen.New(idgen.PrefixRelation, rel.FromID, rel.ToID, rel.Kind)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_relations (id, from_id, to_id, kind, observation_id)
		VALUES (?, ?, ?, ?, ?)`,
		rel.ID, rel.FromID, rel.ToID, rel.Kind, rel.ObservationID)
	if err != nil {
		return fmt.Errorf("failed to add relation: %w", err)
	}
	return nil
}

// FindEntitiesByName matches entity names case-insensitively.
func (s *SQLiteStorage) FindEntitiesByName(ctx context.Context, names []string) ([]*types.Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "LOWER(?)"
		args[i] = n
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, kind, created_at FROM entities
		WHERE LOWER(name) IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		var ent types.Entity
		var created string
		if err := rows.Scan(&ent.ID, &ent.Name, &ent.Kind, &created); err != nil {
			return nil, err
		}
		if ent.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &ent)
	}
	return out, rows.Err()
}

// ObservationIDsNearEntities walks relations breadth-first up to maxHops from
// the seed entities and collects the observation ids that evidenced the
// traversed edges.
func (s *SQLiteStorage) ObservationIDsNearEntities(ctx context.Context, entityIDs []string, maxHops int) ([]string, error) {
	if len(entityIDs) == 0 || maxHops <= 0 {
		return nil, nil
	}

	frontier := entityIDs
	visited := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		visited[id] = true
	}
	obsSeen := make(map[string]bool)
	var obsIDs []string

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		placeholders := make([]string, len(frontier))
		args := make([]any, 0, len(frontier)*2)
		for i, id := range frontier {
			placeholders[i] = "?"
			args = append(args, id)
		}
		in := strings.Join(placeholders, ",")
		// Both directions; mirror the args for the second IN.
		for _, id := range frontier {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT from_id, to_id, observation_id FROM entity_relations
			WHERE from_id IN (%s) OR to_id IN (%s)`, in, in), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to walk relations: %w", err)
		}

		var next []string
		for rows.Next() {
			var from, to, obsID string
			if err := rows.Scan(&from, &to, &obsID); err != nil {
				rows.Close()
				return nil, err
			}
			if !obsSeen[obsID] {
				obsSeen[obsID] = true
				obsIDs = append(obsIDs, obsID)
			}
			for _, id := range []string{from, to} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		frontier = next
	}
	return obsIDs, nil
}

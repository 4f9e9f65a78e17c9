// Package entity populates the optional entity/relation graph from committed
// observations. Extraction is deterministic — concepts and files become
// typed nodes, co-occurrence in one observation becomes edges — and runs
// best-effort after commit so it can never block or fail the write path.
package entity

import (
	"context"
	"log/slog"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// Entity kinds produced by extraction.
const (
	KindConcept = "concept"
	KindFile    = "file"
)

// relation kind for co-occurrence edges.
const kindMentions = "mentions"

// Extractor writes entities and relations for observations.
type Extractor struct {
	store storage.EntityStore
}

// New creates an extractor.
func New(store storage.EntityStore) *Extractor {
	return &Extractor{store: store}
}

// Extract upserts an entity per concept and per touched file, then links
// each concept to each file with an edge evidenced by the observation.
// Errors are logged and swallowed.
func (e *Extractor) Extract(ctx context.Context, obs *types.Observation) {
	var concepts, files []*types.Entity

	for _, name := range obs.Concepts {
		ent, err := e.store.UpsertEntity(ctx, name, KindConcept)
		if err != nil {
			slog.Warn("entity upsert failed", "name", name, "error", err)
			continue
		}
		concepts = append(concepts, ent)
	}

	paths := append(append([]string{}, obs.FilesRead...), obs.FilesModified...)
	for _, path := range paths {
		ent, err := e.store.UpsertEntity(ctx, path, KindFile)
		if err != nil {
			slog.Warn("entity upsert failed", "name", path, "error", err)
			continue
		}
		files = append(files, ent)
	}

	for _, c := range concepts {
		for _, f := range files {
			rel := &types.Relation{
				FromID:        c.ID,
				ToID:          f.ID,
				Kind:          kindMentions,
				ObservationID: obs.ID,
			}
			if err := e.store.AddRelation(ctx, rel); err != nil {
				slog.Warn("relation insert failed", "from", c.Name, "to", f.Name, "error", err)
			}
		}
	}
}

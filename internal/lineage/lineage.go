// Package lineage maintains the supersedes / tombstone edges between
// observations. It is the sole writer of those edges; every other component
// reads through the "current" predicate the store enforces.
package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// maxChainLength bounds lineage walks. Supersedes edges form a DAG by
// construction, but a corrupted import could loop; the bound turns that into
// an error instead of a hang.
const maxChainLength = 1000

// Manager wraps a store with lineage operations.
type Manager struct {
	store storage.ObservationStore
}

// New creates a lineage manager over the store.
func New(store storage.ObservationStore) *Manager {
	return &Manager{store: store}
}

// Supersede replaces old with new. The store enforces atomicity and rejects
// non-current targets with storage.ErrNotCurrent.
func (m *Manager) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return fmt.Errorf("observation cannot supersede itself: %s", oldID)
	}
	return m.store.Supersede(ctx, oldID, newID)
}

// Tombstone soft-deletes the given observations.
func (m *Manager) Tombstone(ctx context.Context, ids []string) error {
	return m.store.Tombstone(ctx, ids)
}

// GetLineage returns the full revision chain containing id, oldest first.
// Walks tolerate missing predecessors: a dangling edge ends the walk rather
// than failing it.
func (m *Manager) GetLineage(ctx context.Context, id string) ([]*types.Observation, error) {
	start, err := m.store.GetObservation(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk backward to the root.
	root := start
	seen := map[string]bool{root.ID: true}
	for root.RevisionOf != "" {
		if len(seen) > maxChainLength {
			return nil, fmt.Errorf("lineage chain for %s exceeds %d links", id, maxChainLength)
		}
		prev, err := m.store.GetObservation(ctx, root.RevisionOf)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if seen[prev.ID] {
			return nil, fmt.Errorf("lineage cycle detected at %s", prev.ID)
		}
		seen[prev.ID] = true
		root = prev
	}

	// Walk forward from the root.
	chain := []*types.Observation{root}
	node := root
	for node.SupersededBy != "" {
		if len(chain) > maxChainLength {
			return nil, fmt.Errorf("lineage chain for %s exceeds %d links", id, maxChainLength)
		}
		next, err := m.store.GetObservation(ctx, node.SupersededBy)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		node = next
	}
	return chain, nil
}

// RevisionDiff summarizes what changed between two revisions.
type RevisionDiff struct {
	AddedConcepts    []string `json:"added_concepts,omitempty"`
	RemovedConcepts  []string `json:"removed_concepts,omitempty"`
	AddedFiles       []string `json:"added_files,omitempty"`
	RemovedFiles     []string `json:"removed_files,omitempty"`
	TitleChanged     bool     `json:"title_changed"`
	NarrativeChanged bool     `json:"narrative_changed"`
	ImportanceDelta  int      `json:"importance_delta"`
}

// GetRevisionDiff compares observation a against b (a older, b newer).
func (m *Manager) GetRevisionDiff(ctx context.Context, aID, bID string) (*RevisionDiff, error) {
	a, err := m.store.GetObservation(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := m.store.GetObservation(ctx, bID)
	if err != nil {
		return nil, err
	}

	diff := &RevisionDiff{
		TitleChanged:     a.Title != b.Title,
		NarrativeChanged: a.Narrative != b.Narrative,
		ImportanceDelta:  b.Importance - a.Importance,
	}
	diff.AddedConcepts, diff.RemovedConcepts = setDiff(a.Concepts, b.Concepts)

	aFiles := append(append([]string{}, a.FilesRead...), a.FilesModified...)
	bFiles := append(append([]string{}, b.FilesRead...), b.FilesModified...)
	diff.AddedFiles, diff.RemovedFiles = setDiff(aFiles, bFiles)
	return diff, nil
}

// setDiff returns (in b but not a, in a but not b).
func setDiff(a, b []string) (added, removed []string) {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
		if !inA[s] {
			added = append(added, s)
		}
	}
	for _, s := range a {
		if !inB[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}

// Package storage defines the interface for the engine's persistent store.
// The store owns every persisted row; higher layers (queue, lineage, search)
// compose its primitives and never touch the database directly.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/clopca/open-mem/internal/types"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrNotFound is returned for reads of missing ids.
	ErrNotFound = errors.New("record not found")

	// ErrNotCurrent is returned when a lineage write targets a superseded
	// or tombstoned row.
	ErrNotCurrent = errors.New("observation is not current")

	// ErrDuplicateCallID is returned when (session id, call id) already
	// exists in the pending queue.
	ErrDuplicateCallID = errors.New("duplicate call id")
)

// SearchHit is one full-text match with its snippet and raw FTS rank.
// Lower Rank is better (bm25 weight); the search engine only consumes the
// ordering.
type SearchHit struct {
	Observation *types.Observation
	Snippet     string
	Rank        float64
}

// SimilarHit is one embedding-space neighbor.
type SimilarHit struct {
	Observation *types.Observation
	Cosine      float64
}

// JobCounts aggregates the pending-job table for operational endpoints.
type JobCounts struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	LastError     string     `json:"last_error,omitempty"`
	LastProcessed *time.Time `json:"last_processed,omitempty"`
	LastFailed    *time.Time `json:"last_failed,omitempty"`
}

// Stats summarizes the store for dashboards and the stats CLI verb.
type Stats struct {
	Observations int       `json:"observations"`
	Current      int       `json:"current"`
	Superseded   int       `json:"superseded"`
	Tombstoned   int       `json:"tombstoned"`
	Sessions     int       `json:"sessions"`
	Summaries    int       `json:"summaries"`
	Entities     int       `json:"entities"`
	Embeddings   int       `json:"embeddings"`
	Jobs         JobCounts `json:"jobs"`
	DBSizeBytes  int64     `json:"db_size_bytes"`
}

// Store is the full persistence surface. A second instance with the same
// schema backs the optional cross-project user-memory scope.
type Store interface {
	ObservationStore
	JobStore
	SessionStore
	EntityStore
	MaintenanceStore

	Close() error
}

// ObservationStore covers observation rows, their FTS index, and embeddings.
type ObservationStore interface {
	// CreateObservation persists the observation and its FTS row, plus the
	// embedding when emb is non-nil, in one transaction.
	CreateObservation(ctx context.Context, obs *types.Observation, emb *types.Embedding) error

	GetObservation(ctx context.Context, id string) (*types.Observation, error)
	ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error)
	CountObservations(ctx context.Context, filter types.ObservationFilter) (int, error)

	// SearchObservations runs a tokenized full-text match over title,
	// narrative, and concepts of rows passing the filter predicate.
	SearchObservations(ctx context.Context, query string, filter types.ObservationFilter, limit int) ([]*SearchHit, error)

	SetEmbedding(ctx context.Context, id string, vec []float32, model string) error
	GetEmbedding(ctx context.Context, id string) ([]float32, error)

	// FindSimilar returns current observations whose embedding cosine to vec
	// is at least minCosine, best first. An empty type matches any type.
	FindSimilar(ctx context.Context, vec []float32, typ types.ObservationType, minCosine float64, limit int) ([]*SimilarHit, error)

	// ObservationsMissingEmbedding feeds the rebuild maintenance action.
	ObservationsMissingEmbedding(ctx context.Context, limit int) ([]*types.Observation, error)

	// Supersede atomically sets old.superseded_by, old.superseded_at, and
	// new.revision_of. Fails with ErrNotCurrent if old is not current.
	Supersede(ctx context.Context, oldID, newID string) error

	// Tombstone soft-deletes the given rows.
	Tombstone(ctx context.Context, ids []string) error
}

// JobStore is the durable FIFO beneath the ingestion queue. The queue owns
// all state transitions; these primitives enforce them.
type JobStore interface {
	// EnqueueJob inserts a pending row; ErrDuplicateCallID when the
	// (session id, call id) pair already exists.
	EnqueueJob(ctx context.Context, job *types.PendingJob) error

	// ClaimPendingJobs transitions up to limit pending rows to processing in
	// FIFO order and returns them.
	ClaimPendingJobs(ctx context.Context, limit int) ([]*types.PendingJob, error)

	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, reason string) error

	// ReleaseJob returns a processing row to pending, preserving its
	// queue position. Attempts are counted on claim, not on release.
	ReleaseJob(ctx context.Context, id string) error

	// RecoverStaleJobs resets processing rows older than threshold back to
	// pending. Returns how many rows were recovered.
	RecoverStaleJobs(ctx context.Context, threshold time.Duration) (int, error)

	GetJob(ctx context.Context, id string) (*types.PendingJob, error)
	PendingJobCount(ctx context.Context) (int, error)
	JobCounts(ctx context.Context) (*JobCounts, error)
}

// SessionStore covers sessions and their summaries.
type SessionStore interface {
	// EnsureSession creates the session row if it does not exist yet.
	EnsureSession(ctx context.Context, id, projectPath string, startedAt time.Time) (*types.Session, error)

	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*types.Session, error)
	SetSessionStatus(ctx context.Context, id string, status types.SessionStatus, endedAt *time.Time) error
	IncrementObservationCount(ctx context.Context, id string) error

	// CreateSummary writes the summary and points session.summary_id at it,
	// in one transaction. At most one summary per session.
	CreateSummary(ctx context.Context, sum *types.SessionSummary) error
	GetSummaryBySession(ctx context.Context, sessionID string) (*types.SessionSummary, error)
}

// EntityStore is the optional entity/relation graph used to widen recall.
type EntityStore interface {
	UpsertEntity(ctx context.Context, name, kind string) (*types.Entity, error)
	AddRelation(ctx context.Context, rel *types.Relation) error
	FindEntitiesByName(ctx context.Context, names []string) ([]*types.Entity, error)

	// ObservationIDsNearEntities walks relations up to maxHops from the seed
	// entities and returns evidencing observation ids.
	ObservationIDsNearEntities(ctx context.Context, entityIDs []string, maxHops int) ([]string, error)
}

// MaintenanceStore backs the clean/rebuild/export verbs.
type MaintenanceStore interface {
	Stats(ctx context.Context) (*Stats, error)

	// PurgeTombstones hard-deletes tombstoned rows older than cutoff.
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error)
	Vacuum(ctx context.Context) error
	RebuildFTS(ctx context.Context) error

	ExportJSONL(ctx context.Context, w io.Writer) error
	ImportJSONL(ctx context.Context, r io.Reader) (int, error)
}

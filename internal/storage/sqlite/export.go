package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// exportRecord is one JSONL interchange line. Kind discriminates the payload;
// exactly one payload field is set per line.
type exportRecord struct {
	Kind        string                `json:"kind"`
	Session     *types.Session        `json:"session,omitempty"`
	Observation *types.Observation    `json:"observation,omitempty"`
	Embedding   *types.Embedding      `json:"embedding,omitempty"`
	Summary     *types.SessionSummary `json:"summary,omitempty"`
}

const (
	recordSession     = "session"
	recordObservation = "observation"
	recordEmbedding   = "embedding"
	recordSummary     = "summary"
)

// ExportJSONL writes the full store — sessions, all observations including
// superseded and tombstoned rows, embeddings, summaries — as one JSON object
// per line. Lineage edges ride along on the observation rows, so import
// reproduces the DAG without a second pass.
func (s *SQLiteStorage) ExportJSONL(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	sessions, err := s.ListSessions(ctx, 1<<30)
	if err != nil {
		return err
	}
	for _, ses := range sessions {
		if err := enc.Encode(exportRecord{Kind: recordSession, Session: ses}); err != nil {
			return fmt.Errorf("failed to export session: %w", err)
		}
	}

	observations, err := s.ListObservations(ctx, types.ObservationFilter{State: types.StateAll})
	if err != nil {
		return err
	}
	for _, obs := range observations {
		if err := enc.Encode(exportRecord{Kind: recordObservation, Observation: obs}); err != nil {
			return fmt.Errorf("failed to export observation: %w", err)
		}
		vec, err := s.GetEmbedding(ctx, obs.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		emb := &types.Embedding{ObservationID: obs.ID, Vector: vec}
		if err := enc.Encode(exportRecord{Kind: recordEmbedding, Embedding: emb}); err != nil {
			return fmt.Errorf("failed to export embedding: %w", err)
		}
	}

	for _, ses := range sessions {
		sum, err := s.GetSummaryBySession(ctx, ses.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(exportRecord{Kind: recordSummary, Summary: sum}); err != nil {
			return fmt.Errorf("failed to export summary: %w", err)
		}
	}

	return bw.Flush()
}

// ImportJSONL reads an export stream into the store and returns how many
// records landed. Observations import with their lineage edges intact;
// records whose id already exists are skipped so imports are idempotent.
func (s *SQLiteStorage) ImportJSONL(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)

	// Lineage edges reference rows that may appear later in the stream, so
	// observations insert raw (edges included) rather than through
	// CreateObservation + Supersede.
	imported := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return imported, fmt.Errorf("line %d: failed to parse record: %w", line, err)
		}

		var err error
		switch rec.Kind {
		case recordSession:
			err = s.importSession(ctx, rec.Session)
		case recordObservation:
			err = s.importObservation(ctx, rec.Observation)
		case recordEmbedding:
			if rec.Embedding != nil && len(rec.Embedding.Vector) > 0 {
				err = s.SetEmbedding(ctx, rec.Embedding.ObservationID, rec.Embedding.Vector, rec.Embedding.Model)
				if errors.Is(err, storage.ErrNotFound) {
					err = nil
				}
			}
		case recordSummary:
			err = s.importSummary(ctx, rec.Summary)
		default:
			return imported, fmt.Errorf("line %d: unknown record kind %q", line, rec.Kind)
		}
		if err != nil {
			return imported, fmt.Errorf("line %d: %w", line, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("failed to read import stream: %w", err)
	}
	return imported, nil
}

func (s *SQLiteStorage) importSession(ctx context.Context, ses *types.Session) error {
	if ses == nil {
		return fmt.Errorf("session record missing payload")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_path, started_at, ended_at, status, observation_count, summary_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ses.ID, ses.ProjectPath, formatTime(ses.StartedAt), formatTimePtr(ses.EndedAt),
		string(ses.Status), ses.ObservationCount, ses.SummaryID)
	if err != nil {
		return fmt.Errorf("failed to import session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) importObservation(ctx context.Context, obs *types.Observation) error {
	if obs == nil {
		return fmt.Errorf("observation record missing payload")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (
			id, session_id, type, title, subtitle, narrative,
			facts, concepts, files_read, files_modified, tool,
			created_at, token_count, importance,
			revision_of, superseded_by, superseded_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		obs.ID, obs.SessionID, string(obs.Type), obs.Title, obs.Subtitle, obs.Narrative,
		marshalList(obs.Facts), marshalList(obs.Concepts),
		marshalList(obs.FilesRead), marshalList(obs.FilesModified), obs.Tool,
		formatTime(obs.CreatedAt), obs.TokenCount, obs.Importance,
		nullable(obs.RevisionOf), nullable(obs.SupersededBy),
		formatTimePtr(obs.SupersededAt), formatTimePtr(obs.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to import observation: %w", err)
	}

	// A skipped duplicate is already indexed.
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if s.fts {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO observations_fts (rowid, title, narrative, concepts)
			SELECT rowid, title, narrative, concepts FROM observations WHERE id = ?`,
			obs.ID)
		if err != nil {
			return fmt.Errorf("failed to index imported observation: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) importSummary(ctx context.Context, sum *types.SessionSummary) error {
	if sum == nil {
		return fmt.Errorf("summary record missing payload")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (id, session_id, summary, key_decisions, files_modified, concepts, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sum.ID, sum.SessionID, sum.Summary,
		marshalList(sum.KeyDecisions), marshalList(sum.FilesModified), marshalList(sum.Concepts),
		sum.TokenCount, formatTime(sum.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to import summary: %w", err)
	}
	return nil
}

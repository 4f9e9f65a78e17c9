package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// SearchObservations runs a tokenized full-text match over title, narrative,
// and concepts. Results come back best-first (ascending bm25 weight).
func (s *SQLiteStorage) SearchObservations(ctx context.Context, query string, filter types.ObservationFilter, limit int) ([]*storage.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if !s.fts {
		return s.searchLike(ctx, query, filter, limit)
	}

	clauses, args := filterClauses(filter)
	sqlQuery := `
		SELECT ` + observationColumns + `,
			snippet(observations_fts, 1, '[', ']', '…', 12),
			bm25(observations_fts)
		FROM observations_fts
		JOIN observations o ON o.rowid = observations_fts.rowid
		WHERE observations_fts MATCH ?` +
		strings.Join(appendPrefixed(clauses), "") + `
		ORDER BY bm25(observations_fts) LIMIT ?`

	allArgs := append([]any{match}, args...)
	allArgs = append(allArgs, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to search observations: %w", err)
	}
	defer rows.Close()

	var hits []*storage.SearchHit
	for rows.Next() {
		hit, err := scanSearchHit(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func appendPrefixed(clauses []string) []string {
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = " AND " + c
	}
	return out
}

func scanSearchHit(rows interface{ Scan(...any) error }) (*storage.SearchHit, error) {
	// Reuse the observation scanner by widening the column list manually.
	var hit storage.SearchHit
	var (
		obs                                     types.Observation
		facts, concepts, fRead, fMod, createdAt string
		revisionOf, supersededBy                sql.NullString
		supersededAt, deletedAt                 sql.NullString
	)
	err := rows.Scan(&obs.ID, &obs.SessionID, &obs.Type, &obs.Title, &obs.Subtitle, &obs.Narrative,
		&facts, &concepts, &fRead, &fMod, &obs.Tool,
		&createdAt, &obs.TokenCount, &obs.Importance,
		&revisionOf, &supersededBy, &supersededAt, &deletedAt,
		&hit.Snippet, &hit.Rank)
	if err != nil {
		return nil, fmt.Errorf("failed to scan search hit: %w", err)
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
	hit.Observation = &obs
	return &hit, nil
}

// searchLike is the degraded path when the FTS5 module is unavailable.
func (s *SQLiteStorage) searchLike(ctx context.Context, query string, filter types.ObservationFilter, limit int) ([]*storage.SearchHit, error) {
	clauses, args := filterClauses(filter)
	var likeParts []string
	for _, tok := range tokenize(query) {
		likeParts = append(likeParts, "(o.title LIKE ? OR o.narrative LIKE ? OR o.concepts LIKE ?)")
		pat := "%" + tok + "%"
		args = append(args, pat, pat, pat)
	}
	if len(likeParts) == 0 {
		return nil, nil
	}
	clauses = append(clauses, "("+strings.Join(likeParts, " OR ")+")")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observations o`+whereSQL(clauses)+
			` ORDER BY o.created_at DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to search observations: %w", err)
	}
	defer rows.Close()

	var hits []*storage.SearchHit
	rank := 0.0
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		rank++
		hits = append(hits, &storage.SearchHit{Observation: obs, Snippet: obs.Title, Rank: rank})
	}
	return hits, rows.Err()
}

// tokenize splits query text into lowercase alphanumeric terms.
func tokenize(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// buildMatchQuery converts free text into a safe FTS5 expression: each term
// quoted, prefix-matched, OR-combined. Quoting neutralizes FTS5 operators in
// user input.
func buildMatchQuery(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = `"` + tok + `"*`
	}
	return strings.Join(parts, " OR ")
}

// RebuildFTS re-derives the full-text index from the observations table.
func (s *SQLiteStorage) RebuildFTS(ctx context.Context) error {
	if !s.fts {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations_fts(observations_fts) VALUES('rebuild')`)
	if err != nil {
		return fmt.Errorf("failed to rebuild fts index: %w", err)
	}
	return nil
}

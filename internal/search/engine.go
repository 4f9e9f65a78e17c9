// Package search implements hybrid retrieval over the store: full-text rank
// and vector similarity fused by reciprocal rank, optionally widened by the
// entity graph and the cross-project user-memory store, optionally reordered
// by an LLM reranker. Every result carries an explain record naming the
// signals that matched it. The engine holds no state between calls.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// Strategy labels how a query was served.
type Strategy string

const (
	StrategyHybrid     Strategy = "hybrid"
	StrategyFilterOnly Strategy = "filter-only"
)

// Explain attributes a result to the signals that produced it.
type Explain struct {
	MatchedBy []string           `json:"matched_by"`
	Signals   map[string]float64 `json:"signals,omitempty"`
	RRFScore  float64            `json:"rrf_score"`
}

// Result is one ranked search hit.
type Result struct {
	Observation *types.Observation `json:"observation"`
	Snippet     string             `json:"snippet,omitempty"`
	Rank        float64            `json:"rank"`
	Strategy    Strategy           `json:"strategy"`
	Explain     Explain            `json:"explain"`
}

// Options gate the optional signals.
type Options struct {
	GraphEnabled  bool
	RerankEnabled bool
	// RerankThreshold is the fused-candidate count above which the reranker
	// runs.
	RerankThreshold int
	// RerankWindow caps how many fused candidates are shown to the model.
	RerankWindow int
}

// Engine wires the retrieval signals together.
type Engine struct {
	store     storage.Store
	userStore storage.Store // optional cross-project scope
	embedder  llm.Embedder  // optional
	reranker  llm.Completer // optional
	opts      Options
}

// signalLimit is how deep each individual signal reaches before fusion.
const signalLimit = 50

// minVectorCosine floors the KNN signal; below this, neighbors are noise.
const minVectorCosine = 0.25

// New creates a search engine. userStore, embedder, and reranker may be nil.
func New(store storage.Store, userStore storage.Store, embedder llm.Embedder, reranker llm.Completer, opts Options) *Engine {
	if opts.RerankThreshold <= 0 {
		opts.RerankThreshold = 5
	}
	if opts.RerankWindow <= 0 {
		opts.RerankWindow = 20
	}
	return &Engine{store: store, userStore: userStore, embedder: embedder, reranker: reranker, opts: opts}
}

// SetOptions applies live config changes.
func (e *Engine) SetOptions(opts Options) {
	if opts.RerankThreshold <= 0 {
		opts.RerankThreshold = 5
	}
	if opts.RerankWindow <= 0 {
		opts.RerankWindow = 20
	}
	e.opts = opts
}

// Search runs the hybrid query. An empty query is served by a direct
// filtered scan, whether or not the filter constrains anything.
func (e *Engine) Search(ctx context.Context, query string, filter types.ObservationFilter, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return e.filterOnly(ctx, filter, limit)
	}

	lists, err := e.gatherSignals(ctx, query, filter)
	if err != nil {
		return nil, err
	}

	fusedList := fuse(lists)
	if len(fusedList) > limit {
		fusedList = fusedList[:limit]
	}

	signalCount := len(lists)
	results := make([]*Result, 0, len(fusedList))
	for _, f := range fusedList {
		results = append(results, &Result{
			Observation: f.obs,
			Snippet:     f.snippet,
			Rank:        normalizeRank(f.rrfScore, signalCount),
			Strategy:    StrategyHybrid,
			Explain: Explain{
				MatchedBy: dedupeStrings(f.matchedBy),
				Signals:   f.signals,
				RRFScore:  f.rrfScore,
			},
		})
	}

	if e.opts.RerankEnabled && e.reranker != nil && len(results) > e.opts.RerankThreshold {
		results = e.rerank(ctx, query, results)
	}
	return results, nil
}

// gatherSignals runs the retrieval signals concurrently and returns the
// non-empty ranked lists.
func (e *Engine) gatherSignals(ctx context.Context, query string, filter types.ObservationFilter) ([]rankedList, error) {
	var (
		ftsList, vecList, graphList, userList rankedList
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := e.store.SearchObservations(gctx, query, filter, signalLimit)
		if err != nil {
			return fmt.Errorf("fts signal: %w", err)
		}
		ftsList = rankedList{signal: SignalFTS}
		for _, h := range hits {
			ftsList.entries = append(ftsList.entries, rankedEntry{obs: h.Observation, snippet: h.Snippet, score: h.Rank})
		}
		return nil
	})

	if e.embedder != nil && e.embedder.Dimension() > 0 {
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, query)
			if err != nil {
				// Vector search is additive; embedding failures degrade to
				// the remaining signals.
				slog.Warn("query embedding failed, skipping vector signal", "error", err)
				return nil
			}
			hits, err := e.store.FindSimilar(gctx, vec, "", minVectorCosine, signalLimit)
			if err != nil {
				return fmt.Errorf("vector signal: %w", err)
			}
			vecList = rankedList{signal: SignalVector}
			for _, h := range hits {
				if !matchesFilter(h.Observation, filter) {
					continue
				}
				vecList.entries = append(vecList.entries, rankedEntry{obs: h.Observation, score: h.Cosine})
			}
			return nil
		})
	}

	if e.opts.GraphEnabled {
		g.Go(func() error {
			entries, err := e.graphSignal(gctx, query, filter)
			if err != nil {
				slog.Warn("graph signal failed, skipping", "error", err)
				return nil
			}
			graphList = rankedList{signal: SignalGraph, entries: entries}
			return nil
		})
	}

	if e.userStore != nil {
		g.Go(func() error {
			hits, err := e.userStore.SearchObservations(gctx, query, filter, signalLimit)
			if err != nil {
				slog.Warn("user-memory signal failed, skipping", "error", err)
				return nil
			}
			userList = rankedList{signal: SignalUserMemory}
			for _, h := range hits {
				userList.entries = append(userList.entries, rankedEntry{obs: h.Observation, snippet: h.Snippet, score: h.Rank})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var lists []rankedList
	for _, l := range []rankedList{ftsList, vecList, graphList, userList} {
		if len(l.entries) > 0 {
			lists = append(lists, l)
		}
	}
	return lists, nil
}

// graphSignal expands query terms that name entities into observations
// within two hops, contributing a flat signal (every hit at rank 1's worth).
func (e *Engine) graphSignal(ctx context.Context, query string, filter types.ObservationFilter) ([]rankedEntry, error) {
	terms := strings.Fields(strings.ToLower(query))
	entities, err := e.store.FindEntitiesByName(ctx, terms)
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	ids := make([]string, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}
	obsIDs, err := e.store.ObservationIDsNearEntities(ctx, ids, 2)
	if err != nil {
		return nil, err
	}

	var entries []rankedEntry
	for _, id := range obsIDs {
		obs, err := e.store.GetObservation(ctx, id)
		if err != nil {
			continue // evidencing observation may have been purged
		}
		if !obs.Current() || !matchesFilter(obs, filter) {
			continue
		}
		entries = append(entries, rankedEntry{obs: obs, score: 1})
	}
	return entries, nil
}

// filterOnly serves pure-filter queries with a direct scan.
func (e *Engine) filterOnly(ctx context.Context, filter types.ObservationFilter, limit int) ([]*Result, error) {
	if filter.Limit == 0 {
		filter.Limit = limit
	}
	rows, err := e.store.ListObservations(ctx, filter)
	if err != nil {
		return nil, err
	}

	matched := []string{}
	if len(filter.Concepts) > 0 {
		matched = append(matched, SignalConcept)
	}
	if len(filter.Files) > 0 {
		matched = append(matched, SignalFile)
	}
	if len(matched) == 0 {
		matched = []string{string(StrategyFilterOnly)}
	}

	results := make([]*Result, 0, len(rows))
	for i, obs := range rows {
		results = append(results, &Result{
			Observation: obs,
			Rank:        1.0 / float64(i+1),
			Strategy:    StrategyFilterOnly,
			Explain:     Explain{MatchedBy: matched},
		})
	}
	return results, nil
}

// matchesFilter re-applies the filter predicate to rows produced by signals
// that cannot push the full filter into SQL (vector, graph).
func matchesFilter(obs *types.Observation, f types.ObservationFilter) bool {
	if allowed := f.AllowedTypes(); len(allowed) > 0 {
		ok := false
		for _, t := range allowed {
			if obs.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionID != "" && obs.SessionID != f.SessionID {
		return false
	}
	if f.MinImport > 0 && obs.Importance < f.MinImport {
		return false
	}
	if f.MaxImport > 0 && obs.Importance > f.MaxImport {
		return false
	}
	if f.Since != nil && obs.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && obs.CreatedAt.After(*f.Until) {
		return false
	}
	for _, c := range f.Concepts {
		if !containsString(obs.Concepts, c) {
			return false
		}
	}
	for _, file := range f.Files {
		if !containsString(obs.FilesRead, file) && !containsString(obs.FilesModified, file) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

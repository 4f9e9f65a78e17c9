package search

import (
	"sort"

	"github.com/clopca/open-mem/internal/types"
)

// rrfK is the reciprocal-rank-fusion constant. 60 is the standard value from
// the RRF literature; it flattens the head so no single signal dominates.
const rrfK = 60

// Signal names used in explain records.
const (
	SignalFTS        = "fts"
	SignalVector     = "vector"
	SignalGraph      = "graph"
	SignalUserMemory = "user-memory"
	SignalConcept    = "concept-filter"
	SignalFile       = "file-filter"
)

// rankedList is one signal's ordered candidates, best first. Score is the
// signal-native score kept for the explain record (bm25 weight, cosine, …).
type rankedList struct {
	signal  string
	entries []rankedEntry
}

type rankedEntry struct {
	obs     *types.Observation
	snippet string
	score   float64
}

// fused is one candidate after reciprocal-rank fusion.
type fused struct {
	obs       *types.Observation
	snippet   string
	rrfScore  float64
	matchedBy []string
	signals   map[string]float64
}

// fuse combines the signal lists with RRF(o) = Σ_s 1/(k + rank_s(o)).
// Ties break by importance, then recency. The returned list is best first.
func fuse(lists []rankedList) []*fused {
	byID := make(map[string]*fused)
	order := []string{}

	for _, list := range lists {
		for i, entry := range list.entries {
			rank := i + 1
			if list.signal == SignalGraph {
				// The graph signal is flat: every hit counts as rank 1.
				rank = 1
			}
			f, ok := byID[entry.obs.ID]
			if !ok {
				f = &fused{
					obs:     entry.obs,
					snippet: entry.snippet,
					signals: make(map[string]float64),
				}
				byID[entry.obs.ID] = f
				order = append(order, entry.obs.ID)
			}
			if f.snippet == "" {
				f.snippet = entry.snippet
			}
			f.rrfScore += 1.0 / float64(rrfK+rank)
			f.matchedBy = append(f.matchedBy, list.signal)
			f.signals[list.signal] = entry.score
		}
	}

	out := make([]*fused, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rrfScore != b.rrfScore {
			return a.rrfScore > b.rrfScore
		}
		if a.obs.Importance != b.obs.Importance {
			return a.obs.Importance > b.obs.Importance
		}
		return a.obs.CreatedAt.After(b.obs.CreatedAt)
	})
	return out
}

// normalizeRank maps an RRF score into [0,1] against the theoretical best: a
// rank-1 hit in every contributing signal.
func normalizeRank(score float64, signalCount int) float64 {
	if signalCount <= 0 {
		return 0
	}
	max := float64(signalCount) / float64(rrfK+1)
	if max == 0 {
		return 0
	}
	n := score / max
	if n > 1 {
		n = 1
	}
	return n
}

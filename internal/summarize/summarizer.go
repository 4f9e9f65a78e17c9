// Package summarize condenses a finished session's observations into one
// summary row used by context assembly.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// minObservations is the floor below which a session earns no summary.
const minObservations = 2

// Summarizer writes at most one summary per session.
type Summarizer struct {
	store     storage.Store
	completer llm.Completer // nil means deterministic summaries only
}

// New creates a summarizer. completer may be nil.
func New(store storage.Store, completer llm.Completer) *Summarizer {
	return &Summarizer{store: store, completer: completer}
}

// SummarizeSession condenses the session on session end. No-ops when the
// session has fewer than two observations or already has a summary.
func (s *Summarizer) SummarizeSession(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	ses, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ses.ObservationCount < minObservations {
		return nil, nil
	}
	if _, err := s.store.GetSummaryBySession(ctx, sessionID); err == nil {
		return nil, nil // already summarized
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	observations, err := s.store.ListObservations(ctx, types.ObservationFilter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if len(observations) < minObservations {
		return nil, nil
	}

	sum := s.deterministic(sessionID, observations)
	if s.completer != nil {
		if text, err := s.modelSummary(ctx, observations); err != nil {
			slog.Warn("model summary failed, keeping deterministic text", "session_id", sessionID, "error", err)
		} else if text != "" {
			sum.Summary = text
		}
	}
	sum.TokenCount = types.EstimateTokens(sum.Summary)

	if err := s.store.CreateSummary(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// deterministic aggregates types, concepts, files, and decision titles
// without any model call.
func (s *Summarizer) deterministic(sessionID string, observations []*types.Observation) *types.SessionSummary {
	typeCounts := make(map[types.ObservationType]int)
	conceptSet := make(map[string]bool)
	fileSet := make(map[string]bool)
	var decisions []string

	for _, obs := range observations {
		typeCounts[obs.Type]++
		for _, c := range obs.Concepts {
			conceptSet[c] = true
		}
		for _, f := range obs.FilesModified {
			fileSet[f] = true
		}
		if obs.Type == types.TypeDecision {
			decisions = append(decisions, obs.Title)
		}
	}

	var parts []string
	var typeParts []string
	for _, t := range []types.ObservationType{
		types.TypeDecision, types.TypeBugfix, types.TypeFeature,
		types.TypeRefactor, types.TypeDiscovery, types.TypeChange,
	} {
		if n := typeCounts[t]; n > 0 {
			typeParts = append(typeParts, fmt.Sprintf("%d %s", n, t))
		}
	}
	parts = append(parts, fmt.Sprintf("Session recorded %s.", strings.Join(typeParts, ", ")))
	if len(decisions) > 0 {
		parts = append(parts, "Decisions: "+strings.Join(decisions, "; ")+".")
	}
	if len(fileSet) > 0 {
		parts = append(parts, fmt.Sprintf("Touched %d files.", len(fileSet)))
	}

	return &types.SessionSummary{
		ID:            idgen.Deterministic(idgen.PrefixSummary, sessionID),
		SessionID:     sessionID,
		Summary:       strings.Join(parts, " "),
		KeyDecisions:  decisions,
		FilesModified: sortedKeys(fileSet),
		Concepts:      sortedKeys(conceptSet),
	}
}

func (s *Summarizer) modelSummary(ctx context.Context, observations []*types.Observation) (string, error) {
	var b strings.Builder
	b.WriteString("Condense this coding session into a short paragraph a future agent can act on.\n\n")
	for _, obs := range observations {
		fmt.Fprintf(&b, "- [%s] %s", obs.Type, obs.Title)
		if obs.Narrative != "" {
			fmt.Fprintf(&b, ": %s", obs.Narrative)
		}
		b.WriteString("\n")
	}
	return s.completer.Complete(ctx, "", b.String(), 512)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

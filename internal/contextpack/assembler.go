// Package contextpack assembles the prompt-ready memory blob injected at
// session start or compaction: the session's own recent observations and
// summary, widened by search hits for the session's focus, all under a hard
// token budget with progressive disclosure.
package contextpack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clopca/open-mem/internal/search"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// Options tune assembly per the live configuration.
type Options struct {
	MaxObservations  int // expansion set size
	MaxIndexEntries  int // title-only tail length
	FullBodyCount    int // leading results rendered with full bodies
	MaxContextTokens int // hard cap on the encoded blob
}

// Pack is the assembled result.
type Pack struct {
	Text        string   `json:"text"`
	IncludedIDs []string `json:"included_ids"`
	TokenCount  int      `json:"token_count"`
}

// Assembler builds packs from the store and search engine.
type Assembler struct {
	store  storage.Store
	engine *search.Engine
	opts   Options
}

// New creates an assembler.
func New(store storage.Store, engine *search.Engine, opts Options) *Assembler {
	if opts.MaxObservations <= 0 {
		opts.MaxObservations = 30
	}
	if opts.MaxIndexEntries <= 0 {
		opts.MaxIndexEntries = 100
	}
	if opts.FullBodyCount <= 0 {
		opts.FullBodyCount = 5
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 4000
	}
	return &Assembler{store: store, engine: engine, opts: opts}
}

// SetOptions applies live config changes.
func (a *Assembler) SetOptions(opts Options) {
	a.opts = New(a.store, a.engine, opts).opts
}

// section is one renderable unit. Sections are dropped from the tail until
// the pack fits the token budget; anchors sit ahead of expansions.
type section struct {
	id   string
	text string
}

// Assemble builds the pack for a session. focus seeds the expansion search;
// empty focus skips expansion.
func (a *Assembler) Assemble(ctx context.Context, sessionID, focus string) (*Pack, error) {
	var sections []section
	seen := map[string]bool{}

	// Anchor: the session's summary, then its own observations, newest first.
	if sum, err := a.store.GetSummaryBySession(ctx, sessionID); err == nil {
		sections = append(sections, section{
			id:   sum.ID,
			text: "## Session summary\n" + sum.Summary,
		})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	own, err := a.store.ListObservations(ctx, types.ObservationFilter{
		SessionID: sessionID,
		Limit:     a.opts.MaxObservations,
	})
	if err != nil {
		return nil, err
	}
	for _, obs := range own {
		seen[obs.ID] = true
		sections = append(sections, section{id: obs.ID, text: renderFull(obs)})
	}

	// Expansion: search hits for the session focus, full bodies for the
	// head, titles only for the long tail.
	if focus != "" && a.engine != nil {
		limit := a.opts.MaxObservations + a.opts.MaxIndexEntries
		results, err := a.engine.Search(ctx, focus, types.ObservationFilter{}, limit)
		if err != nil {
			return nil, err
		}
		full := 0
		index := 0
		for _, r := range results {
			obs := r.Observation
			if seen[obs.ID] {
				continue
			}
			seen[obs.ID] = true
			if full < a.opts.FullBodyCount {
				sections = append(sections, section{id: obs.ID, text: renderFull(obs)})
				full++
				continue
			}
			if index < a.opts.MaxIndexEntries {
				sections = append(sections, section{id: obs.ID, text: renderIndexLine(obs)})
				index++
			}
		}
	}

	return a.render(sections), nil
}

// render concatenates sections under the token cap, dropping from the tail.
func (a *Assembler) render(sections []section) *Pack {
	const header = "# Project memory\n"
	budget := a.opts.MaxContextTokens - types.EstimateTokens(header)

	var kept []section
	used := 0
	for _, sec := range sections {
		cost := types.EstimateTokens(sec.text) + 1
		if used+cost > budget {
			break
		}
		kept = append(kept, sec)
		used += cost
	}

	var b strings.Builder
	b.WriteString(header)
	ids := make([]string, 0, len(kept))
	for _, sec := range kept {
		b.WriteString("\n")
		b.WriteString(sec.text)
		b.WriteString("\n")
		ids = append(ids, sec.id)
	}

	text := b.String()
	return &Pack{Text: text, IncludedIDs: ids, TokenCount: types.EstimateTokens(text)}
}

func renderFull(obs *types.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s\n", obs.Type, obs.Title)
	if obs.Narrative != "" {
		b.WriteString(obs.Narrative + "\n")
	}
	for _, fact := range obs.Facts {
		b.WriteString("- " + fact + "\n")
	}
	if len(obs.FilesModified) > 0 {
		b.WriteString("Files: " + strings.Join(obs.FilesModified, ", ") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderIndexLine(obs *types.Observation) string {
	return fmt.Sprintf("- [%s] %s (%s)", obs.Type, obs.Title, obs.ID)
}

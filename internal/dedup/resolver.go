// Package dedup decides what to do with a freshly compressed observation:
// create it, skip it as a duplicate, or supersede an existing revision. The
// policy is two similarity bands over embedding cosine, with an LLM
// adjudicator consulted only inside the gray zone.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// Action is the resolver's verdict.
type Action string

const (
	// ActionCreate stores the draft as a new observation.
	ActionCreate Action = "create"
	// ActionSkip discards the draft; an equivalent observation exists.
	ActionSkip Action = "skip"
	// ActionSupersede stores the draft and retires SupersedeID.
	ActionSupersede Action = "supersede"
)

// Outcome carries the verdict plus what drove it, for logging and tests.
type Outcome struct {
	Action      Action
	SupersedeID string
	TopCosine   float64
	Adjudicated bool
}

// Options tune the resolver per the live configuration.
type Options struct {
	Enabled  bool
	LowBand  float64
	HighBand float64
}

// Resolver applies the two-band policy.
type Resolver struct {
	store       storage.ObservationStore
	adjudicator llm.Completer
	opts        Options
}

const candidateLimit = 5

// New creates a resolver. adjudicator may be nil; the gray zone then
// degrades to plain create.
func New(store storage.ObservationStore, adjudicator llm.Completer, opts Options) *Resolver {
	return &Resolver{store: store, adjudicator: adjudicator, opts: opts}
}

// SetOptions applies live config changes.
func (r *Resolver) SetOptions(opts Options) {
	r.opts = opts
}

// Resolve compares the draft against existing current observations of the
// same type. A nil or empty vector skips dedup entirely.
func (r *Resolver) Resolve(ctx context.Context, draft *types.Observation, vec []float32) (*Outcome, error) {
	if len(vec) == 0 {
		return &Outcome{Action: ActionCreate}, nil
	}

	hits, err := r.store.FindSimilar(ctx, vec, draft.Type, r.opts.LowBand, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar observations: %w", err)
	}
	if len(hits) == 0 {
		return &Outcome{Action: ActionCreate}, nil
	}

	top := hits[0]
	if top.Cosine > r.opts.HighBand {
		return &Outcome{Action: ActionSkip, TopCosine: top.Cosine}, nil
	}

	// With conflict resolution off, the high band is the only rule.
	if !r.opts.Enabled || r.adjudicator == nil {
		return &Outcome{Action: ActionCreate, TopCosine: top.Cosine}, nil
	}

	return r.adjudicate(ctx, draft, hits)
}

func (r *Resolver) adjudicate(ctx context.Context, draft *types.Observation, hits []*storage.SimilarHit) (*Outcome, error) {
	prompt := buildAdjudicationPrompt(draft, hits)
	text, err := r.adjudicator.Complete(ctx, adjudicationSystemPrompt, prompt, 256)
	if err != nil {
		// Adjudicator failure degrades to plain create; the draft is never
		// lost because an arbiter was unavailable.
		slog.Warn("conflict adjudication failed, creating as new", "error", err)
		return &Outcome{Action: ActionCreate, TopCosine: hits[0].Cosine, Adjudicated: true}, nil
	}

	verdict, target := parseVerdict(text)
	switch verdict {
	case "duplicate":
		return &Outcome{Action: ActionSkip, TopCosine: hits[0].Cosine, Adjudicated: true}, nil
	case "update":
		if target != "" && candidateByID(hits, target) != nil {
			return &Outcome{
				Action:      ActionSupersede,
				SupersedeID: target,
				TopCosine:   hits[0].Cosine,
				Adjudicated: true,
			}, nil
		}
		slog.Warn("adjudicator named an unknown supersede target, creating as new", "target", target)
		return &Outcome{Action: ActionCreate, TopCosine: hits[0].Cosine, Adjudicated: true}, nil
	default:
		// new_fact, or anything unparseable.
		return &Outcome{Action: ActionCreate, TopCosine: hits[0].Cosine, Adjudicated: true}, nil
	}
}

func candidateByID(hits []*storage.SimilarHit, id string) *storage.SimilarHit {
	for _, h := range hits {
		if h.Observation.ID == id {
			return h
		}
	}
	return nil
}

const adjudicationSystemPrompt = `You decide whether a new memory record duplicates, ` +
	`updates, or adds to existing records. Answer with JSON only: ` +
	`{"verdict":"new_fact"} or {"verdict":"duplicate"} or {"verdict":"update","supersedes":"<id>"}.`

func buildAdjudicationPrompt(draft *types.Observation, hits []*storage.SimilarHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New record:\ntitle: %s\nnarrative: %s\n\nExisting records:\n", draft.Title, draft.Narrative)
	for _, h := range hits {
		fmt.Fprintf(&b, "- id: %s (similarity %.2f)\n  title: %s\n  narrative: %s\n",
			h.Observation.ID, h.Cosine, h.Observation.Title, h.Observation.Narrative)
	}
	b.WriteString("\nDoes the new record duplicate one of these, update one of these, or state a new fact?")
	return b.String()
}

// verdictWord matches bare verdicts in free text when the model ignores the
// JSON instruction.
var verdictWord = regexp.MustCompile(`(?i)\b(new_fact|duplicate|update)\b`)

// idWord matches observation ids in free text.
var idWord = regexp.MustCompile(`obs-[0-9a-z]+`)

// parseVerdict leniently extracts (verdict, supersedesID) from model output.
// Unparseable input yields ("", "") which callers treat as new_fact.
func parseVerdict(text string) (string, string) {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) {
		root := gjson.Parse(text)
		return strings.ToLower(root.Get("verdict").String()), root.Get("supersedes").String()
	}
	if m := verdictWord.FindString(text); m != "" {
		verdict := strings.ToLower(m)
		target := ""
		if verdict == "update" {
			target = idWord.FindString(text)
		}
		return verdict, target
	}
	return "", ""
}

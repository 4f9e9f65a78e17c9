package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// idWord matches observation ids in free text.
var idWord = regexp.MustCompile(`obs-[0-9a-z]+`)

// rerank asks the model to reorder the top fused candidates by relevance.
// Items the model omits keep their original order below the reordered
// prefix. The pre-rerank RRF score and rank are preserved on every result
// for calibration; reranking changes order only. Failures are silently
// skipped — the fused order stands.
func (e *Engine) rerank(ctx context.Context, query string, results []*Result) []*Result {
	window := e.opts.RerankWindow
	if window > len(results) {
		window = len(results)
	}
	head, tail := results[:window], results[window:]

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for _, r := range head {
		fmt.Fprintf(&b, "- %s: %s\n", r.Observation.ID, r.Observation.Title)
	}
	b.WriteString("\nReturn a JSON array of candidate ids, most relevant first. Omit irrelevant ones.")

	text, err := e.reranker.Complete(ctx, rerankSystemPrompt, b.String(), 512)
	if err != nil {
		slog.Warn("rerank failed, keeping fused order", "error", err)
		return results
	}

	perm := parseRerankPermutation(text)
	if len(perm) == 0 {
		slog.Warn("rerank output unparseable, keeping fused order")
		return results
	}

	byID := make(map[string]*Result, len(head))
	for _, r := range head {
		byID[r.Observation.ID] = r
	}

	reordered := make([]*Result, 0, len(head))
	taken := make(map[string]bool, len(head))
	for _, id := range perm {
		if r, ok := byID[id]; ok && !taken[id] {
			reordered = append(reordered, r)
			taken[id] = true
		}
	}
	// Omitted items follow in their original positions.
	for _, r := range head {
		if !taken[r.Observation.ID] {
			reordered = append(reordered, r)
		}
	}
	return append(reordered, tail...)
}

const rerankSystemPrompt = `You rank memory records by relevance to a query. ` +
	`Respond with a JSON array of ids only.`

// parseRerankPermutation accepts a JSON array of ids, or falls back to
// scraping id-shaped tokens from free text.
func parseRerankPermutation(text string) []string {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) && gjson.Parse(text).IsArray() {
		var ids []string
		for _, v := range gjson.Parse(text).Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return idWord.FindAllString(text, -1)
}

// Package redact strips sensitive content before it is handed to a model
// provider or persisted as narrative text.
package redact

import (
	"log/slog"
	"regexp"
)

// privateBlock matches <private>...</private> spans, including multi-line
// bodies. The whole span is removed, tags included.
var privateBlock = regexp.MustCompile(`(?s)<private>.*?</private>`)

const replacement = "[REDACTED]"

// Redactor applies the private-block rule plus a set of configured patterns.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles the configured patterns. Invalid patterns are logged and
// skipped — a bad regex must not disable redaction of the rest.
func New(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		compiled, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("skipping invalid sensitive pattern", "pattern", p, "error", err)
			continue
		}
		r.patterns = append(r.patterns, compiled)
	}
	return r
}

// Apply returns text with private blocks removed and all configured patterns
// replaced.
func (r *Redactor) Apply(text string) string {
	if text == "" {
		return text
	}
	out := privateBlock.ReplaceAllString(text, "")
	for _, p := range r.patterns {
		out = p.ReplaceAllString(out, replacement)
	}
	return out
}

// PatternCount reports how many configured patterns compiled.
func (r *Redactor) PatternCount() int {
	return len(r.patterns)
}

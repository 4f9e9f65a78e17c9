// Package compress turns raw tool output into a structured observation via
// the external completion capability, with truncation, lenient parsing, and
// a deterministic fallback used when the model is unavailable.
package compress

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/types"
)

const (
	// maxOutputChars caps what is sent to the provider; longer outputs are
	// truncated with a marker.
	maxOutputChars = 50000

	truncationMarker = "\n[... output truncated ...]\n"
)

// Options tune the compressor per the live configuration.
type Options struct {
	Enabled         bool
	MinOutputLength int
	MaxTokens       int
}

// Compressor drives the compression capability.
type Compressor struct {
	completer llm.Completer
	opts      Options
}

// New creates a compressor. completer may be nil when compression is
// disabled; Compress then always returns nil.
func New(completer llm.Completer, opts Options) *Compressor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Compressor{completer: completer, opts: opts}
}

// SetOptions applies live config changes.
func (c *Compressor) SetOptions(opts Options) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	c.opts = opts
}

var promptTemplate = template.Must(template.New("compress").Parse(
	`A coding agent ran the tool {{.Tool}}. Distill its output into one memory record.

Respond with exactly these tags (omit a tag when you have nothing for it):
<type>one of: decision, bugfix, feature, refactor, discovery, change</type>
<title>short imperative headline</title>
<subtitle>one clarifying line</subtitle>
<narrative>two or three sentences of what happened and why it matters</narrative>
<fact>one atomic fact</fact>
<concept>one lowercase topic keyword</concept>
<file_read>path</file_read>
<file_modified>path</file_modified>
<importance>1-5</importance>
{{if .SessionContext}}
Session so far:
{{.SessionContext}}
{{end}}
Tool output:
{{.Output}}`))

type promptData struct {
	Tool           string
	Output         string
	SessionContext string
}

// Compress produces an observation draft from tool output, or nil when no
// observation should be created (too short) or when the capability is
// unavailable (nil draft, nil error — the caller takes the fallback path).
// The returned draft has no ID or SessionID; the caller owns identity.
func (c *Compressor) Compress(ctx context.Context, tool, output, sessionContext string) (*types.Observation, error) {
	if len(output) < c.opts.MinOutputLength {
		return nil, nil
	}
	if !c.opts.Enabled || c.completer == nil {
		return nil, nil
	}

	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + truncationMarker
	}

	var prompt strings.Builder
	err := promptTemplate.Execute(&prompt, promptData{Tool: tool, Output: output, SessionContext: sessionContext})
	if err != nil {
		return nil, fmt.Errorf("failed to render compression prompt: %w", err)
	}

	text, err := c.completer.Complete(ctx, compressionSystemPrompt, prompt.String(), c.opts.MaxTokens)
	if err != nil {
		return nil, err
	}

	draft := ParseObservation(text)
	if draft == nil {
		// Corrupt model output is "no observation"; the caller falls back.
		return nil, nil
	}
	draft.Tool = tool
	return draft, nil
}

const compressionSystemPrompt = `You compress coding-agent tool output into small, ` +
	`factual memory records. Never invent details that are not in the output.`

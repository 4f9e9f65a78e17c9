// Package llm wraps the external model capabilities the engine consumes:
// text completion (compression, adjudication, reranking, summarization) and
// embeddings. Each capability is fallible and optionally disabled; the core
// degrades rather than fails when a capability is absent.
package llm

import "context"

// Completer produces text for a prompt. Implementations own provider
// plumbing — retries, timeouts, auth — and classify failures so callers can
// tell transient from config errors via errors.Is.
type Completer interface {
	// Complete returns the model's text for the prompt. system may be empty.
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Embedder turns text into a dense vector of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// CompleterFunc adapts a function to the Completer interface; used by tests
// and by the deterministic fallbacks.
type CompleterFunc func(ctx context.Context, system, prompt string, maxTokens int) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	return f(ctx, system, prompt, maxTokens)
}

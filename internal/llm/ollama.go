package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// defaultOllamaURL is used when OLLAMA_HOST is unset.
const defaultOllamaURL = "http://localhost:11434"

// OllamaEmbedder implements Embedder over Ollama's HTTP embeddings API.
// Anthropic exposes no embedding endpoint, so vector support rides on a
// local model; dimension 0 in config disables vectors entirely.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
	limiter *Limiter
}

// NewOllamaEmbedder creates an embedder for the given model and expected
// dimension.
func NewOllamaEmbedder(baseURL, model string, dim int, limiter *Limiter) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if limiter == nil {
		limiter = NewLimiter(0, false)
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{},
		limiter: limiter,
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the vector for text, or an error classified per the engine's
// taxonomy. A vector of the wrong dimension is a config error — the model
// does not match the configured dimension.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.dim <= 0 {
		return nil, ErrDisabled
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(ollamaEmbedReq{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewProviderError("ollama", resp.StatusCode, string(msg))
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if len(result.Embedding) != e.dim {
		return nil, fmt.Errorf("%w: embedding dimension %d does not match configured %d",
			ErrConfig, len(result.Embedding), e.dim)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Dimension reports the configured vector size.
func (e *OllamaEmbedder) Dimension() int { return e.dim }

// Model reports the embedding model identifier.
func (e *OllamaEmbedder) Model() string { return e.model }

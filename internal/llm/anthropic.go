package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clopca/open-mem/internal/telemetry"
)

const (
	anthropicMaxRetries     = 2
	anthropicInitialBackoff = 1 * time.Second
)

// AnthropicClient implements Completer over the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *Limiter
}

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
	failures     metric.Int64Counter
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/clopca/open-mem/llm")
	aiMetrics.inputTokens, _ = m.Int64Counter("openmem.llm.input_tokens",
		metric.WithDescription("Provider input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("openmem.llm.output_tokens",
		metric.WithDescription("Provider output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("openmem.llm.request.duration",
		metric.WithDescription("Provider request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	aiMetrics.failures, _ = m.Int64Counter("openmem.llm.failures",
		metric.WithDescription("Provider calls that exhausted retries"))
}

// NewAnthropicClient builds the client. ANTHROPIC_API_KEY takes precedence
// over the configured key.
func NewAnthropicClient(apiKey, model string, limiter *Limiter) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no api key for anthropic", ErrConfig)
	}
	if limiter == nil {
		limiter = NewLimiter(0, false)
	}
	aiMetricsOnce.Do(initAIMetrics)
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		limiter: limiter,
	}, nil
}

// Complete calls the Messages API with retry on transient failures (1s then
// 2s backoff). Config errors short-circuit.
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(anthropicInitialBackoff),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
		), anthropicMaxRetries), ctx)

	var text string
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err != nil {
			err = c.classify(err)
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		modelAttr := attribute.String("openmem.llm.model", string(c.model))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
		}

		for _, block := range message.Content {
			if block.Type == "text" {
				text = block.Text
				return nil
			}
		}
		return backoff.Permanent(fmt.Errorf("unexpected response format: no text block"))
	}

	if err := backoff.Retry(op, policy); err != nil {
		if aiMetrics.failures != nil {
			aiMetrics.failures.Add(ctx, 1)
		}
		return "", err
	}
	return text, nil
}

// classify maps SDK errors onto the engine's taxonomy.
func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError("anthropic", apiErr.StatusCode, err.Error())
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// ModelName reports the configured model identifier.
func (c *AnthropicClient) ModelName() string {
	return string(c.model)
}

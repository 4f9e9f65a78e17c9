package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Chain composes an ordered list of Completers into one capability. On a
// transient failure the next provider is tried; config errors fail fast. A
// circuit breaker per provider keeps a dead provider from adding latency to
// every call. The chain is invisible to callers — it is just a Completer.
type Chain struct {
	links []chainLink
}

type chainLink struct {
	name      string
	completer Completer
	breaker   *gobreaker.CircuitBreaker
}

// NewChain builds a fallback chain. Names are used for logging and breaker
// identity; the slices must be the same length.
func NewChain(names []string, completers []Completer) (*Chain, error) {
	if len(names) != len(completers) || len(completers) == 0 {
		return nil, fmt.Errorf("chain requires matching non-empty names and completers")
	}
	c := &Chain{}
	for i, name := range names {
		settings := gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		c.links = append(c.links, chainLink{
			name:      name,
			completer: completers[i],
			breaker:   gobreaker.NewCircuitBreaker(settings),
		})
	}
	return c, nil
}

// Complete tries each provider in order until one succeeds.
func (c *Chain) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	var lastErr error
	for _, link := range c.links {
		result, err := link.breaker.Execute(func() (any, error) {
			return link.completer.Complete(ctx, system, prompt, maxTokens)
		})
		if err == nil {
			return result.(string), nil
		}

		if IsConfig(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		slog.Warn("provider failed, trying next in chain", "provider", link.name, "error", err)
	}
	return "", fmt.Errorf("all providers failed: %w", lastErr)
}

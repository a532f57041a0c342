package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Chain] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain holds an ordered list of interchangeable providers of the same type,
// each behind its own breaker. Calls go to the first healthy provider and fall
// through to the next on failure.
//
// Entries are added during setup; a Chain is safe for concurrent calls once
// populated.
type Chain[T any] struct {
	template CircuitBreakerConfig
	entries  []chainEntry[T]
}

// NewChain returns an empty Chain whose breakers are built from template.
func NewChain[T any](template CircuitBreakerConfig) *Chain[T] {
	return &Chain[T]{template: template}
}

// Add appends a provider. Providers are tried in the order they are added.
func (c *Chain[T]) Add(name string, value T) *Chain[T] {
	cfg := c.template
	cfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{name: name, value: value, breaker: NewCircuitBreaker(cfg)})
	return c
}

// Len reports the number of providers.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Try calls fn against each provider in order until one succeeds, returning
// that provider's result. Cancellation of ctx stops the walk immediately.
// Providers whose breaker is open are skipped. If nothing succeeds the error
// wraps [ErrAllFailed] and the last provider error.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error = errors.New("no providers")
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

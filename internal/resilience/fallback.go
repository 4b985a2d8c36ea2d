package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every candidate in a [FallbackGroup] failed
// or had an open breaker.
var ErrAllFailed = errors.New("all fallbacks failed")

// FallbackConfig configures the breaker attached to each candidate in a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// candidate is one failover position: a value guarded by its own breaker.
type candidate[T any] struct {
	label   string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same type
// and tries them in registration order until one succeeds. Candidates whose
// breaker is open are skipped without being called, so a known-bad primary
// costs nothing per attempt. The transcript summarizer chain uses this to
// fall through from the LLM summarizer to the extractive one.
//
// FallbackGroup is safe for concurrent use once assembled; AddFallback is
// not synchronized with Execute.
type FallbackGroup[T any] struct {
	candidates []candidate[T]
	cfg        FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first candidate.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a candidate tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cfg := fg.cfg.CircuitBreaker
	cfg.Name = name
	fg.candidates = append(fg.candidates, candidate[T]{
		label:   name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Execute tries fn against each candidate in order until one succeeds.
// Returns [ErrAllFailed] wrapping the last error when none does.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each candidate in order and returns the
// first successful result. A package-level function because Go methods cannot
// take type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.candidates {
		c := &fg.candidates[i]

		var result R
		err := c.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(c.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping candidate, circuit open", "candidate", c.label)
		} else {
			slog.Warn("candidate failed, trying next", "candidate", c.label, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped by an open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the breaker stamped onto each backend in a
// group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs one backend with its dedicated breaker.
type chainEntry[T any] struct {
	name    string
	impl    T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered chain of interchangeable backends. Calls go to
// the first backend whose breaker admits them; a failure moves the call down
// the chain. The arbitration path uses this so one flapping LLM does not
// stall every room's tick.
type FallbackGroup[T any] struct {
	chain []chainEntry[T]
	cfg   FallbackConfig
}

// NewFallbackGroup builds a group with primary at the head of the chain.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.append(primaryName, primary)
	return g
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, backend T) {
	fg.append(name, backend)
}

func (fg *FallbackGroup[T]) append(name string, impl T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.chain = append(fg.chain, chainEntry[T]{
		name:    name,
		impl:    impl,
		breaker: NewCircuitBreaker(bc),
	})
}

// primary returns the head of the chain.
func (fg *FallbackGroup[T]) primary() T {
	return fg.chain[0].impl
}

// Execute walks the chain until fn succeeds against some backend. Backends
// behind an open breaker are skipped. When nothing succeeds the last error
// is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(impl T) (struct{}, error) {
		return struct{}{}, fn(impl)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package function because methods cannot take their own type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.chain {
		entry := &fg.chain[i]

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.impl)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

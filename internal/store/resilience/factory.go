// Package resilience wraps a store.Factory with a circuit breaker and a
// bounded exponential backoff retry, so a database outage degrades the
// Manager/Dispatcher/Task Server ticks to no-ops instead of spinning a
// tight failure loop or panicking a worker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/trestle/engine/internal/store"
)

// Config controls the breaker and retry policy wrapping Factory.New.
type Config struct {
	// MaxElapsedTime bounds the total time spent retrying a single
	// acquisition before giving up. Zero uses 10s.
	MaxElapsedTime time.Duration
	// BreakerMaxRequests is the number of requests gobreaker allows through
	// in the half-open state before deciding to close or re-open.
	BreakerMaxRequests uint32
	// BreakerTimeout is how long gobreaker stays open before probing again.
	BreakerTimeout time.Duration
	// BreakerFailureThreshold trips the breaker once this many consecutive
	// acquisitions fail.
	BreakerFailureThreshold uint32
}

// DefaultConfig is a reasonable policy for a periodic scheduler tick: a few
// quick retries within the tick's own budget, tripping the breaker after 5
// consecutive failures and probing again after 30s.
func DefaultConfig() Config {
	return Config{
		MaxElapsedTime:          10 * time.Second,
		BreakerMaxRequests:      1,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// Factory wraps an inner store.Factory, retrying transient acquisition
// failures with exponential backoff behind a circuit breaker.
type Factory struct {
	inner   store.Factory
	breaker *gobreaker.CircuitBreaker
	cfg     Config
}

// New builds a resilient Factory wrapping inner per cfg.
func New(inner store.Factory, cfg Config) *Factory {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine-store-factory",
		MaxRequests: cfg.BreakerMaxRequests,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	})
	return &Factory{inner: inner, breaker: breaker, cfg: cfg}
}

var _ store.Factory = (*Factory)(nil)

// New acquires a DataContext, retrying transient failures with exponential
// backoff while the breaker is closed; a tripped breaker fails fast without
// retrying, so callers aren't blocked waiting out an outage they already
// know about.
func (f *Factory) New(ctx context.Context) (store.DataContext, error) {
	result, err := f.breaker.Execute(func() (any, error) {
		bo := backoff.WithContext(f.newBackOff(), ctx)
		var dc store.DataContext
		op := func() error {
			var err error
			dc, err = f.inner.New(ctx)
			return err
		}
		if err := backoff.Retry(op, bo); err != nil {
			return nil, err
		}
		return dc, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, store.TransientError{Cause: err}
		}
		return nil, err
	}
	return result.(store.DataContext), nil
}

func (f *Factory) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = f.cfg.MaxElapsedTime
	if eb.MaxElapsedTime == 0 {
		eb.MaxElapsedTime = 10 * time.Second
	}
	return eb
}

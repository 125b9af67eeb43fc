// Package retry wraps transient host operations (capability I/O, template
// fetches, propagation) in bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cryguy/runnable/internal/core"
)

// Policy configures exponential backoff with jitter. With the defaults each
// delay is strictly larger than the previous one until MaxInterval caps it.
type Policy struct {
	MaxAttempts         uint
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// Observer is told about every scheduled retry. Optional.
	Observer Observer
}

// Observer is called before sleeping ahead of retry number attempt (1-based).
type Observer func(op string, attempt uint, err error, delay time.Duration)

// DefaultPolicy returns 3 attempts starting at 100ms, doubling, ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.25,
	}
}

// Validate reports policies whose jittered delays could fail to grow.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts == 0:
		return fmt.Errorf("%w: retry max_attempts must be > 0", core.ErrInvalidConfig)
	case p.InitialInterval <= 0:
		return fmt.Errorf("%w: retry initial_interval must be > 0", core.ErrInvalidConfig)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("%w: retry max_interval must be >= initial_interval", core.ErrInvalidConfig)
	case p.RandomizationFactor < 0 || p.RandomizationFactor >= 1:
		return fmt.Errorf("%w: retry randomization_factor must be in [0, 1)", core.ErrInvalidConfig)
	case p.Multiplier*(1-p.RandomizationFactor) <= 1+p.RandomizationFactor:
		return fmt.Errorf("%w: retry multiplier %.2f too small for jitter %.2f", core.ErrInvalidConfig, p.Multiplier, p.RandomizationFactor)
	}
	return nil
}

// WithObserver returns a copy of p reporting to o.
func (p Policy) WithObserver(o Observer) Policy {
	p.Observer = o
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run
// out. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p = DefaultPolicy().WithObserver(p.Observer)
	}
	var attempt uint
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !Retryable(err) {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return v, err
			}
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			attempt++
			if p.Observer != nil {
				p.Observer(op, attempt, err, d)
			}
		}),
	)
}

// Permanent marks err as not worth retrying regardless of its type.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Errors matching any of these are never retried.
var permanent = []error{
	core.ErrSecurityViolation,
	core.ErrCompile,
	core.ErrInstanceDisposed,
	core.ErrAccessDenied,
	core.ErrResourceLimitExceeded,
	core.ErrExecutionTimeout,
	core.ErrBlankTemplate,
	core.ErrInitialization,
	core.ErrInvalidConfig,
	core.ErrTemplateNotFound,
	core.ErrInstanceBusy,
	context.Canceled,
	context.DeadlineExceeded,
}

// Retryable reports whether err is outside the excluded set.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return false
		}
	}
	var perm *backoff.PermanentError
	return !errors.As(err, &perm)
}

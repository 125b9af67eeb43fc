package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cryguy/runnable/internal/core"
)

type expiry int32

const (
	notExpired expiry = iota
	expiredDeadline
	expiredCPUBudget
	expiredCanceled
)

// watchdog interrupts the interpreter once a call outlives its deadline or
// its caller's context. Interrupt is the one runtime method that is safe
// to call from another goroutine.
type watchdog struct {
	limit      time.Duration
	cpuBound   bool
	reason     atomic.Int32
	timer      *time.Timer
	stopCancel func() bool
}

// arm starts the watchdog for d. When cpuBound is set, expiry means the
// instance's CPU budget ran out rather than the per-call timeout.
func arm(ctx context.Context, rt core.JSRuntime, d time.Duration, cpuBound bool) *watchdog {
	w := &watchdog{limit: d, cpuBound: cpuBound}
	fire := func(r expiry) {
		if w.reason.CompareAndSwap(int32(notExpired), int32(r)) {
			rt.Interrupt()
		}
	}
	onDeadline := expiredDeadline
	if cpuBound {
		onDeadline = expiredCPUBudget
	}
	w.timer = time.AfterFunc(d, func() { fire(onDeadline) })
	w.stopCancel = context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			fire(expiredDeadline)
			return
		}
		fire(expiredCanceled)
	})
	return w
}

// stop disarms the watchdog. It reports whether the watchdog had fired.
func (w *watchdog) stop() bool {
	w.timer.Stop()
	w.stopCancel()
	return w.expired()
}

func (w *watchdog) expired() bool {
	return expiry(w.reason.Load()) != notExpired
}

// err describes why the watchdog fired, or nil if it did not.
func (w *watchdog) err(ctx context.Context) error {
	switch expiry(w.reason.Load()) {
	case expiredDeadline:
		return fmt.Errorf("%w (limit: %v)", core.ErrExecutionTimeout, w.limit)
	case expiredCPUBudget:
		return &core.ViolationError{
			Kind:   core.ViolationLimit,
			Detail: "cpu time budget exhausted",
			Fatal:  true,
		}
	case expiredCanceled:
		return fmt.Errorf("call interrupted: %w", context.Cause(ctx))
	}
	return nil
}

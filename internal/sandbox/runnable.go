package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/capability"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/metrics"
	"github.com/cryguy/runnable/internal/namespace"
)

// callSnapshot labels the housekeeping evaluation behind Context.
const callSnapshot core.CallKind = "context"

// Runnable is a compiled template instance bound to one interpreter.
//
// A Runnable is not safe for concurrent use: callers serialise Process,
// ProcessStream and Context. A call made while another is in flight, or
// while a stream is open, fails with core.ErrInstanceBusy.
type Runnable struct {
	id         string
	templateID string
	cfg        core.SecurityConfig
	rt         core.JSRuntime

	state atomic.Int32

	logger         *zap.Logger
	metrics        *metrics.Collector
	maxStreamItems int

	logs    *capability.LogBuffer
	storage *capability.Storage
	http    *capability.HTTP

	// Owned by the goroutine driving the current call.
	call     *core.CallState
	active   *execution
	calls    uint64
	requests uint
	cpuUsed  time.Duration

	limitsWarning sync.Once
	closeOnce     sync.Once
}

func (r *Runnable) ID() string         { return r.id }
func (r *Runnable) TemplateID() string { return r.templateID }
func (r *Runnable) State() core.State  { return core.State(r.state.Load()) }

// Logs drains the logger.* entries captured since the last drain.
func (r *Runnable) Logs() []core.LogEntry { return r.logs.Drain() }

// Process runs the template's process(queries) and returns its records.
// Mutations of this.context persist to the next call.
func (r *Runnable) Process(ctx context.Context, queries []core.Record) ([]core.Record, error) {
	if queries == nil {
		queries = []core.Record{}
	}
	arg, err := json.Marshal(queries)
	if err != nil {
		return nil, fmt.Errorf("encoding queries: %w", err)
	}

	exec, err := r.acquire(ctx, core.CallProcess)
	if err != nil {
		return nil, err
	}
	out, err := exec.evalWithArg(string(arg), "__sandbox.process()")
	if err = r.release(exec, err); err != nil {
		return nil, err
	}

	var results []core.Record
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return results, nil
}

// ProcessStream starts the template's process_stream(query) generator.
// The instance stays busy until the stream is drained or closed, and one
// watchdog deadline covers the whole drain.
func (r *Runnable) ProcessStream(ctx context.Context, query core.Record) (*Stream, error) {
	if query == nil {
		query = core.Record{}
	}
	arg, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	exec, err := r.acquire(ctx, core.CallProcessStream)
	if err != nil {
		return nil, err
	}
	if _, err := exec.evalWithArg(string(arg), "__sandbox.openStream()"); err != nil {
		return nil, r.release(exec, err)
	}
	return &Stream{r: r, exec: exec, max: r.maxStreamItems}, nil
}

// Context returns a JSON snapshot of this.context.
func (r *Runnable) Context(ctx context.Context) (core.Record, error) {
	exec, err := r.acquire(ctx, callSnapshot)
	if err != nil {
		return nil, err
	}
	out, err := exec.eval("__sandbox.context()")
	if err = r.release(exec, err); err != nil {
		return nil, err
	}
	var snapshot core.Record
	if err := json.Unmarshal([]byte(out), &snapshot); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	return snapshot, nil
}

// Close disposes the instance and releases its interpreter. It is safe to
// call more than once.
func (r *Runnable) Close() error {
	if r.State() != core.StateDisposed {
		r.logger.Debug("runnable closed")
	}
	r.dispose()
	return nil
}

func (r *Runnable) dispose() {
	r.state.Store(int32(core.StateDisposed))
	r.closeOnce.Do(func() {
		if r.active != nil {
			r.active.wd.stop()
			r.active = nil
		}
		r.rt.Close()
	})
}

// load evaluates the wrapped source and checks that it declared the
// processing class.
func (r *Runnable) load(ctx context.Context, source string) error {
	exec, err := r.begin(ctx, core.CallInit)
	if err != nil {
		return err
	}
	out, err := exec.eval(namespace.WrapSource(source))
	if err = exec.end(err); err != nil {
		var rt *core.RuntimeError
		if errors.As(err, &rt) {
			return &core.CompileError{Msg: rt.Msg}
		}
		return err
	}
	if out != "ok" {
		return &core.CompileError{Msg: "missing processing class: declare `class Runnable extends BaseSecureRunnable`"}
	}
	return nil
}

// initialize constructs the instance with its grant and runs init once.
func (r *Runnable) initialize(ctx context.Context, grant string) error {
	exec, err := r.begin(ctx, core.CallInit)
	if err != nil {
		return err
	}
	if _, err := exec.evalWithArg(grant, "__sandbox.instantiate()"); err != nil {
		return exec.end(err)
	}
	_, err = exec.eval("__sandbox.init()")
	return exec.end(err)
}

// acquire moves a Ready instance to Processing and starts a call.
func (r *Runnable) acquire(ctx context.Context, kind core.CallKind) (*execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.state.CompareAndSwap(int32(core.StateReady), int32(core.StateProcessing)) {
		if r.State() == core.StateDisposed {
			return nil, core.ErrInstanceDisposed
		}
		return nil, core.ErrInstanceBusy
	}
	exec, err := r.begin(ctx, kind)
	if err != nil {
		return nil, r.settle(kind, time.Now(), err)
	}
	return exec, nil
}

// release finishes a call started by acquire and applies the error policy.
func (r *Runnable) release(exec *execution, err error) error {
	return r.settle(exec.kind(), exec.start, exec.end(err))
}

// settle returns the instance to Ready, or disposes it when err means the
// interpreter can no longer be trusted.
func (r *Runnable) settle(kind core.CallKind, start time.Time, err error) error {
	if r.State() == core.StateDisposed {
		if err == nil {
			err = core.ErrInstanceDisposed
		}
	} else if disposes(err) {
		r.dispose()
	} else {
		r.state.Store(int32(core.StateReady))
	}

	if kind != callSnapshot {
		r.metrics.RecordCall(string(kind), callOutcome(err), time.Since(start))
	}
	if err != nil {
		r.logger.Warn("runnable call failed",
			zap.String("call", string(kind)),
			zap.Bool("disposed", r.State() == core.StateDisposed),
			zap.Error(err),
		)
	}
	return err
}

// disposes reports whether err leaves the interpreter unusable.
func disposes(err error) bool {
	if err == nil {
		return false
	}
	var v *core.ViolationError
	if errors.As(err, &v) {
		return v.Disposes()
	}
	var rt *core.RuntimeError
	if errors.As(err, &rt) {
		return false
	}
	return !errors.Is(err, core.ErrInstanceBusy)
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrSecurityViolation):
		return "security_violation"
	case errors.Is(err, core.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, core.ErrResourceLimitExceeded):
		return "resource_limit"
	case errors.Is(err, core.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, core.ErrRuntime):
		return "runtime_error"
	}
	return "error"
}

// begin arms the watchdog and opens the call state for one call.
func (r *Runnable) begin(ctx context.Context, kind core.CallKind) (*execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit, cpuBound := r.cfg.ExecutionTimeout(), false
	if r.cfg.EnableResourceLimits() {
		remaining := r.cfg.MaxCPUTime() - r.cpuUsed
		if remaining <= 0 {
			return nil, &core.ViolationError{Kind: core.ViolationLimit, Detail: "cpu time budget exhausted", Fatal: true}
		}
		if remaining < limit {
			limit, cpuBound = remaining, true
		}
	} else {
		r.limitsWarning.Do(func() {
			r.logger.Warn("resource limits disabled; only the execution timeout is enforced")
		})
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < limit {
			limit, cpuBound = until, false
		}
	}

	r.calls++
	now := time.Now()
	call := core.ExecutionCall{
		ID:              r.calls,
		Kind:            kind,
		Start:           now,
		Deadline:        now.Add(limit),
		RequestsAtStart: r.requests,
	}
	callCtx, cancel := context.WithDeadline(ctx, call.Deadline)

	exec := &execution{
		r:      r,
		ctx:    ctx,
		cancel: cancel,
		cs:     core.NewCallState(callCtx, call),
		start:  now,
		wd:     arm(ctx, r.rt, limit, cpuBound),
	}
	r.call = exec.cs
	r.active = exec
	return exec, nil
}

// execution is one call in flight: its watchdog, call state and the
// interpreter time it consumed.
type execution struct {
	r      *Runnable
	ctx    context.Context
	cancel context.CancelFunc
	cs     *core.CallState
	wd     *watchdog
	start  time.Time

	panicked bool
	ended    bool
}

func (e *execution) kind() core.CallKind { return e.cs.Call.Kind }

func (e *execution) evalWithArg(arg, js string) (string, error) {
	if err := e.r.rt.SetGlobal(namespace.ArgGlobal, arg); err != nil {
		return "", fmt.Errorf("passing arguments: %w", err)
	}
	return e.eval(js)
}

// eval runs js on the interpreter, counting the time against the CPU
// budget. A panic from the engine is turned into an error.
func (e *execution) eval(js string) (out string, err error) {
	if e.wd.expired() {
		return "", e.wd.err(e.ctx)
	}
	start := time.Now()
	defer func() {
		e.r.cpuUsed += time.Since(start)
		if rec := recover(); rec != nil {
			e.panicked = true
			err = fmt.Errorf("interpreter panic: %v", rec)
		}
	}()
	return e.r.rt.EvalString(js)
}

// end disarms the watchdog and classifies err. Watchdog expiry wins over
// recorded violations, which win over whatever the interpreter reported.
func (e *execution) end(err error) error {
	if e.ended {
		return err
	}
	e.ended = true
	fired := e.wd.stop()
	e.cancel()
	e.r.requests = e.cs.Requests()
	if e.r.active == e {
		e.r.active = nil
	}

	switch {
	case fired:
		return e.wd.err(e.ctx)
	case e.cs.Violation() != nil:
		return e.cs.Violation()
	case err == nil:
		return nil
	case e.panicked:
		return err
	case isOutOfMemory(err):
		return &core.ViolationError{
			Kind:   core.ViolationLimit,
			Detail: fmt.Sprintf("memory limit of %d MB exceeded", e.r.cfg.MaxMemoryMB()),
			Fatal:  true,
		}
	}
	return &core.RuntimeError{Kind: e.kind(), Msg: err.Error()}
}

func isOutOfMemory(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

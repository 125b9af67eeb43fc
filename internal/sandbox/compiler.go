// Package sandbox compiles template source into Runnables and drives their
// calls under the watchdog and the guard policy.
package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/capability"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/log"
	"github.com/cryguy/runnable/internal/metrics"
	"github.com/cryguy/runnable/internal/namespace"
	"github.com/cryguy/runnable/internal/retry"
)

// DefaultMaxStreamItems caps how many items one process_stream call may yield.
const DefaultMaxStreamItems = 1000

// Options configure a Compiler. The zero value is usable: no user database,
// SSRF-safe HTTP, default retry policy, the build's default interpreter.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// UserDB backs the storage capability. Nil leaves find_user failing.
	UserDB  *sql.DB
	Dialect capability.Dialect

	HTTPTransport        http.RoundTripper
	AllowPrivateNetworks bool
	HTTPRatePerSecond    float64
	HTTPBurst            int
	MaxResponseBytes     int64

	Retry retry.Policy

	// NewRuntime creates interpreters. Defaults to QuickJS, or V8 when
	// built with -tags v8.
	NewRuntime core.RuntimeFactory

	MaxStreamItems int
}

// Unit is what a compiled instance is bound to besides its source.
type Unit struct {
	TemplateID  string
	OutputState core.Record
	Properties  core.Record
}

// Compiler turns template source into ready Runnables.
type Compiler struct {
	opts   Options
	logger *zap.Logger
}

// NewCompiler fills in defaults for opts.
func NewCompiler(opts Options) *Compiler {
	opts.Logger = log.OrNop(opts.Logger)
	if opts.NewRuntime == nil {
		opts.NewRuntime = defaultRuntime
	}
	if opts.MaxStreamItems <= 0 {
		opts.MaxStreamItems = DefaultMaxStreamItems
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Compiler{
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "sandbox")),
	}
}

var defaultCompiler = sync.OnceValue(func() *Compiler { return NewCompiler(Options{}) })

// Compile compiles source with the default compiler and an anonymous unit.
func Compile(ctx context.Context, source string, cfg core.SecurityConfig) (*Runnable, error) {
	return defaultCompiler().Compile(ctx, source, cfg, Unit{})
}

// Compile checks source, loads it into a fresh interpreter, instantiates
// the declared Runnable class and runs its init once. A zero cfg means
// core.DefaultSecurityConfig.
func (c *Compiler) Compile(ctx context.Context, source string, cfg core.SecurityConfig, unit Unit) (*Runnable, error) {
	start := time.Now()
	r, err := c.compile(ctx, source, cfg, unit)

	logger := c.logger.With(zap.String("template_id", unit.TemplateID), zap.Duration("duration", time.Since(start)))
	if err != nil {
		c.opts.Metrics.RecordCompile(compileOutcome(err))
		logger.Warn("template compile failed", zap.Error(err))
		return nil, err
	}
	c.opts.Metrics.RecordCompile("ok")
	logger.Info("template compiled", zap.String("runnable_id", r.id))
	return r, nil
}

func compileOutcome(err error) string {
	switch {
	case errors.Is(err, core.ErrBlankTemplate):
		return "blank"
	case errors.Is(err, core.ErrInitialization):
		return "init_error"
	case errors.Is(err, core.ErrSecurityViolation):
		return "security_violation"
	case errors.Is(err, core.ErrCompile):
		return "compile_error"
	}
	return "error"
}

func (c *Compiler) compile(ctx context.Context, source string, cfg core.SecurityConfig, unit Unit) (*Runnable, error) {
	if strings.TrimSpace(source) == "" {
		return nil, core.ErrBlankTemplate
	}
	if cfg.IsZero() {
		cfg = core.DefaultSecurityConfig()
	}
	if err := Check(source); err != nil {
		return nil, err
	}

	grant, err := json.Marshal(struct {
		OutputState core.Record `json:"output_state"`
		Properties  core.Record `json:"properties"`
	}{unit.OutputState, unit.Properties})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding output state: %w", core.ErrInitialization, err)
	}

	var rtOpts core.RuntimeOptions
	if cfg.EnableResourceLimits() {
		rtOpts.MemoryLimitBytes = uint64(cfg.MaxMemoryMB()) << 20
	}
	rt, err := c.opts.NewRuntime(rtOpts)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}

	r := c.newRunnable(rt, cfg, unit)
	ok := false
	defer func() {
		if !ok {
			r.dispose()
		}
	}()

	if err := namespace.Build(rt, &host{r: r}); err != nil {
		return nil, fmt.Errorf("building namespace: %w", err)
	}

	if err := r.load(ctx, source); err != nil {
		return nil, err
	}
	if err := r.initialize(ctx, string(grant)); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInitialization, err)
	}

	ok = true
	r.state.Store(int32(core.StateReady))
	return r, nil
}

func (c *Compiler) newRunnable(rt core.JSRuntime, cfg core.SecurityConfig, unit Unit) *Runnable {
	id := uuid.NewString()
	logger := c.logger.With(zap.String("template_id", unit.TemplateID), zap.String("runnable_id", id))

	policy := c.opts.Retry.WithObserver(func(op string, attempt uint, err error, delay time.Duration) {
		c.opts.Metrics.RecordRetry(op)
		logger.Debug("retrying capability call",
			zap.String("operation", op),
			zap.Uint("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})

	r := &Runnable{
		id:             id,
		templateID:     unit.TemplateID,
		cfg:            cfg,
		rt:             rt,
		logger:         logger,
		metrics:        c.opts.Metrics,
		maxStreamItems: c.opts.MaxStreamItems,
		logs:           capability.NewLogBuffer(logger),
		http: capability.NewHTTP(cfg, capability.HTTPOptions{
			Transport:            c.opts.HTTPTransport,
			AllowPrivateNetworks: c.opts.AllowPrivateNetworks,
			RatePerSecond:        c.opts.HTTPRatePerSecond,
			Burst:                c.opts.HTTPBurst,
			MaxResponseBytes:     c.opts.MaxResponseBytes,
			Timeout:              cfg.ExecutionTimeout(),
			Retry:                policy,
		}),
	}
	if c.opts.UserDB != nil {
		r.storage = capability.NewStorage(c.opts.UserDB, c.opts.Dialect, policy)
	}
	r.state.Store(int32(core.StateCompiling))
	return r
}

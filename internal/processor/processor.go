// Package processor hosts one compiled template for a route: it fetches
// the template, feeds it input entries and propagates what it returns.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/log"
	"github.com/cryguy/runnable/internal/sandbox"
)

// Config identifies what a Processor runs and where results go.
type Config struct {
	RouteID     string
	TemplateID  string
	Security    core.SecurityConfig
	OutputState core.Record
	Properties  core.Record
}

// Deps are the collaborators a Processor needs. Propagator may be nil.
// Templates is called once per compile; transient failures are retried
// by the store itself.
type Deps struct {
	Templates  core.TemplateStore
	Compiler   *sandbox.Compiler
	Propagator core.Propagator
	Logger     *zap.Logger
}

// Processor serialises every call onto its single Runnable.
type Processor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	runnable *sandbox.Runnable
}

// New fetches and compiles the template. A missing or blank template, a
// compile failure or an init failure aborts construction.
func New(ctx context.Context, cfg Config, deps Deps) (*Processor, error) {
	if deps.Templates == nil {
		return nil, errors.New("processor: template store is required")
	}
	if cfg.TemplateID == "" {
		return nil, fmt.Errorf("processor: route %q has no template id", cfg.RouteID)
	}
	if deps.Compiler == nil {
		deps.Compiler = sandbox.NewCompiler(sandbox.Options{Logger: deps.Logger})
	}
	if cfg.Security.IsZero() {
		cfg.Security = core.DefaultSecurityConfig()
	}

	p := &Processor{
		cfg:  cfg,
		deps: deps,
		logger: log.OrNop(deps.Logger).With(
			zap.String("component", "processor"),
			zap.String("route_id", cfg.RouteID),
			zap.String("template_id", cfg.TemplateID),
		),
	}
	r, err := p.compile(ctx)
	if err != nil {
		return nil, err
	}
	p.runnable = r
	return p, nil
}

func (p *Processor) compile(ctx context.Context) (*sandbox.Runnable, error) {
	tmpl, err := p.deps.Templates.FetchTemplate(ctx, p.cfg.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("processor: fetching template: %w", err)
	}
	if strings.TrimSpace(tmpl.Content) == "" {
		return nil, fmt.Errorf("processor: unable to execute blank template for route %q: %w", p.cfg.RouteID, core.ErrBlankTemplate)
	}
	r, err := p.deps.Compiler.Compile(ctx, tmpl.Content, p.cfg.Security, sandbox.Unit{
		TemplateID:  p.cfg.TemplateID,
		OutputState: p.cfg.OutputState,
		Properties:  p.cfg.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("processor: compiling template: %w", err)
	}
	return r, nil
}

// Runnable returns the current instance.
func (p *Processor) Runnable() *sandbox.Runnable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runnable
}

// ProcessEntry runs process([entry]) and propagates the results.
func (p *Processor) ProcessEntry(ctx context.Context, entry core.Record) ([]core.Record, error) {
	p.mu.Lock()
	results, err := p.runnable.Process(ctx, []core.Record{entry})
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("processing entry failed", zap.Error(err))
		return nil, err
	}
	if err := p.propagate(ctx, results); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Processor) propagate(ctx context.Context, results []core.Record) error {
	if p.deps.Propagator == nil || len(results) == 0 {
		return nil
	}
	if err := p.deps.Propagator.Propagate(ctx, p.cfg.RouteID, results); err != nil {
		return fmt.Errorf("processor: propagating results: %w", err)
	}
	return nil
}

// StreamItem is one element delivered by StreamEntry. A non-nil Err is
// always the last item.
type StreamItem struct {
	Record core.Record
	Err    error
}

// StreamEntry drains process_stream(entry) into a channel with the given
// buffer. The channel closes when the stream ends. Streamed records are
// delivered to the caller only; they never reach Deps.Propagator.
// Cancelling ctx stops delivery and closes the stream, running the
// template's finally blocks; the execution timeout still bounds the drain.
func (p *Processor) StreamEntry(ctx context.Context, entry core.Record, buffer int) <-chan StreamItem {
	out := make(chan StreamItem, buffer)
	go func() {
		defer close(out)
		p.mu.Lock()
		defer p.mu.Unlock()

		s, err := p.runnable.ProcessStream(context.WithoutCancel(ctx), entry)
		if err != nil {
			p.logger.Warn("opening stream failed", zap.Error(err))
			send(ctx, out, StreamItem{Err: err})
			return
		}
		defer func() { _ = s.Close() }()

		for rec, err := range s.All() {
			if err != nil {
				p.logger.Warn("stream failed", zap.Int("items", s.Count()), zap.Error(err))
				send(ctx, out, StreamItem{Err: err})
				return
			}
			if !send(ctx, out, StreamItem{Record: rec}) {
				return
			}
		}
	}()
	return out
}

func send(ctx context.Context, out chan<- StreamItem, item StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Recompile fetches the template again and swaps in a fresh instance,
// closing the old one. Use it after the instance was disposed or the
// template changed.
func (p *Processor) Recompile(ctx context.Context) error {
	r, err := p.compile(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.runnable
	p.runnable = r
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	p.logger.Info("template recompiled", zap.String("runnable_id", r.ID()))
	return nil
}

// Close disposes the instance.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runnable == nil {
		return nil
	}
	return p.runnable.Close()
}

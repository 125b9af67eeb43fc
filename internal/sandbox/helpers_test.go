package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

func securityConfig(t *testing.T, mutate func(*core.SecurityOptions)) core.SecurityConfig {
	t.Helper()
	opts := core.DefaultSecurityOptions()
	if mutate != nil {
		mutate(&opts)
	}
	cfg, err := core.NewSecurityConfig(opts)
	if err != nil {
		t.Fatalf("NewSecurityConfig: %v", err)
	}
	return cfg
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Millisecond,
		MaxInterval:         10 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	}
}

func mustCompile(t *testing.T, c *Compiler, source string, cfg core.SecurityConfig) *Runnable {
	t.Helper()
	if c == nil {
		c = NewCompiler(Options{})
	}
	r, err := c.Compile(context.Background(), source, cfg, Unit{TemplateID: t.Name()})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustProcess(t *testing.T, r *Runnable, queries ...core.Record) []core.Record {
	t.Helper()
	out, err := r.Process(context.Background(), queries)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return out
}

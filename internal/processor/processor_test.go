package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/propagate"
	"github.com/cryguy/runnable/internal/store"
)

const counterTemplate = `
class Runnable extends BaseSecureRunnable {
  init() { this.context.count = 0; }
  process(queries) {
    return queries.map(q => ({ ...q, previous_count: this.context.count++ }));
  }
  *process_stream(query) {
    try {
      for (let i = 0; i < query.n; i++) yield { streaming: true, i };
    } finally {
      this.context.closed = true;
    }
  }
}
`

func newStore(t *testing.T, templates map[string]string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for id, content := range templates {
		require.NoError(t, s.PutTemplate(context.Background(), core.Template{ID: id, Content: content}))
	}
	return s
}

func TestProcessEntryPropagates(t *testing.T) {
	ch := propagate.NewChannel(4)
	p, err := New(context.Background(), Config{RouteID: "route-1", TemplateID: "counter"}, Deps{
		Templates:  newStore(t, map[string]string{"counter": counterTemplate}),
		Propagator: ch,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		out, err := p.ProcessEntry(context.Background(), core.Record{"id": i})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, float64(i), out[0]["previous_count"])

		batch := <-ch.C
		assert.Equal(t, "route-1", batch.RouteID)
		assert.Equal(t, float64(i), batch.Records[0]["id"])
	}
}

func TestNewFailures(t *testing.T) {
	s := newStore(t, map[string]string{
		"blank":  "   ",
		"broken": "class Runnable extends BaseSecureRunnable { process( }",
		"init":   "class Runnable extends BaseSecureRunnable { init() { throw new Error('no'); } }",
	})
	tests := map[string]error{
		"missing": core.ErrTemplateNotFound,
		"blank":   core.ErrBlankTemplate,
		"broken":  core.ErrCompile,
		"init":    core.ErrInitialization,
	}
	for id, want := range tests {
		t.Run(id, func(t *testing.T) {
			_, err := New(context.Background(), Config{RouteID: "r", TemplateID: id}, Deps{Templates: s})
			assert.ErrorIs(t, err, want)
		})
	}
}

// countingStore fails every fetch with a transient error.
type countingStore struct{ calls int }

func (s *countingStore) FetchTemplate(ctx context.Context, id string) (*core.Template, error) {
	s.calls++
	return nil, errors.New("connection reset")
}

func TestNewFetchesTemplateOnce(t *testing.T) {
	s := &countingStore{}
	_, err := New(context.Background(), Config{RouteID: "r", TemplateID: "counter"}, Deps{Templates: s})
	require.Error(t, err)
	assert.Equal(t, 1, s.calls)
}

func TestStreamEntry(t *testing.T) {
	ch := propagate.NewChannel(8)
	p, err := New(context.Background(), Config{RouteID: "r", TemplateID: "counter"}, Deps{
		Templates:  newStore(t, map[string]string{"counter": counterTemplate}),
		Propagator: ch,
	})
	require.NoError(t, err)
	defer p.Close()

	var got []core.Record
	for item := range p.StreamEntry(context.Background(), core.Record{"n": 3}, 1) {
		require.NoError(t, item.Err)
		got = append(got, item.Record)
	}
	require.Len(t, got, 3)
	assert.Equal(t, true, got[0]["streaming"])
	assert.Empty(t, ch.C, "streamed records are delivered to the caller only")

	snapshot, err := p.Runnable().Context(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, snapshot["closed"])
}

func TestStreamEntryCancel(t *testing.T) {
	p, err := New(context.Background(), Config{RouteID: "r", TemplateID: "counter"}, Deps{
		Templates: newStore(t, map[string]string{"counter": counterTemplate}),
	})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	items := p.StreamEntry(ctx, core.Record{"n": 1000000}, 0)
	first := <-items
	require.NoError(t, first.Err)
	cancel()
	for range items {
	}

	// The stream was closed, so the instance is usable again.
	_, err = p.ProcessEntry(context.Background(), core.Record{})
	require.NoError(t, err)
}

func TestRecompileReplacesDisposedInstance(t *testing.T) {
	src := `class Runnable extends BaseSecureRunnable {
  process(queries) {
    if (queries[0].escape) return [{ g: globalThis }];
    return [{ ok: true }];
  }
}`
	p, err := New(context.Background(), Config{RouteID: "r", TemplateID: "t"}, Deps{
		Templates: newStore(t, map[string]string{"t": src}),
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ProcessEntry(context.Background(), core.Record{"escape": true})
	require.True(t, errors.Is(err, core.ErrSecurityViolation), "got %v", err)

	_, err = p.ProcessEntry(context.Background(), core.Record{})
	require.ErrorIs(t, err, core.ErrInstanceDisposed)

	require.NoError(t, p.Recompile(context.Background()))
	out, err := p.ProcessEntry(context.Background(), core.Record{})
	require.NoError(t, err)
	assert.Equal(t, true, out[0]["ok"])
}

func TestProcessEntryTimeout(t *testing.T) {
	sec, err := core.NewSecurityConfig(core.SecurityOptions{
		MaxMemoryMB: 100, MaxCPUTimeSeconds: 5, MaxRequests: 5,
		AllowedDomains: []string{"*"}, ExecutionTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	src := `class Runnable extends BaseSecureRunnable { process(q) { for (;;) {} } }`
	p, err := New(context.Background(), Config{RouteID: "r", TemplateID: "t", Security: sec}, Deps{
		Templates: newStore(t, map[string]string{"t": src}),
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ProcessEntry(context.Background(), core.Record{})
	assert.ErrorIs(t, err, core.ErrExecutionTimeout)
}

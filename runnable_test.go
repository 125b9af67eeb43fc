package runnable

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

const basicCounter = `
class Runnable extends BaseSecureRunnable {
  init() {
    this.context.counter = 0;
  }

  process(queries) {
    const c = this.context.counter;
    this.context.counter = c + 1;
    const results = queries.map((query, i) => ({
      query_index: i,
      batch_number: this.context.counter,
      previous_count: c,
      ...query,
    }));
    this.logger.info("Processed batch #" + this.context.counter + " with " + queries.length + " queries");
    return results;
  }

  *process_stream(query) {
    yield { streaming: true, counter: this.context.counter, ...query };
  }
}
`

func TestBasicCounter(t *testing.T) {
	r, err := Compile(context.Background(), basicCounter, DefaultSecurityConfig())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		queries := []Record{
			{"message": fmt.Sprintf("Query A in batch %d", i+1)},
			{"message": fmt.Sprintf("Query B in batch %d", i+1)},
		}
		results, err := r.Process(context.Background(), queries)
		if err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
		if len(results) != 2 {
			t.Fatalf("batch %d: got %d results", i+1, len(results))
		}
		if results[1]["batch_number"] != float64(i+1) || results[1]["previous_count"] != float64(i) {
			t.Errorf("batch %d: unexpected result %v", i+1, results[1])
		}
		if results[1]["query_index"] != float64(1) || results[1]["message"] != queries[1]["message"] {
			t.Errorf("batch %d: query fields not carried through: %v", i+1, results[1])
		}
	}
	if logs := r.Logs(); len(logs) != 3 || logs[2].Message != "Processed batch #3 with 2 queries" {
		t.Errorf("unexpected logs %+v", logs)
	}

	s, err := r.ProcessStream(context.Background(), Record{"stream_message": "Testing stream processing"})
	if err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}
	rec, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if rec["streaming"] != true || rec["counter"] != float64(3) {
		t.Errorf("unexpected stream item %v", rec)
	}
	if _, ok, err := s.Next(); ok || err != nil {
		t.Errorf("stream should end after one item, got %v %v", ok, err)
	}
	if r.State() != StateReady {
		t.Errorf("State() = %v, want ready", r.State())
	}
}

func TestCompileErrorsExported(t *testing.T) {
	_, err := Compile(context.Background(), "", SecurityConfig{})
	if !errors.Is(err, ErrBlankTemplate) {
		t.Errorf("expected ErrBlankTemplate, got %v", err)
	}

	err = Check("import x from 'x';")
	var ce *CompileError
	if !errors.As(err, &ce) || !errors.Is(err, ErrSecurityViolation) {
		t.Errorf("expected a *CompileError caused by a security violation, got %v", err)
	}
}

func TestNewSecurityConfigRejectsZeroBounds(t *testing.T) {
	opts := DefaultSecurityOptions()
	opts.MaxRequests = 0
	if _, err := NewSecurityConfig(opts); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

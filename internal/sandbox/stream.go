package sandbox

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/cryguy/runnable/internal/core"
)

// Stream is a lazy sequence of records produced by process_stream. It
// holds the instance busy until it is exhausted, fails or is closed.
type Stream struct {
	r     *Runnable
	exec  *execution
	max   int
	count int

	done bool
}

type streamStep struct {
	Done  bool        `json:"done"`
	Value core.Record `json:"value"`
}

// Next pulls the next record. It returns ok=false once the generator is
// exhausted or the stream has failed; the failure is returned once.
func (s *Stream) Next() (core.Record, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if s.r.State() == core.StateDisposed {
		s.done = true
		return nil, false, core.ErrInstanceDisposed
	}

	out, err := s.exec.eval("__sandbox.next()")
	if err != nil {
		return nil, false, s.finish(err)
	}
	var step streamStep
	if err := json.Unmarshal([]byte(out), &step); err != nil {
		return nil, false, s.finish(fmt.Errorf("decoding stream item: %w", err))
	}
	if step.Done {
		return nil, false, s.finish(nil)
	}

	s.count++
	if s.count > s.max {
		_, err := s.exec.eval("__sandbox.close()")
		if err == nil {
			err = core.NewViolation(core.ViolationLimit, "stream yielded more than %d items", s.max)
		}
		return nil, false, s.finish(err)
	}
	return step.Value, true, nil
}

// Close stops the generator early so its finally blocks run. Closing an
// exhausted or failed stream is a no-op.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	if s.r.State() == core.StateDisposed {
		s.done = true
		return nil
	}
	_, err := s.exec.eval("__sandbox.close()")
	return s.finish(err)
}

// All ranges over the remaining records. Breaking out of the loop closes
// the stream; a failure is yielded once as the final pair.
func (s *Stream) All() iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		defer func() { _ = s.Close() }()
		for {
			rec, ok, err := s.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(rec, nil) {
				return
			}
		}
	}
}

// Count reports how many records have been pulled so far.
func (s *Stream) Count() int { return s.count }

func (s *Stream) finish(err error) error {
	s.done = true
	return s.r.release(s.exec, err)
}

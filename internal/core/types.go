package core

import (
	"context"
	"sync"
	"time"
)

// Record is a structured item handed to and returned from a Runnable.
// Values are JSON-compatible: numbers decode as float64.
type Record = map[string]any

// Template is operator-supplied source text for a Runnable.
type Template struct {
	ID      string `json:"template_id"`
	Content string `json:"template_content"`
}

// LogEntry is a single logger.* call captured from a Runnable.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// State is the lifecycle position of a Runnable.
type State int32

const (
	StateCreated State = iota
	StateCompiling
	StateReady
	StateProcessing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCompiling:
		return "compiling"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// CallKind names the contract method a call invokes.
type CallKind string

const (
	CallInit          CallKind = "init"
	CallProcess       CallKind = "process"
	CallProcessStream CallKind = "process_stream"
)

// ExecutionCall is the immutable snapshot taken when a call starts.
type ExecutionCall struct {
	ID              uint64
	Kind            CallKind
	Start           time.Time
	Deadline        time.Time
	RequestsAtStart uint
}

// CallState is the per-invocation record shared between the call driver
// and capability callbacks. Capabilities run on the interpreter's thread,
// but the watchdog fires from a timer goroutine, so fields are guarded.
type CallState struct {
	Ctx  context.Context
	Call ExecutionCall

	mu        sync.Mutex
	requests  uint
	violation *ViolationError
}

// NewCallState starts tracking a call.
func NewCallState(ctx context.Context, call ExecutionCall) *CallState {
	return &CallState{Ctx: ctx, Call: call, requests: call.RequestsAtStart}
}

// Violate records v unless an earlier violation is already recorded,
// and returns the violation that stands for the call.
func (s *CallState) Violate(v *ViolationError) *ViolationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.violation == nil {
		s.violation = v
	}
	return s.violation
}

// Violation returns the first recorded violation, if any.
func (s *CallState) Violation() *ViolationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation
}

// TakeRequest reserves one outbound request against limit. It reports
// false once the call has used limit requests.
func (s *CallState) TakeRequest(limit uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests-s.Call.RequestsAtStart >= limit {
		return false
	}
	s.requests++
	return true
}

// Requests returns the instance request counter as of now.
func (s *CallState) Requests() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the engine matches one of these
// with errors.Is; typed errors below carry the details.
var (
	ErrBlankTemplate         = errors.New("blank template")
	ErrCompile               = errors.New("compile error")
	ErrInitialization        = errors.New("initialization error")
	ErrSecurityViolation     = errors.New("security violation")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrInstanceDisposed      = errors.New("instance disposed")
	ErrAccessDenied          = errors.New("access denied")
	ErrInvalidConfig         = errors.New("invalid config")
	ErrTemplateNotFound      = errors.New("template not found")
	ErrInstanceBusy          = errors.New("instance busy")
	ErrRuntime               = errors.New("runtime error")
)

// CompileError reports a template that failed syntax checking, loading,
// or did not declare the processing class. Line and Column are 1-based
// and zero when unknown.
type CompileError struct {
	Line     int
	Column   int
	LineText string
	Msg      string
	// Cause is an additional taxonomy error the failure matches, e.g.
	// ErrSecurityViolation for a rejected import.
	Cause error
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile error at %d:%d: %s", e.Line, e.Column, e.Msg)
	}
	return "compile error: " + e.Msg
}

func (e *CompileError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCompile, e.Cause}
	}
	return []error{ErrCompile}
}

// ViolationKind classifies a failure recorded by a guard or capability.
type ViolationKind string

const (
	ViolationSecurity ViolationKind = "security"
	ViolationAccess   ViolationKind = "access"
	ViolationLimit    ViolationKind = "limit"
)

// ViolationError is a guard or capability failure recorded on the host side,
// so it surfaces even when sandboxed code catches the thrown exception.
type ViolationError struct {
	Kind   ViolationKind
	Detail string
	// Fatal marks limit violations after which the instance cannot be trusted
	// (memory, CPU). Security violations are always fatal.
	Fatal bool
}

func (e *ViolationError) Error() string {
	return e.sentinel().Error() + ": " + e.Detail
}

func (e *ViolationError) Unwrap() error { return e.sentinel() }

func (e *ViolationError) sentinel() error {
	switch e.Kind {
	case ViolationAccess:
		return ErrAccessDenied
	case ViolationLimit:
		return ErrResourceLimitExceeded
	default:
		return ErrSecurityViolation
	}
}

// Disposes reports whether the instance must be torn down after this violation.
func (e *ViolationError) Disposes() bool {
	return e.Kind == ViolationSecurity || e.Fatal
}

// NewViolation builds a ViolationError for the given kind.
func NewViolation(kind ViolationKind, format string, args ...any) *ViolationError {
	return &ViolationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// RuntimeError wraps an unclassified failure raised by user code.
type RuntimeError struct {
	Kind CallKind
	Msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RuntimeError) Unwrap() error { return ErrRuntime }

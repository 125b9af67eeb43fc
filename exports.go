package runnable

import (
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/sandbox"
)

// Type aliases re-exporting internal types so downstream code can use
// runnable.SecurityConfig, runnable.Record, etc. without importing the
// internal packages directly.

type Runnable = sandbox.Runnable
type Stream = sandbox.Stream
type Compiler = sandbox.Compiler
type Options = sandbox.Options
type Unit = sandbox.Unit

type SecurityConfig = core.SecurityConfig
type SecurityOptions = core.SecurityOptions
type Record = core.Record
type Template = core.Template
type LogEntry = core.LogEntry
type State = core.State
type CallKind = core.CallKind
type CompileError = core.CompileError
type ViolationError = core.ViolationError
type ViolationKind = core.ViolationKind
type RuntimeError = core.RuntimeError
type TemplateStore = core.TemplateStore
type Propagator = core.Propagator
type JSRuntime = core.JSRuntime
type RuntimeOptions = core.RuntimeOptions
type RuntimeFactory = core.RuntimeFactory

// States re-exported from core.
const (
	StateCreated    = core.StateCreated
	StateCompiling  = core.StateCompiling
	StateReady      = core.StateReady
	StateProcessing = core.StateProcessing
	StateDisposed   = core.StateDisposed
)

// Errors re-exported from core.
var (
	ErrBlankTemplate         = core.ErrBlankTemplate
	ErrCompile               = core.ErrCompile
	ErrInitialization        = core.ErrInitialization
	ErrSecurityViolation     = core.ErrSecurityViolation
	ErrExecutionTimeout      = core.ErrExecutionTimeout
	ErrResourceLimitExceeded = core.ErrResourceLimitExceeded
	ErrInstanceDisposed      = core.ErrInstanceDisposed
	ErrAccessDenied          = core.ErrAccessDenied
	ErrInvalidConfig         = core.ErrInvalidConfig
	ErrTemplateNotFound      = core.ErrTemplateNotFound
	ErrInstanceBusy          = core.ErrInstanceBusy
	ErrRuntime               = core.ErrRuntime
)

// Functions re-exported from core.
var (
	NewSecurityConfig      = core.NewSecurityConfig
	DefaultSecurityConfig  = core.DefaultSecurityConfig
	DefaultSecurityOptions = core.DefaultSecurityOptions
)

package core

import (
	"fmt"
	"strings"
	"time"
)

// Default security bounds, matching what the processor host used in production.
const (
	DefaultMaxMemoryMB       = 100
	DefaultMaxCPUTimeSeconds = 5
	DefaultMaxRequests       = 50
	DefaultExecutionTimeout  = 10 * time.Second
)

// SecurityConfig bounds what a compiled Runnable may do and consume.
// It is immutable once constructed; one value is bound to each Runnable.
type SecurityConfig struct {
	maxMemoryMB          uint
	maxCPUTimeSeconds    uint
	maxRequests          uint
	allowedDomains       []string
	executionTimeout     time.Duration
	enableResourceLimits bool
}

// SecurityOptions are the raw inputs to NewSecurityConfig.
type SecurityOptions struct {
	MaxMemoryMB          uint
	MaxCPUTimeSeconds    uint
	MaxRequests          uint
	AllowedDomains       []string
	ExecutionTimeout     time.Duration
	EnableResourceLimits bool
}

// NewSecurityConfig validates opts and returns an immutable SecurityConfig.
// Every numeric bound must be positive and AllowedDomains must be non-empty.
func NewSecurityConfig(opts SecurityOptions) (SecurityConfig, error) {
	switch {
	case opts.MaxMemoryMB == 0:
		return SecurityConfig{}, fmt.Errorf("%w: max_memory_mb must be > 0", ErrInvalidConfig)
	case opts.MaxCPUTimeSeconds == 0:
		return SecurityConfig{}, fmt.Errorf("%w: max_cpu_time_seconds must be > 0", ErrInvalidConfig)
	case opts.MaxRequests == 0:
		return SecurityConfig{}, fmt.Errorf("%w: max_requests must be > 0", ErrInvalidConfig)
	case opts.ExecutionTimeout <= 0:
		return SecurityConfig{}, fmt.Errorf("%w: execution_timeout must be > 0", ErrInvalidConfig)
	case len(opts.AllowedDomains) == 0:
		return SecurityConfig{}, fmt.Errorf("%w: allowed_domains must not be empty", ErrInvalidConfig)
	}

	domains := make([]string, 0, len(opts.AllowedDomains))
	for _, d := range opts.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			return SecurityConfig{}, fmt.Errorf("%w: allowed_domains contains a blank entry", ErrInvalidConfig)
		}
		if strings.Contains(d, "*") && d != "*" && (!strings.HasPrefix(d, "*.") || strings.Count(d, "*") > 1) {
			return SecurityConfig{}, fmt.Errorf("%w: unsupported wildcard %q", ErrInvalidConfig, d)
		}
		domains = append(domains, strings.TrimSuffix(d, "."))
	}

	return SecurityConfig{
		maxMemoryMB:          opts.MaxMemoryMB,
		maxCPUTimeSeconds:    opts.MaxCPUTimeSeconds,
		maxRequests:          opts.MaxRequests,
		allowedDomains:       domains,
		executionTimeout:     opts.ExecutionTimeout,
		enableResourceLimits: opts.EnableResourceLimits,
	}, nil
}

// DefaultSecurityConfig returns the bounds the processor host compiles with.
func DefaultSecurityConfig() SecurityConfig {
	cfg, err := NewSecurityConfig(DefaultSecurityOptions())
	if err != nil {
		panic("core: invalid default security config: " + err.Error())
	}
	return cfg
}

// DefaultSecurityOptions returns the inputs behind DefaultSecurityConfig.
func DefaultSecurityOptions() SecurityOptions {
	return SecurityOptions{
		MaxMemoryMB:       DefaultMaxMemoryMB,
		MaxCPUTimeSeconds: DefaultMaxCPUTimeSeconds,
		MaxRequests:       DefaultMaxRequests,
		AllowedDomains:    []string{"*"},
		ExecutionTimeout:  DefaultExecutionTimeout,
	}
}

func (c SecurityConfig) MaxMemoryMB() uint { return c.maxMemoryMB }
func (c SecurityConfig) MaxCPUTime() time.Duration { return time.Duration(c.maxCPUTimeSeconds) * time.Second }
func (c SecurityConfig) MaxCPUTimeSeconds() uint { return c.maxCPUTimeSeconds }
func (c SecurityConfig) MaxRequests() uint { return c.maxRequests }
func (c SecurityConfig) ExecutionTimeout() time.Duration { return c.executionTimeout }
func (c SecurityConfig) EnableResourceLimits() bool { return c.enableResourceLimits }
func (c SecurityConfig) IsZero() bool { return c.executionTimeout == 0 }

// AllowedDomains returns a copy of the domain allowlist.
func (c SecurityConfig) AllowedDomains() []string {
	out := make([]string, len(c.allowedDomains))
	copy(out, c.allowedDomains)
	return out
}

// AllowsDomain reports whether host is covered by the allowlist. Entries
// are "*" (any host), an exact host, or "*.suffix" which matches strict
// subdomains of suffix only. host must already be lowercase ASCII.
func (c SecurityConfig) AllowsDomain(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return false
	}
	for _, d := range c.allowedDomains {
		switch {
		case d == "*":
			return true
		case strings.HasPrefix(d, "*."):
			if strings.HasSuffix(host, d[1:]) && len(host) > len(d)-1 {
				return true
			}
		case d == host:
			return true
		}
	}
	return false
}

// Options returns the raw inputs this config was built from.
func (c SecurityConfig) Options() SecurityOptions {
	return SecurityOptions{
		MaxMemoryMB:          c.maxMemoryMB,
		MaxCPUTimeSeconds:    c.maxCPUTimeSeconds,
		MaxRequests:          c.maxRequests,
		AllowedDomains:       c.AllowedDomains(),
		ExecutionTimeout:     c.executionTimeout,
		EnableResourceLimits: c.enableResourceLimits,
	}
}

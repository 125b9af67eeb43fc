// Package config loads engine configuration.
//
// Precedence: defaults, then an optional YAML file, then environment
// variables prefixed RUNNABLE_ (plus DATABASE_URL and REDIS_ADDR, which the
// processor host has always read).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

const DefaultEnvPrefix = "RUNNABLE"

// Config is the full engine configuration.
type Config struct {
	Security SecurityConfig `yaml:"security" env:"SECURITY"`
	Engine   EngineConfig   `yaml:"engine" env:"ENGINE"`
	Retry    RetryConfig    `yaml:"retry" env:"RETRY"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Metrics  MetricsConfig  `yaml:"metrics" env:"METRICS"`
}

// SecurityConfig mirrors core.SecurityOptions in file form.
type SecurityConfig struct {
	MaxMemoryMB          uint          `yaml:"max_memory_mb" env:"MAX_MEMORY_MB"`
	MaxCPUTimeSeconds    uint          `yaml:"max_cpu_time_seconds" env:"MAX_CPU_TIME_SECONDS"`
	MaxRequests          uint          `yaml:"max_requests" env:"MAX_REQUESTS"`
	AllowedDomains       []string      `yaml:"allowed_domains" env:"ALLOWED_DOMAINS"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
	EnableResourceLimits bool          `yaml:"enable_resource_limits" env:"ENABLE_RESOURCE_LIMITS"`
}

// EngineConfig tunes the sandbox beyond the security bounds.
type EngineConfig struct {
	MaxStreamItems       int     `yaml:"max_stream_items" env:"MAX_STREAM_ITEMS"`
	MaxResponseBytes     int64   `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	HTTPRatePerSecond    float64 `yaml:"http_rate_per_second" env:"HTTP_RATE_PER_SECOND"`
	HTTPBurst            int     `yaml:"http_burst" env:"HTTP_BURST"`
	AllowPrivateNetworks bool    `yaml:"allow_private_networks" env:"ALLOW_PRIVATE_NETWORKS"`
}

type RetryConfig struct {
	MaxAttempts         uint          `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval     time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval         time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier          float64       `yaml:"multiplier" env:"MULTIPLIER"`
	RandomizationFactor float64       `yaml:"randomization_factor" env:"RANDOMIZATION_FACTOR"`
}

type DatabaseConfig struct {
	// DSN is a postgres:// URL or a sqlite path. Empty disables storage.
	DSN string `yaml:"dsn" env:"DSN"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	MaxLen       int64  `yaml:"max_len" env:"MAX_LEN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Default returns the configuration the processor host runs with.
func Default() *Config {
	sec := core.DefaultSecurityOptions()
	pol := retry.DefaultPolicy()
	return &Config{
		Security: SecurityConfig{
			MaxMemoryMB:          sec.MaxMemoryMB,
			MaxCPUTimeSeconds:    sec.MaxCPUTimeSeconds,
			MaxRequests:          sec.MaxRequests,
			AllowedDomains:       sec.AllowedDomains,
			ExecutionTimeout:     sec.ExecutionTimeout,
			EnableResourceLimits: sec.EnableResourceLimits,
		},
		Engine: EngineConfig{
			MaxStreamItems:   1000,
			MaxResponseBytes: 10 * 1024 * 1024,
		},
		Retry: RetryConfig{
			MaxAttempts:         pol.MaxAttempts,
			InitialInterval:     pol.InitialInterval,
			MaxInterval:         pol.MaxInterval,
			Multiplier:          pol.Multiplier,
			RandomizationFactor: pol.RandomizationFactor,
		},
		Redis: RedisConfig{
			StreamPrefix: "runnable:results:",
			MaxLen:       10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Loader builds a Config from defaults, a YAML file and the environment.
type Loader struct {
	path      string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces os.LookupEnv, for tests.
func (l *Loader) WithLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load applies every layer and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := setFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix, l.lookupEnv); err != nil {
		return nil, fmt.Errorf("loading config from env: %w", err)
	}
	if v, ok := l.lookupEnv("DATABASE_URL"); ok && v != "" {
		cfg.Database.DSN = v
	}
	if v, ok := l.lookupEnv("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", l.path, err)
	}
	return nil
}

// Validate checks every section that has invariants of its own.
func (c *Config) Validate() error {
	if _, err := c.SecurityConfig(); err != nil {
		return err
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	if c.Engine.MaxStreamItems <= 0 {
		return fmt.Errorf("%w: engine max_stream_items must be > 0", core.ErrInvalidConfig)
	}
	if c.Engine.HTTPRatePerSecond < 0 {
		return fmt.Errorf("%w: engine http_rate_per_second must be >= 0", core.ErrInvalidConfig)
	}
	return nil
}

// SecurityConfig builds the validated, immutable core.SecurityConfig.
func (c *Config) SecurityConfig() (core.SecurityConfig, error) {
	return core.NewSecurityConfig(core.SecurityOptions{
		MaxMemoryMB:          c.Security.MaxMemoryMB,
		MaxCPUTimeSeconds:    c.Security.MaxCPUTimeSeconds,
		MaxRequests:          c.Security.MaxRequests,
		AllowedDomains:       c.Security.AllowedDomains,
		ExecutionTimeout:     c.Security.ExecutionTimeout,
		EnableResourceLimits: c.Security.EnableResourceLimits,
	})
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:         c.Retry.MaxAttempts,
		InitialInterval:     c.Retry.InitialInterval,
		MaxInterval:         c.Retry.MaxInterval,
		Multiplier:          c.Retry.Multiplier,
		RandomizationFactor: c.Retry.RandomizationFactor,
	}
}

// setFromEnv walks struct fields by their env tag, recursing into nested
// sections with the joined prefix.
func setFromEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := setFromEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

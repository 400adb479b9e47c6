// Package config loads the kernel daemon configuration from a TOML file with
// TASKKERNEL_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	NATS      NATSConfig      `toml:"nats"`
	Context   ContextConfig   `toml:"context"`
	Store     StoreConfig     `toml:"store"`
	Tenant    TenantConfig    `toml:"tenant"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Agents    AgentsConfig    `toml:"agents"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPAddr string `toml:"http_addr"`
	LogLevel string `toml:"log_level"`
}

// NATSConfig configures the shared cache and bus connection.
// An empty URL runs the kernel on in-process backends only.
type NATSConfig struct {
	URL       string        `toml:"url"`
	Name      string        `toml:"name"`
	Token     string        `toml:"token"`
	Bucket    string        `toml:"bucket"`
	BucketTTL time.Duration `toml:"bucket_ttl"`
}

// ContextConfig configures context records.
type ContextConfig struct {
	DefaultTTL time.Duration `toml:"default_ttl"`
}

// StoreConfig configures the SQLite entity store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// TenantConfig configures the tenant configuration loader.
type TenantConfig struct {
	ProfilesDir string         `toml:"profiles_dir"`
	Defaults    map[string]any `toml:"defaults"`
}

// PipelineConfig holds the pipeline manager's backpressure constants.
type PipelineConfig struct {
	DripLimit       int           `toml:"drip_limit"`
	ReviewBuffer    int           `toml:"review_buffer"`
	KeywordRatio    int           `toml:"keyword_ratio"`
	AuditThreshold  int           `toml:"audit_threshold"`
	DispatchTimeout time.Duration `toml:"dispatch_timeout"`
	LockTTL         time.Duration `toml:"lock_ttl"`
}

// AgentsConfig selects where pipeline action tasks run.
type AgentsConfig struct {
	// Mode is "local" (in-process stage agents) or "bus" (forwarded to
	// remote workers over NATS).
	Mode string `toml:"mode"`
	// Workers starts in-process bus workers for the pipeline tasks in bus
	// mode, so a single node can serve its own requests.
	Workers bool `toml:"workers"`
	// Aliases maps alternate task strings to registered task names.
	Aliases map[string]string `toml:"aliases"`
}

// RateLimitConfig throttles dispatches per tenant. A zero Rate disables
// limiting for every tenant without an entry in Tenants.
type RateLimitConfig struct {
	Rate    float64               `toml:"rate"`
	Burst   int                   `toml:"burst"`
	IdleTTL time.Duration         `toml:"idle_ttl"`
	Tenants map[string]TenantRate `toml:"tenants"`
}

// TenantRate overrides the dispatch rate for one tenant.
type TenantRate struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// TelemetryConfig configures tracing and the event stream.
// An empty Endpoint leaves tracing on the no-op provider.
type TelemetryConfig struct {
	Endpoint       string  `toml:"endpoint"`
	Protocol       string  `toml:"protocol"`
	Insecure       bool    `toml:"insecure"`
	ServiceName    string  `toml:"service_name"`
	Debug          bool    `toml:"debug"`
	SampleRatio    float64 `toml:"sample_ratio"`
	Events         string  `toml:"events"` // noop, file, http, bus
	EventsEndpoint string  `toml:"events_endpoint"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		NATS: NATSConfig{
			Name:      "taskkernel",
			Bucket:    "kernel-contexts",
			BucketTTL: 24 * time.Hour,
		},
		Context: ContextConfig{
			DefaultTTL: time.Hour,
		},
		Store: StoreConfig{
			Path: "taskkernel.db",
		},
		Tenant: TenantConfig{
			ProfilesDir: "profiles",
			Defaults:    map[string]any{},
		},
		Pipeline: PipelineConfig{
			DripLimit:       2,
			ReviewBuffer:    2,
			KeywordRatio:    5,
			AuditThreshold:  20,
			DispatchTimeout: 5 * time.Minute,
			LockTTL:         6 * time.Minute,
		},
		Agents: AgentsConfig{
			Mode: "local",
		},
		RateLimit: RateLimitConfig{
			IdleTTL: 10 * time.Minute,
			Tenants: map[string]TenantRate{},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskkernel",
			Events:      "noop",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults without consulting the
// environment.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the kernel cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.DripLimit < 1:
		return fmt.Errorf("pipeline.drip_limit must be >= 1")
	case c.Pipeline.ReviewBuffer < 0:
		return fmt.Errorf("pipeline.review_buffer must be >= 0")
	case c.Pipeline.KeywordRatio < 1:
		return fmt.Errorf("pipeline.keyword_ratio must be >= 1")
	case c.Pipeline.DispatchTimeout <= 0:
		return fmt.Errorf("pipeline.dispatch_timeout must be positive")
	case c.Pipeline.LockTTL < c.Pipeline.DispatchTimeout:
		return fmt.Errorf("pipeline.lock_ttl must be at least pipeline.dispatch_timeout")
	case c.Context.DefaultTTL <= 0:
		return fmt.Errorf("context.default_ttl must be positive")
	case c.Shutdown.Timeout < 0:
		return fmt.Errorf("shutdown.timeout must not be negative")
	case c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0:
		return fmt.Errorf("ratelimit.rate and ratelimit.burst must not be negative")
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Agents.Mode {
	case "local", "bus":
	default:
		return fmt.Errorf("agents.mode must be local or bus")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http")
	}
	return nil
}

// envBinding maps one TASKKERNEL_* variable onto a field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"TASKKERNEL_HTTP_ADDR", func(c *Config, v string) error { c.Server.HTTPAddr = v; return nil }},
	{"TASKKERNEL_LOG_LEVEL", func(c *Config, v string) error { c.Server.LogLevel = v; return nil }},
	{"TASKKERNEL_NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"TASKKERNEL_NATS_TOKEN", func(c *Config, v string) error { c.NATS.Token = v; return nil }},
	{"TASKKERNEL_NATS_BUCKET", func(c *Config, v string) error { c.NATS.Bucket = v; return nil }},
	{"TASKKERNEL_CONTEXT_TTL", durationSetter(func(c *Config) *time.Duration { return &c.Context.DefaultTTL })},
	{"TASKKERNEL_STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"TASKKERNEL_PROFILES_DIR", func(c *Config, v string) error { c.Tenant.ProfilesDir = v; return nil }},
	{"TASKKERNEL_DRIP_LIMIT", intSetter(func(c *Config) *int { return &c.Pipeline.DripLimit })},
	{"TASKKERNEL_DISPATCH_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Pipeline.DispatchTimeout })},
	{"TASKKERNEL_AGENTS_MODE", func(c *Config, v string) error { c.Agents.Mode = v; return nil }},
	{"TASKKERNEL_RATE_LIMIT", floatSetter(func(c *Config) *float64 { return &c.RateLimit.Rate })},
	{"TASKKERNEL_RATE_BURST", intSetter(func(c *Config) *int { return &c.RateLimit.Burst })},
	{"TASKKERNEL_TELEMETRY_ENDPOINT", func(c *Config, v string) error { c.Telemetry.Endpoint = v; return nil }},
	{"TASKKERNEL_SHUTDOWN_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Shutdown.Timeout })},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"agent-toollease/internal/registry"
)

// Config holds all application configuration, including the provider's tool
// whitelist. Loaded once at start, immutable thereafter.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Billing  BillingConfig  `yaml:"billing"`
	TLS      TLSConfig      `yaml:"tls"`
	Tools    []ToolConfig   `yaml:"tools"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type ProviderConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

type EngineConfig struct {
	Backend        string           `yaml:"backend"` // "process" (default), "containerd", or "auto"
	MaxConcurrent  int              `yaml:"max_concurrent"`
	ExecPath       string           `yaml:"exec_path"` // PATH visible to tool processes
	MaxOutputBytes int              `yaml:"max_output_bytes"`
	Containerd     ContainerdConfig `yaml:"containerd"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// BillingConfig is the settlement split. The three percentages must sum to
// exactly 100.
type BillingConfig struct {
	ProviderPct int64 `yaml:"provider_pct"`
	PlatformPct int64 `yaml:"platform_pct"`
	ReservePct  int64 `yaml:"reserve_pct"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ToolConfig is one whitelist entry as written in config.
type ToolConfig struct {
	ID                  string          `yaml:"id"`
	Name                string          `yaml:"name"`
	Command             string          `yaml:"command"`
	Args                []ToolArgConfig `yaml:"args"`
	MaxDurationSeconds  int64           `yaml:"max_duration_seconds"`
	PricePerMinuteCents int64           `yaml:"price_per_minute_cents"`
	Limits              ToolLimits      `yaml:"limits"`
}

type ToolArgConfig struct {
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	Required      bool     `yaml:"required"`
	Min           *float64 `yaml:"min"`
	Max           *float64 `yaml:"max"`
	Pattern       string   `yaml:"pattern"`
	AllowedValues []string `yaml:"allowed_values"`
}

type ToolLimits struct {
	MaxCPUPercent  int64 `yaml:"max_cpu_percent"`
	MaxMemoryMB    int64 `yaml:"max_memory_mb"`
	MaxDiskWriteMB int64 `yaml:"max_disk_write_mb"`
}

// envOverlay carries deploy-time overrides applied on top of the YAML file.
type envOverlay struct {
	Port        int      `env:"PORT"`
	DatabaseDSN string   `env:"DATABASE_DSN"`
	APIKeys     []string `env:"API_KEYS" envSeparator:","`
	ProviderID  string   `env:"PROVIDER_ID"`
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	if overlay.Port != 0 {
		c.Server.Port = overlay.Port
	}
	if overlay.DatabaseDSN != "" {
		c.Database.DSN = overlay.DatabaseDSN
	}
	if len(overlay.APIKeys) > 0 {
		c.Security.AllowedKeys = overlay.APIKeys
	}
	if overlay.ProviderID != "" {
		c.Provider.ID = overlay.ProviderID
	}
	return nil
}

// DefaultConfig returns sensible defaults for everything except the
// provider identity and tool whitelist, which have no meaningful defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Provider: ProviderConfig{
			WorkspaceRoot: "/var/lib/toollease/workspaces",
		},
		Engine: EngineConfig{
			Backend:        "process",
			MaxConcurrent:  100,
			MaxOutputBytes: 1 << 20,
			Containerd: ContainerdConfig{
				Socket:    "/run/containerd/containerd.sock",
				Namespace: "toollease",
				Image:     "docker.io/library/busybox:latest",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Billing: BillingConfig{
			ProviderPct: 90,
			PlatformPct: 7,
			ReservePct:  3,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Provider.ID == "" {
		return fmt.Errorf("provider.id is required")
	}
	if !filepath.IsAbs(c.Provider.WorkspaceRoot) {
		return fmt.Errorf("provider.workspace_root must be an absolute path, got %q", c.Provider.WorkspaceRoot)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1")
	}
	switch c.Engine.Backend {
	case "", "process", "containerd", "auto":
	default:
		return fmt.Errorf("engine.backend must be process, containerd, or auto, got %q", c.Engine.Backend)
	}
	if c.Billing.ProviderPct < 0 || c.Billing.PlatformPct < 0 || c.Billing.ReservePct < 0 {
		return fmt.Errorf("billing percentages must be non-negative")
	}
	if sum := c.Billing.ProviderPct + c.Billing.PlatformPct + c.Billing.ReservePct; sum != 100 {
		return fmt.Errorf("billing split must sum to 100, got %d", sum)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("at least one tool must be whitelisted")
	}
	// Tool-level validation happens in registry.New; only shape checks here.
	for _, t := range c.Tools {
		if t.ID == "" {
			return fmt.Errorf("every tool needs an id")
		}
	}
	return nil
}

// BuildRegistry converts the configured whitelist into the immutable tool
// registry, validating every definition.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	defs := make([]registry.ToolDefinition, 0, len(c.Tools))
	for _, t := range c.Tools {
		args := make([]registry.ArgSpec, 0, len(t.Args))
		for _, a := range t.Args {
			args = append(args, registry.ArgSpec{
				Name:          a.Name,
				Type:          registry.ArgType(a.Type),
				Required:      a.Required,
				Min:           a.Min,
				Max:           a.Max,
				Pattern:       a.Pattern,
				AllowedValues: a.AllowedValues,
			})
		}
		defs = append(defs, registry.ToolDefinition{
			ID:                  t.ID,
			Name:                t.Name,
			Command:             t.Command,
			Args:                args,
			MaxDurationSeconds:  t.MaxDurationSeconds,
			PricePerMinuteCents: t.PricePerMinuteCents,
			Limits: registry.ResourceLimits{
				MaxCPUPercent:  t.Limits.MaxCPUPercent,
				MaxMemoryMB:    t.Limits.MaxMemoryMB,
				MaxDiskWriteMB: t.Limits.MaxDiskWriteMB,
			},
		})
	}
	return registry.New(defs)
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

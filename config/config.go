// Package config implements the layered configuration the composition root
// (cmd/elspethd) loads before wiring the engine together: hardcoded
// defaults, then environment variables, then functional options, in that
// priority order.
//
// Grounded on core/config.go's three-layer Config/DefaultConfig/LoadFromEnv/
// Option shape, narrowed from an agent framework's HTTP/discovery/AI
// settings to a pipeline engine's landscape/graph/pool/checkpoint/telemetry/
// security settings, and on core/config.go's LoadFromFile for the YAML/JSON
// settings-file layer (this package actually parses YAML via
// gopkg.in/yaml.v3 where the teacher's own comment notes it would need that
// import but never adds it).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth-sub014/errs"
)

// SecurityMode is the approved-endpoint allowlist enforcement level (spec §6).
type SecurityMode string

const (
	SecurityDisabled SecurityMode = "disabled"
	SecurityStandard SecurityMode = "standard"
	SecurityStrict   SecurityMode = "strict"
)

// LandscapeConfig configures the audit recorder's backing store.
type LandscapeConfig struct {
	DSN             string        `yaml:"dsn" env:"ELSPETH_LANDSCAPE_DSN" default:""`
	PayloadStoreDir string        `yaml:"payload_store_dir" env:"ELSPETH_PAYLOAD_STORE_DIR" default:"./payloads"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"ELSPETH_LANDSCAPE_QUERY_TIMEOUT" default:"10s"`
}

// GraphConfig configures step assignment and fingerprinting behavior.
type GraphConfig struct {
	// StrictFingerprint is loaded and validated with the rest of the
	// configuration but no package reads it: a resume whose graph fingerprint
	// has drifted is always rejected, whatever its value, and there is no
	// degraded-mode resume.
	StrictFingerprint bool `yaml:"strict_fingerprint" env:"ELSPETH_GRAPH_STRICT_FINGERPRINT" default:"true"`
}

// PoolConfig configures the bounded-concurrency retry executor.
type PoolConfig struct {
	Workers         int           `yaml:"workers" env:"ELSPETH_POOL_WORKERS" default:"4"`
	MaxAttempts     int           `yaml:"max_attempts" env:"ELSPETH_POOL_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"ELSPETH_POOL_INITIAL_INTERVAL" default:"500ms"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"ELSPETH_POOL_MAX_INTERVAL" default:"30s"`
}

// CheckpointConfig configures the durability marker cadence.
type CheckpointConfig struct {
	Enabled bool `yaml:"enabled" env:"ELSPETH_CHECKPOINT_ENABLED" default:"true"`
}

// TelemetryConfig configures structured logging and OTel export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" env:"ELSPETH_TELEMETRY_ENABLED" default:"false"`
	ServiceName    string  `yaml:"service_name" env:"ELSPETH_SERVICE_NAME" default:"elspethd"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"ELSPETH_OTLP_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"ELSPETH_TRACE_SAMPLING_RATIO" default:"1.0"`
	Insecure       bool    `yaml:"insecure" env:"ELSPETH_OTLP_INSECURE" default:"true"`
	LogFormat      string  `yaml:"log_format" env:"ELSPETH_LOG_FORMAT" default:""`
	LogLevel       string  `yaml:"log_level" env:"ELSPETH_LOG_LEVEL" default:"info"`
	DevelopmentLog bool    `yaml:"development_log" env:"ELSPETH_DEV_LOG" default:"false"`
}

// SecurityConfig configures the approved-endpoint allowlist (spec §6).
type SecurityConfig struct {
	Mode              SecurityMode `yaml:"mode" env:"ELSPETH_SECURITY_MODE" default:"standard"`
	AllowlistPattern  string       `yaml:"allowlist_pattern" env:"ELSPETH_SECURITY_ALLOWLIST" default:""`
	DevelopmentBypass bool         `yaml:"development_bypass" env:"ELSPETH_SECURITY_DEV_BYPASS" default:"false"`
}

// Config is the root configuration object loaded by the composition root.
type Config struct {
	RunConfigPath string            `yaml:"run_config_path" env:"ELSPETH_RUN_CONFIG" default:""`
	Landscape     LandscapeConfig   `yaml:"landscape"`
	Graph         GraphConfig       `yaml:"graph"`
	Pool          PoolConfig        `yaml:"pool"`
	Checkpoint    CheckpointConfig  `yaml:"checkpoint"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	Security      SecurityConfig    `yaml:"security"`
}

// Option mutates a Config under construction. Options are applied last, so
// they take precedence over both defaults and environment variables.
type Option func(*Config)

// Default returns a Config populated with hardcoded defaults. Callers
// typically follow this with LoadFromEnv and then functional options.
func Default() *Config {
	return &Config{
		Landscape: LandscapeConfig{
			PayloadStoreDir: "./payloads",
			QueryTimeout:    10 * time.Second,
		},
		Graph: GraphConfig{StrictFingerprint: true},
		Pool: PoolConfig{
			Workers:         4,
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		Checkpoint: CheckpointConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "elspethd",
			SamplingRatio: 1.0,
			Insecure:      true,
			LogLevel:      "info",
		},
		Security: SecurityConfig{Mode: SecurityStandard},
	}
}

// LoadFromEnv overlays environment variables onto c, matching the teacher's
// convention of one framework-specific GOMIND_/ELSPETH_ variable per field,
// with an optional secondary standard-variable name (e.g.
// OTEL_EXPORTER_OTLP_ENDPOINT) tried when the primary is unset.
func (c *Config) LoadFromEnv() error {
	if v := firstEnv("ELSPETH_RUN_CONFIG"); v != "" {
		c.RunConfigPath = v
	}
	if v := firstEnv("ELSPETH_LANDSCAPE_DSN"); v != "" {
		c.Landscape.DSN = v
	}
	if v := firstEnv("ELSPETH_PAYLOAD_STORE_DIR"); v != "" {
		c.Landscape.PayloadStoreDir = v
	}
	if v := firstEnv("ELSPETH_LANDSCAPE_QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_LANDSCAPE_QUERY_TIMEOUT: %w", err)
		}
		c.Landscape.QueryTimeout = d
	}
	if v := firstEnv("ELSPETH_GRAPH_STRICT_FINGERPRINT"); v != "" {
		c.Graph.StrictFingerprint = parseBool(v)
	}
	if v := firstEnv("ELSPETH_POOL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_POOL_WORKERS: %w", err)
		}
		c.Pool.Workers = n
	}
	if v := firstEnv("ELSPETH_POOL_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_POOL_MAX_ATTEMPTS: %w", err)
		}
		c.Pool.MaxAttempts = n
	}
	if v := firstEnv("ELSPETH_POOL_INITIAL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_POOL_INITIAL_INTERVAL: %w", err)
		}
		c.Pool.InitialInterval = d
	}
	if v := firstEnv("ELSPETH_POOL_MAX_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_POOL_MAX_INTERVAL: %w", err)
		}
		c.Pool.MaxInterval = d
	}
	if v := firstEnv("ELSPETH_CHECKPOINT_ENABLED"); v != "" {
		c.Checkpoint.Enabled = parseBool(v)
	}
	if v := firstEnv("ELSPETH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := firstEnv("ELSPETH_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := firstEnv("ELSPETH_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := firstEnv("ELSPETH_TRACE_SAMPLING_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config.LoadFromEnv: ELSPETH_TRACE_SAMPLING_RATIO: %w", err)
		}
		c.Telemetry.SamplingRatio = f
	}
	if v := firstEnv("ELSPETH_OTLP_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}
	if v := firstEnv("ELSPETH_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
	if v := firstEnv("ELSPETH_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := firstEnv("ELSPETH_DEV_LOG"); v != "" {
		c.Telemetry.DevelopmentLog = parseBool(v)
	}
	if v := firstEnv("ELSPETH_SECURITY_MODE"); v != "" {
		c.Security.Mode = SecurityMode(v)
	}
	if v := firstEnv("ELSPETH_SECURITY_ALLOWLIST"); v != "" {
		c.Security.AllowlistPattern = v
	}
	if v := firstEnv("ELSPETH_SECURITY_DEV_BYPASS"); v != "" {
		c.Security.DevelopmentBypass = parseBool(v)
	}
	return c.Validate()
}

// LoadFromFile overlays a YAML settings file onto c. It is the
// human-authored-defaults layer named in spec §1.1; it runs before
// LoadFromEnv so environment variables still win over file content.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config.LoadFromFile: %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config.LoadFromFile: %s: %w", path, err)
	}
	return nil
}

// Validate rejects a Config with an invalid combination of settings.
func (c *Config) Validate() error {
	switch c.Security.Mode {
	case SecurityDisabled, SecurityStandard, SecurityStrict:
	default:
		return errs.New("config.Validate", "configuration",
			fmt.Errorf("%w: unknown security mode %q", errs.ErrInvalidConfiguration, c.Security.Mode))
	}
	if c.Pool.Workers < 1 {
		return errs.New("config.Validate", "configuration",
			fmt.Errorf("%w: pool.workers must be >= 1, got %d", errs.ErrInvalidConfiguration, c.Pool.Workers))
	}
	if c.Pool.MaxAttempts < 1 {
		return errs.New("config.Validate", "configuration",
			fmt.Errorf("%w: pool.max_attempts must be >= 1, got %d", errs.ErrInvalidConfiguration, c.Pool.MaxAttempts))
	}
	return nil
}

// New builds a Config by layering defaults, environment variables, and then
// opts in priority order, matching core.NewConfig's three-layer assembly.
func New(opts ...Option) (*Config, error) {
	c := Default()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func WithLandscapeDSN(dsn string) Option {
	return func(c *Config) { c.Landscape.DSN = dsn }
}

func WithPoolWorkers(n int) Option {
	return func(c *Config) { c.Pool.Workers = n }
}

func WithSecurityMode(mode SecurityMode) Option {
	return func(c *Config) { c.Security.Mode = mode }
}

func WithTelemetry(enabled bool, otlpEndpoint string) Option {
	return func(c *Config) {
		c.Telemetry.Enabled = enabled
		c.Telemetry.OTLPEndpoint = otlpEndpoint
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return b
}

// SecretResolver implements the secret-fingerprint key lookup chain of spec
// §6: try an environment variable first, then a key-vault URL + secret
// name. A missing secret raises ErrMissingConfiguration rather than
// silently defaulting, and a vault lookup failure is returned wrapped with
// %w, so errors.Is/As still reach the original error.
type SecretResolver struct {
	// VaultLookup resolves (vaultURL, secretName) to a secret value. Nil in
	// deployments with no vault configured; EnvVar-only resolution still
	// works with VaultLookup nil.
	VaultLookup func(vaultURL, secretName string) (string, error)
}

// Resolve tries envVar first, then vaultURL+secretName if both are
// non-empty and a VaultLookup is configured.
func (r *SecretResolver) Resolve(envVar, vaultURL, secretName string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if vaultURL != "" && secretName != "" {
		if r.VaultLookup == nil {
			return "", errs.New("config.SecretResolver.Resolve", "configuration",
				fmt.Errorf("%w: secret %s not in env and no vault lookup configured", errs.ErrMissingConfiguration, envVar))
		}
		v, err := r.VaultLookup(vaultURL, secretName)
		if err != nil {
			return "", fmt.Errorf("config.SecretResolver.Resolve: vault lookup for %s: %w", secretName, err)
		}
		return v, nil
	}
	return "", errs.New("config.SecretResolver.Resolve", "configuration",
		fmt.Errorf("%w: secret %s not found: no env var and no vault configured", errs.ErrMissingConfiguration, envVar))
}

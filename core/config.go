package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the medic agent.
// It supports four-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables
//  3. Config file (MEDIC_CONFIG_FILE, .yaml/.yml/.json)
//  4. Functional options (highest priority)
//
// The configuration automatically detects the execution environment
// (Kubernetes vs local) and adjusts defaults accordingly.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithMode(ModeLive),
//	    WithStorePath("/var/lib/medic/outcomes.db"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	Name    string `json:"name" yaml:"name" env:"MEDIC_AGENT_NAME"`
	ID      string `json:"id" yaml:"id" env:"MEDIC_AGENT_ID"`
	Mode    string `json:"mode" yaml:"mode" env:"MEDIC_MODE" default:"observer"`
	Port    int    `json:"port" yaml:"port" env:"MEDIC_PORT" default:"8080"`
	Address string `json:"address" yaml:"address" env:"MEDIC_ADDRESS"`

	// Risk policy configuration
	Risk RiskConfig `json:"risk" yaml:"risk"`

	// Adaptive learning configuration
	Learning LearningConfig `json:"learning" yaml:"learning"`

	// Outcome store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Kill event feed configuration
	Feed FeedConfig `json:"feed" yaml:"feed"`

	// Threat-intel enricher configuration
	Enricher EnricherConfig `json:"enricher" yaml:"enricher"`

	// Runtime executor configuration
	Executor ExecutorConfig `json:"executor" yaml:"executor"`

	// Resurrection guard configuration
	Guard GuardConfig `json:"guard" yaml:"guard"`

	// Admin HTTP surface configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Telemetry configuration
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development" yaml:"development"`
}

// RiskConfig carries the risk policy: factor weights, decision thresholds,
// and the module lists consulted by the decision engine.
type RiskConfig struct {
	Weights               RiskWeights    `json:"weights" yaml:"weights"`
	Thresholds            RiskThresholds `json:"thresholds" yaml:"thresholds"`
	CriticalModules       []string       `json:"critical_modules" yaml:"critical_modules"`
	AlwaysDenyModules     []string       `json:"always_deny_modules" yaml:"always_deny_modules"`
	AlwaysRequireApproval []string       `json:"always_require_approval" yaml:"always_require_approval"`
	AutoApproveEnabled    bool           `json:"auto_approve_enabled" yaml:"auto_approve_enabled"`
}

// LearningConfig controls the pattern analyzer, threshold adapter, and the
// decision engine's self-calibration.
type LearningConfig struct {
	Enabled                   bool          `json:"enabled" yaml:"enabled"`
	WindowDays                int           `json:"window_days" yaml:"window_days" default:"30"`
	MinSamplesAnalysis        int           `json:"min_samples_analysis" yaml:"min_samples_analysis" default:"10"`
	MinSamplesAdjustment      int           `json:"min_samples_adjustment" yaml:"min_samples_adjustment" default:"50"`
	CooldownHours             int           `json:"cooldown_hours" yaml:"cooldown_hours" default:"24"`
	TargetAutoApproveAccuracy float64       `json:"target_auto_approve_accuracy" yaml:"target_auto_approve_accuracy" default:"0.95"`
	MaxAdjustmentPercent      float64       `json:"max_adjustment_percent" yaml:"max_adjustment_percent" default:"0.10"`
	RequireApproval           bool          `json:"require_approval" yaml:"require_approval"`
	AnalysisInterval          time.Duration `json:"analysis_interval" yaml:"analysis_interval"`
	CalibrationInterval       time.Duration `json:"calibration_interval" yaml:"calibration_interval"`
}

// StoreConfig selects and locates the outcome store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite"
	Backend string `json:"backend" yaml:"backend" env:"MEDIC_STORE_BACKEND" default:"sqlite"`
	// Path is the SQLite database file; parents are created on first use
	Path string `json:"path" yaml:"path" env:"MEDIC_STORE_PATH" default:"data/medic_outcomes.db"`
}

// FeedConfig configures the inbound kill event source.
type FeedConfig struct {
	// Provider is "redis" or "mock"
	Provider string `json:"provider" yaml:"provider" env:"MEDIC_FEED_PROVIDER" default:"redis"`
	RedisURL string `json:"redis_url" yaml:"redis_url" env:"MEDIC_REDIS_URL"`
	// Stream and Group identify the upstream consumer group
	Stream       string        `json:"stream" yaml:"stream" default:"smith.events.kill_notifications"`
	Group        string        `json:"group" yaml:"group" default:"medic-agent"`
	Consumer     string        `json:"consumer" yaml:"consumer"`
	BlockTimeout time.Duration `json:"block_timeout" yaml:"block_timeout"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" default:"16"`
	ClaimMinIdle time.Duration `json:"claim_min_idle" yaml:"claim_min_idle"`
}

// EnricherConfig configures the threat-intel adapter.
type EnricherConfig struct {
	// Provider is "siem" or "noop"
	Provider string        `json:"provider" yaml:"provider" env:"MEDIC_ENRICHER_PROVIDER" default:"noop"`
	BaseURL  string        `json:"base_url" yaml:"base_url" env:"MEDIC_SIEM_URL"`
	APIKey   string        `json:"api_key" yaml:"api_key" env:"MEDIC_SIEM_API_KEY"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// ExecutorConfig configures the runtime restart adapter.
type ExecutorConfig struct {
	// Provider is "supervisor" or "dryrun"
	Provider       string        `json:"provider" yaml:"provider" env:"MEDIC_EXECUTOR_PROVIDER" default:"dryrun"`
	BaseURL        string        `json:"base_url" yaml:"base_url" env:"MEDIC_SUPERVISOR_URL"`
	LabelPrefix    string        `json:"label_prefix" yaml:"label_prefix" default:"medic.module"`
	RestartTimeout time.Duration `json:"restart_timeout" yaml:"restart_timeout"`
	HealthTimeout  time.Duration `json:"health_timeout" yaml:"health_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// GuardConfig bounds how aggressively auto-approved resurrections execute.
type GuardConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	GlobalPerHour   int      `json:"global_per_hour" yaml:"global_per_hour" default:"10"`
	ModulePerHour   int      `json:"module_per_hour" yaml:"module_per_hour" default:"3"`
	CooldownSeconds int      `json:"cooldown_seconds" yaml:"cooldown_seconds" default:"300"`
	Blacklist       []string `json:"blacklist" yaml:"blacklist"`
}

// HTTPConfig contains admin HTTP server configuration.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORS            CORSConfig    `json:"cors" yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings for the admin
// surface. Disabled by default.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers" yaml:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `json:"max_age" yaml:"max_age"`
}

// TelemetryConfig controls metric and trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"MEDIC_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"MEDIC_LOG_FORMAT" default:"json"`
	Output string `json:"output" yaml:"output" default:"stdout"`
}

// DevelopmentConfig tunes local development behavior.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging"`
}

// Option is a functional option for configuring the agent.
type Option func(*Config) error

// NewConfig creates a configuration by applying defaults, environment
// variables, the optional config file, and functional options in priority
// order, then validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if path := os.Getenv("MEDIC_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the baseline configuration before environment and
// option overrides. Observer mode, noop enricher, and dry-run executor are
// the safe defaults: a freshly deployed agent records decisions without
// touching anything.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:    "medic-agent",
		Mode:    string(ModeObserver),
		Port:    8080,
		Address: "0.0.0.0",
		Risk: RiskConfig{
			Weights:            DefaultRiskWeights(),
			Thresholds:         DefaultRiskThresholds(),
			AutoApproveEnabled: true,
		},
		Learning: LearningConfig{
			Enabled:                   true,
			WindowDays:                30,
			MinSamplesAnalysis:        10,
			MinSamplesAdjustment:      50,
			CooldownHours:             24,
			TargetAutoApproveAccuracy: 0.95,
			MaxAdjustmentPercent:      0.10,
			RequireApproval:           true,
			AnalysisInterval:          time.Hour,
			CalibrationInterval:       6 * time.Hour,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "data/medic_outcomes.db",
		},
		Feed: FeedConfig{
			Provider:     "redis",
			RedisURL:     "redis://localhost:6379",
			Stream:       "smith.events.kill_notifications",
			Group:        "medic-agent",
			BlockTimeout: 5 * time.Second,
			BatchSize:    16,
			ClaimMinIdle: time.Minute,
		},
		Enricher: EnricherConfig{
			Provider: "noop",
			Timeout:  10 * time.Second,
		},
		Executor: ExecutorConfig{
			Provider:       "dryrun",
			LabelPrefix:    "medic.module",
			RestartTimeout: 30 * time.Second,
			HealthTimeout:  30 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Guard: GuardConfig{
			Enabled:         true,
			GlobalPerHour:   10,
			ModulePerHour:   3,
			CooldownSeconds: 300,
		},
		HTTP: HTTPConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
		},
		Telemetry: TelemetryConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts configuration based on the detected execution
// environment. Called automatically by DefaultConfig().
//
// Detection criteria:
//   - Kubernetes: KUBERNETES_SERVICE_HOST environment variable is set
//   - Local: no Kubernetes environment variables detected
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
		c.Feed.RedisURL = "redis://redis.default.svc.cluster.local:6379"
	} else {
		c.Address = "localhost"
		c.Feed.RedisURL = "redis://localhost:6379"

		if os.Getenv("MEDIC_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by
// the config file and functional options.
//
// Variable naming convention:
//   - Agent-specific: MEDIC_<SETTING>
//   - Standard variables: REDIS_URL, OTEL_EXPORTER_OTLP_ENDPOINT
func (c *Config) LoadFromEnv() error {
	// Core settings
	if v := os.Getenv("MEDIC_AGENT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("MEDIC_AGENT_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("MEDIC_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("MEDIC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("MEDIC_ADDRESS"); v != "" {
		c.Address = v
	}

	// Risk policy settings
	if v := os.Getenv("MEDIC_AUTO_APPROVE_ENABLED"); v != "" {
		c.Risk.AutoApproveEnabled = parseBool(v)
	}
	if v := os.Getenv("MEDIC_CRITICAL_MODULES"); v != "" {
		c.Risk.CriticalModules = parseStringList(v)
	}
	if v := os.Getenv("MEDIC_ALWAYS_DENY_MODULES"); v != "" {
		c.Risk.AlwaysDenyModules = parseStringList(v)
	}
	if v := os.Getenv("MEDIC_ALWAYS_REQUIRE_APPROVAL"); v != "" {
		c.Risk.AlwaysRequireApproval = parseStringList(v)
	}

	// Learning settings
	if v := os.Getenv("MEDIC_LEARNING_ENABLED"); v != "" {
		c.Learning.Enabled = parseBool(v)
	}
	if v := os.Getenv("MEDIC_LEARNING_WINDOW_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.Learning.WindowDays = days
		}
	}

	// Store settings
	if v := os.Getenv("MEDIC_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("MEDIC_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// Feed settings
	if v := os.Getenv("MEDIC_FEED_PROVIDER"); v != "" {
		c.Feed.Provider = v
	}
	if v := os.Getenv("MEDIC_REDIS_URL"); v != "" {
		c.Feed.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Feed.RedisURL = v
	}
	if v := os.Getenv("MEDIC_FEED_STREAM"); v != "" {
		c.Feed.Stream = v
	}
	if v := os.Getenv("MEDIC_FEED_GROUP"); v != "" {
		c.Feed.Group = v
	}
	if v := os.Getenv("MEDIC_FEED_CONSUMER"); v != "" {
		c.Feed.Consumer = v
	}

	// Enricher settings
	if v := os.Getenv("MEDIC_ENRICHER_PROVIDER"); v != "" {
		c.Enricher.Provider = v
	}
	if v := os.Getenv("MEDIC_SIEM_URL"); v != "" {
		c.Enricher.BaseURL = v
		if c.Enricher.Provider == "" || c.Enricher.Provider == "noop" {
			c.Enricher.Provider = "siem" // Auto-select when a URL is provided
		}
	}
	if v := os.Getenv("MEDIC_SIEM_API_KEY"); v != "" {
		c.Enricher.APIKey = v
	}
	if v := os.Getenv("MEDIC_ENRICHER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Enricher.Timeout = d
		}
	}

	// Executor settings
	if v := os.Getenv("MEDIC_EXECUTOR_PROVIDER"); v != "" {
		c.Executor.Provider = v
	}
	if v := os.Getenv("MEDIC_SUPERVISOR_URL"); v != "" {
		c.Executor.BaseURL = v
	}
	if v := os.Getenv("MEDIC_RESTART_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.RestartTimeout = d
		}
	}
	if v := os.Getenv("MEDIC_HEALTH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.HealthTimeout = d
		}
	}

	// Guard settings
	if v := os.Getenv("MEDIC_GUARD_ENABLED"); v != "" {
		c.Guard.Enabled = parseBool(v)
	}
	if v := os.Getenv("MEDIC_GUARD_BLACKLIST"); v != "" {
		c.Guard.Blacklist = parseStringList(v)
	}

	// Telemetry settings
	if v := os.Getenv("MEDIC_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("MEDIC_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if endpoint is provided
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Name
	}

	// Logging settings
	if v := os.Getenv("MEDIC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MEDIC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Development settings
	if v := os.Getenv("MEDIC_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("MEDIC_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
// File settings override environment variables but are overridden by
// functional options.
func (c *Config) LoadFromFile(path string) error {
	// Clean the path to prevent directory traversal
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// Called automatically by NewConfig() but can also be called manually after
// modifying configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Name == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "agent name is required",
			Err:     ErrMissingConfiguration,
		}
	}
	if _, err := ParseAgentMode(c.Mode); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown store backend %q", c.Store.Backend),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "store path is required for the sqlite backend",
			Err:     ErrMissingConfiguration,
		}
	}
	switch c.Feed.Provider {
	case "redis", "mock":
	default:
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown feed provider %q", c.Feed.Provider),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Feed.Provider == "redis" && c.Feed.RedisURL == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for the redis feed",
			Err:     ErrMissingConfiguration,
		}
	}
	switch c.Enricher.Provider {
	case "siem", "noop":
	default:
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown enricher provider %q", c.Enricher.Provider),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Enricher.Provider == "siem" && c.Enricher.BaseURL == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "SIEM base URL is required for the siem enricher",
			Err:     ErrMissingConfiguration,
		}
	}
	switch c.Executor.Provider {
	case "supervisor", "dryrun":
	default:
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown executor provider %q", c.Executor.Provider),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Executor.Provider == "supervisor" && c.Executor.BaseURL == "" {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "supervisor base URL is required for the supervisor executor",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Learning.WindowDays <= 0 {
		return &AgentError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("learning window must be positive, got %d days", c.Learning.WindowDays),
			Err:     ErrInvalidConfiguration,
		}
	}
	return nil
}

// parseStringList splits a comma-separated environment value.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseBool accepts the usual truthy strings.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Functional options

// WithName sets the agent name.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithConfigFile loads configuration from a YAML or JSON file when the
// option is applied, overriding defaults and environment but not later
// options.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithMode sets the agent mode (observer or live).
func WithMode(mode AgentMode) Option {
	return func(c *Config) error {
		c.Mode = string(mode)
		return nil
	}
}

// WithPort sets the admin HTTP port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &AgentError{
				Op:      "WithPort",
				Kind:    "config",
				Message: fmt.Sprintf("invalid port: %d", port),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Port = port
		return nil
	}
}

// WithRedisURL sets the kill feed Redis URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Feed.RedisURL = url
		return nil
	}
}

// WithFeedProvider selects the kill feed implementation.
func WithFeedProvider(provider string) Option {
	return func(c *Config) error {
		c.Feed.Provider = provider
		return nil
	}
}

// WithStoreBackend selects the outcome store backend.
func WithStoreBackend(backend string) Option {
	return func(c *Config) error {
		c.Store.Backend = backend
		return nil
	}
}

// WithStorePath sets the SQLite database path.
func WithStorePath(path string) Option {
	return func(c *Config) error {
		c.Store.Path = path
		return nil
	}
}

// WithEnricher selects and locates the enricher.
func WithEnricher(provider, baseURL string) Option {
	return func(c *Config) error {
		c.Enricher.Provider = provider
		c.Enricher.BaseURL = baseURL
		return nil
	}
}

// WithExecutor selects and locates the executor.
func WithExecutor(provider, baseURL string) Option {
	return func(c *Config) error {
		c.Executor.Provider = provider
		c.Executor.BaseURL = baseURL
		return nil
	}
}

// WithCriticalModules sets the critical-module list.
func WithCriticalModules(modules ...string) Option {
	return func(c *Config) error {
		c.Risk.CriticalModules = modules
		return nil
	}
}

// WithAlwaysDenyModules sets the immediate-deny module list.
func WithAlwaysDenyModules(modules ...string) Option {
	return func(c *Config) error {
		c.Risk.AlwaysDenyModules = modules
		return nil
	}
}

// WithTelemetry enables telemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log format (json or text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

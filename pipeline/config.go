package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auditflow/auditflow-go/pipeline/artifact"
	"github.com/auditflow/auditflow-go/pipeline/store"
)

// StoreConfig selects the execution store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver"`

	// DSN is the backend connection string: a file path for sqlite, a
	// connection URL for postgres, a DSN for mysql. Ignored for memory.
	DSN string `yaml:"dsn"`
}

// StageConfig declares one pipeline stage in config.yaml. Executors and
// preconditions are code, not configuration; they are bound by type name
// at startup via BuildRegistry.
type StageConfig struct {
	Type             string            `yaml:"type"`
	Criticality      string            `yaml:"criticality"` // "critical" or "non_critical"
	TimeoutSeconds   int               `yaml:"timeout_seconds"`
	EstimatedSeconds int               `yaml:"estimated_seconds"`
	Params           map[string]string `yaml:"params"`
}

// GuardConfig tunes submission retries under contention.
type GuardConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// TimeoutConfig bounds how long executions may run before the reaper
// force-fails them.
type TimeoutConfig struct {
	OrchestratorMaxSeconds int            `yaml:"orchestrator_max_seconds"`
	StageDefaultSeconds    int            `yaml:"stage_default_seconds"`
	StageOverridesSeconds  map[string]int `yaml:"stage_overrides_seconds"`
}

// Config mirrors config.yaml for an audit pipeline deployment.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Artifacts artifact.Config `yaml:"artifacts"`
	Stages    []StageConfig   `yaml:"stages"`
	Guard     GuardConfig     `yaml:"guard"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`

	ReapIntervalSeconds        int `yaml:"reap_interval_seconds"`
	CacheTTLSeconds            int `yaml:"cache_ttl_seconds"`
	FallbackEstimateSeconds    int `yaml:"fallback_estimate_seconds"`
	DefaultStageTimeoutSeconds int `yaml:"default_stage_timeout_seconds"`

	// LogJSON switches the log emitter to JSON lines output.
	LogJSON bool `yaml:"log_json"`
}

// DefaultConfig returns the configuration used when config.yaml omits a
// setting: an in-memory store and the package-level policy defaults.
func DefaultConfig() Config {
	retry := DefaultRetryPolicy()
	timeouts := DefaultTimeoutPolicy()
	return Config{
		Store: StoreConfig{Driver: "memory"},
		Guard: GuardConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelayMS: int(retry.BaseDelay / time.Millisecond),
			MaxDelayMS:  int(retry.MaxDelay / time.Millisecond),
		},
		Timeouts: TimeoutConfig{
			OrchestratorMaxSeconds: int(timeouts.OrchestratorMax / time.Second),
			StageDefaultSeconds:    int(timeouts.StageDefault / time.Second),
		},
		ReapIntervalSeconds:        30,
		CacheTTLSeconds:            300,
		FallbackEstimateSeconds:    60,
		DefaultStageTimeoutSeconds: 600,
	}
}

// LoadConfig reads, normalizes, and validates a config.yaml file.
// Environment variables override file values for deployment secrets:
// AUDITFLOW_STORE_DRIVER, AUDITFLOW_STORE_DSN, AUDITFLOW_MINIO_ENDPOINT,
// AUDITFLOW_MINIO_ACCESS_KEY, AUDITFLOW_MINIO_SECRET_KEY.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	normalizeConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUDITFLOW_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("AUDITFLOW_STORE_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("AUDITFLOW_MINIO_ENDPOINT"); raw != "" {
		cfg.Artifacts.Endpoint = raw
	}
	if raw := os.Getenv("AUDITFLOW_MINIO_ACCESS_KEY"); raw != "" {
		cfg.Artifacts.AccessKey = raw
	}
	if raw := os.Getenv("AUDITFLOW_MINIO_SECRET_KEY"); raw != "" {
		cfg.Artifacts.SecretKey = raw
	}
}

func normalizeConfig(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Guard.MaxAttempts <= 0 {
		cfg.Guard.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Guard.BaseDelayMS <= 0 {
		cfg.Guard.BaseDelayMS = int(DefaultRetryPolicy().BaseDelay / time.Millisecond)
	}
	if cfg.Guard.MaxDelayMS <= 0 {
		cfg.Guard.MaxDelayMS = int(DefaultRetryPolicy().MaxDelay / time.Millisecond)
	}
	if cfg.ReapIntervalSeconds <= 0 {
		cfg.ReapIntervalSeconds = 30
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 300
	}
	if cfg.FallbackEstimateSeconds <= 0 {
		cfg.FallbackEstimateSeconds = 60
	}
	if cfg.DefaultStageTimeoutSeconds <= 0 {
		cfg.DefaultStageTimeoutSeconds = 600
	}
	for i := range cfg.Stages {
		if cfg.Stages[i].Criticality == "" {
			cfg.Stages[i].Criticality = string(store.Critical)
		}
	}
}

// Validate checks the configuration for contradictions a running service
// could not recover from. The artifact section is validated only when an
// endpoint is configured, since audits can run without an object store.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	seen := make(map[string]bool, len(c.Stages))
	for _, sc := range c.Stages {
		if sc.Type == "" {
			return fmt.Errorf("stage with empty type")
		}
		if seen[sc.Type] {
			return fmt.Errorf("duplicate stage type %q", sc.Type)
		}
		seen[sc.Type] = true
		switch store.Criticality(sc.Criticality) {
		case store.Critical, store.NonCritical:
		default:
			return fmt.Errorf("stage %q has unknown criticality %q", sc.Type, sc.Criticality)
		}
		if sc.TimeoutSeconds < 0 || sc.EstimatedSeconds < 0 {
			return fmt.Errorf("stage %q has a negative duration", sc.Type)
		}
	}

	if c.Timeouts.OrchestratorMaxSeconds < 0 || c.Timeouts.StageDefaultSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.Artifacts.Endpoint != "" {
		if err := c.Artifacts.Validate(); err != nil {
			return fmt.Errorf("artifacts: %w", err)
		}
	}
	return nil
}

// RetryPolicy materializes the guard section.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Guard.MaxAttempts,
		BaseDelay:   time.Duration(c.Guard.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Guard.MaxDelayMS) * time.Millisecond,
	}
}

// TimeoutPolicy materializes the timeouts section.
func (c Config) TimeoutPolicy() TimeoutPolicy {
	p := TimeoutPolicy{
		OrchestratorMax: time.Duration(c.Timeouts.OrchestratorMaxSeconds) * time.Second,
		StageDefault:    time.Duration(c.Timeouts.StageDefaultSeconds) * time.Second,
	}
	if len(c.Timeouts.StageOverridesSeconds) > 0 {
		p.StageOverrides = make(map[string]time.Duration, len(c.Timeouts.StageOverridesSeconds))
		for stage, secs := range c.Timeouts.StageOverridesSeconds {
			p.StageOverrides[stage] = time.Duration(secs) * time.Second
		}
	}
	return p
}

// OpenStore opens the configured execution store backend.
func (c Config) OpenStore() (store.ExecutionStore, error) {
	switch c.Store.Driver {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.DSN)
	case "postgres":
		return store.NewPostgresStore(c.Store.DSN)
	case "mysql":
		return store.NewMySQLStore(c.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// StageBinding attaches runtime behavior to a configured stage type.
// Configuration declares which stages exist and their policies; bindings
// supply the code that actually runs them.
type StageBinding struct {
	Executor     StageExecutor
	Precondition Precondition
}

// BuildRegistry combines the configured stage list with the given
// bindings. Every configured stage must have a binding with an executor.
func (c Config) BuildRegistry(bindings map[string]StageBinding) (*Registry, error) {
	defs := make([]StageDef, 0, len(c.Stages))
	for _, sc := range c.Stages {
		binding, ok := bindings[sc.Type]
		if !ok || binding.Executor == nil {
			return nil, &EngineError{
				Message: "no executor bound for stage " + sc.Type,
				Code:    "INVALID_STAGE",
			}
		}
		defs = append(defs, StageDef{
			Type:              sc.Type,
			Criticality:       store.Criticality(sc.Criticality),
			Timeout:           time.Duration(sc.TimeoutSeconds) * time.Second,
			EstimatedDuration: time.Duration(sc.EstimatedSeconds) * time.Second,
			Params:            sc.Params,
			Precondition:      binding.Precondition,
			Executor:          binding.Executor,
		})
	}
	return NewRegistry(defs...)
}

// ServiceConfig materializes the full runtime configuration around an
// already opened store and the stage bindings. Emitter, metrics, and
// fingerprint hooks stay nil; set them on the returned value as needed.
func (c Config) ServiceConfig(st store.ExecutionStore, bindings map[string]StageBinding) (ServiceConfig, error) {
	registry, err := c.BuildRegistry(bindings)
	if err != nil {
		return ServiceConfig{}, err
	}
	return ServiceConfig{
		Store:               st,
		Registry:            registry,
		Retry:               c.RetryPolicy(),
		Timeouts:            c.TimeoutPolicy(),
		ReapInterval:        time.Duration(c.ReapIntervalSeconds) * time.Second,
		CacheTTL:            time.Duration(c.CacheTTLSeconds) * time.Second,
		FallbackEstimate:    time.Duration(c.FallbackEstimateSeconds) * time.Second,
		DefaultStageTimeout: time.Duration(c.DefaultStageTimeoutSeconds) * time.Second,
	}, nil
}

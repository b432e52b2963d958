package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auditflow/auditflow-go/pipeline/store"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
store:
  driver: sqlite
  dsn: /var/lib/auditflow/audit.db
artifacts:
  endpoint: minio.internal:9000
  access_key: auditflow
  secret_key: secret123
  region: us-east-1
  bucket: audits
stages:
  - type: scrape
    criticality: critical
    timeout_seconds: 120
    estimated_seconds: 45
    params:
      max_pages: "50"
  - type: cluster
    criticality: non_critical
    estimated_seconds: 30
  - type: enrich
    timeout_seconds: 300
guard:
  max_attempts: 7
  base_delay_ms: 25
  max_delay_ms: 400
timeouts:
  orchestrator_max_seconds: 2400
  stage_default_seconds: 900
  stage_overrides_seconds:
    enrich: 1200
reap_interval_seconds: 15
cache_ttl_seconds: 120
fallback_estimate_seconds: 90
default_stage_timeout_seconds: 450
log_json: true
`

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/var/lib/auditflow/audit.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Artifacts.Bucket != "audits" || cfg.Artifacts.Endpoint != "minio.internal:9000" {
		t.Errorf("artifacts = %+v", cfg.Artifacts)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}

	if len(cfg.Stages) != 3 {
		t.Fatalf("stage count = %d, want 3", len(cfg.Stages))
	}
	if cfg.Stages[0].Params["max_pages"] != "50" {
		t.Errorf("scrape params = %v", cfg.Stages[0].Params)
	}
	// Criticality left empty in the file defaults to critical.
	if cfg.Stages[2].Criticality != string(store.Critical) {
		t.Errorf("enrich criticality = %q, want critical", cfg.Stages[2].Criticality)
	}

	retry := cfg.RetryPolicy()
	if retry.MaxAttempts != 7 || retry.BaseDelay != 25*time.Millisecond || retry.MaxDelay != 400*time.Millisecond {
		t.Errorf("retry policy = %+v", retry)
	}

	timeouts := cfg.TimeoutPolicy()
	if timeouts.OrchestratorMax != 40*time.Minute {
		t.Errorf("OrchestratorMax = %v, want 40m", timeouts.OrchestratorMax)
	}
	if timeouts.StageDefault != 15*time.Minute {
		t.Errorf("StageDefault = %v, want 15m", timeouts.StageDefault)
	}
	if timeouts.StageOverrides["enrich"] != 20*time.Minute {
		t.Errorf("enrich override = %v, want 20m", timeouts.StageOverrides["enrich"])
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("LoadConfig() on missing file succeeded, want error")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
store:
  driver: memory
stages:
  - type: scrape
    criticality: critical
`)

	t.Setenv("AUDITFLOW_STORE_DRIVER", "postgres")
	t.Setenv("AUDITFLOW_STORE_DSN", "postgres://auditflow@db/auditflow")
	t.Setenv("AUDITFLOW_MINIO_SECRET_KEY", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres from env", cfg.Store.Driver)
	}
	if cfg.Store.DSN != "postgres://auditflow@db/auditflow" {
		t.Errorf("DSN = %q", cfg.Store.DSN)
	}
	if cfg.Artifacts.SecretKey != "from-env" {
		t.Errorf("SecretKey = %q, want from-env", cfg.Artifacts.SecretKey)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Stages = []StageConfig{{Type: "scrape", Criticality: "critical"}}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.DSN = "" }},
		{"empty stage type", func(c *Config) { c.Stages = append(c.Stages, StageConfig{Criticality: "critical"}) }},
		{"duplicate stage", func(c *Config) { c.Stages = append(c.Stages, StageConfig{Type: "scrape", Criticality: "critical"}) }},
		{"bad criticality", func(c *Config) { c.Stages[0].Criticality = "important" }},
		{"negative stage timeout", func(c *Config) { c.Stages[0].TimeoutSeconds = -1 }},
		{"negative orchestrator max", func(c *Config) { c.Timeouts.OrchestratorMaxSeconds = -1 }},
		{"incomplete artifacts", func(c *Config) { c.Artifacts.Endpoint = "minio:9000" }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Stages = append([]StageConfig(nil), valid.Stages...)
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store.Driver != "memory" {
		t.Errorf("Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Guard.MaxAttempts != 5 || cfg.Guard.BaseDelayMS != 50 || cfg.Guard.MaxDelayMS != 500 {
		t.Errorf("guard defaults = %+v", cfg.Guard)
	}
	if cfg.Timeouts.OrchestratorMaxSeconds != 1800 || cfg.Timeouts.StageDefaultSeconds != 600 {
		t.Errorf("timeout defaults = %+v", cfg.Timeouts)
	}
	if cfg.ReapIntervalSeconds != 30 || cfg.CacheTTLSeconds != 300 {
		t.Errorf("interval defaults: reap=%d ttl=%d", cfg.ReapIntervalSeconds, cfg.CacheTTLSeconds)
	}
}

func TestConfigOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := DefaultConfig()
		st, err := cfg.OpenStore()
		if err != nil {
			t.Fatalf("OpenStore() error = %v", err)
		}
		defer st.Close()
		if _, ok := st.(*store.MemStore); !ok {
			t.Errorf("OpenStore() = %T, want *store.MemStore", st)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store = StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")}
		st, err := cfg.OpenStore()
		if err != nil {
			t.Fatalf("OpenStore() error = %v", err)
		}
		defer st.Close()
		if err := st.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Driver = "oracle"
		if _, err := cfg.OpenStore(); err == nil {
			t.Error("OpenStore() succeeded for unknown driver")
		}
	})
}

func TestConfigBuildRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stages = []StageConfig{
		{Type: "scrape", Criticality: "critical", TimeoutSeconds: 120, EstimatedSeconds: 45, Params: map[string]string{"max_pages": "50"}},
		{Type: "enrich", Criticality: "non_critical"},
	}

	t.Run("missing binding", func(t *testing.T) {
		_, err := cfg.BuildRegistry(map[string]StageBinding{
			"scrape": {Executor: noopExecutor()},
		})
		if err == nil {
			t.Error("BuildRegistry() succeeded with unbound stage")
		}
	})

	t.Run("bound", func(t *testing.T) {
		reg, err := cfg.BuildRegistry(map[string]StageBinding{
			"scrape": {Executor: noopExecutor()},
			"enrich": {Executor: noopExecutor(), Precondition: func(ctx context.Context, subjectKey string) (bool, error) {
				return false, nil
			}},
		})
		if err != nil {
			t.Fatalf("BuildRegistry() error = %v", err)
		}
		if reg.Len() != 2 {
			t.Fatalf("Len() = %d, want 2", reg.Len())
		}

		scrape, ok := reg.Stage("scrape")
		if !ok {
			t.Fatal("scrape not registered")
		}
		if scrape.Timeout != 2*time.Minute {
			t.Errorf("Timeout = %v, want 2m", scrape.Timeout)
		}
		if scrape.EstimatedDuration != 45*time.Second {
			t.Errorf("EstimatedDuration = %v, want 45s", scrape.EstimatedDuration)
		}
		if scrape.Params["max_pages"] != "50" {
			t.Errorf("Params = %v", scrape.Params)
		}

		enrich, _ := reg.Stage("enrich")
		if enrich.Criticality != store.NonCritical {
			t.Errorf("enrich criticality = %q", enrich.Criticality)
		}
		if enrich.Precondition == nil {
			t.Error("enrich precondition not bound")
		}
	})
}

func TestConfigServiceConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stages = []StageConfig{{Type: "scrape", Criticality: "critical"}}
	cfg.CacheTTLSeconds = 120
	cfg.ReapIntervalSeconds = 15

	st := store.NewMemStore()
	defer st.Close()

	svcCfg, err := cfg.ServiceConfig(st, map[string]StageBinding{
		"scrape": {Executor: noopExecutor()},
	})
	if err != nil {
		t.Fatalf("ServiceConfig() error = %v", err)
	}
	if svcCfg.Store != store.ExecutionStore(st) {
		t.Error("store not carried through")
	}
	if svcCfg.Registry.Len() != 1 {
		t.Errorf("registry Len = %d, want 1", svcCfg.Registry.Len())
	}
	if svcCfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want 2m", svcCfg.CacheTTL)
	}
	if svcCfg.ReapInterval != 15*time.Second {
		t.Errorf("ReapInterval = %v, want 15s", svcCfg.ReapInterval)
	}
	if svcCfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry = %+v", svcCfg.Retry)
	}
	if svcCfg.DefaultStageTimeout != 10*time.Minute {
		t.Errorf("DefaultStageTimeout = %v, want 10m", svcCfg.DefaultStageTimeout)
	}
}

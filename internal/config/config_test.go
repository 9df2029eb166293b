package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.Workers.Count)
	}
	if cfg.Resilience.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Resilience.MaxAttempts)
	}
	if got := cfg.Resilience.RateLimitWait(); got != 60*time.Second {
		t.Fatalf("expected rate limit wait 60s, got %v", got)
	}
	if got := cfg.Resilience.SlowThreshold(); got != 8*time.Second {
		t.Fatalf("expected slow threshold 8s, got %v", got)
	}
	if got := cfg.Resilience.AbandonAfter(); got != 15*time.Second {
		t.Fatalf("expected abandon threshold 15s, got %v", got)
	}
	if got := cfg.Resilience.PollInterval(); got != 500*time.Millisecond {
		t.Fatalf("expected poll interval 500ms, got %v", got)
	}
	if got := cfg.Cancel.TTL(); got != time.Hour {
		t.Fatalf("expected cancel TTL 1h, got %v", got)
	}
	if cfg.Queue.Backend != "memory" || cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory backends by default, got %q/%q", cfg.Queue.Backend, cfg.Storage.Backend)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
workers:
  count: 8
  rate_per_second: 2.5
  rate_burst: 2
resilience:
  max_attempts: 5
  backoff_step_seconds: 1
  request_timeout_seconds: 30
proxies:
  file: /etc/harvester/proxies.txt
  failure_threshold: 5
pacer:
  base_delay_ms: 1500
  min_delay_ms: 250
  max_delay_ms: 20000
headless:
  enabled: true
  max_parallel: 2
extract:
  page_size: 50
  default_limit: 25
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: results
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Workers.Count != 8 || cfg.Workers.RatePerSecond != 2.5 {
		t.Fatalf("expected worker overrides to apply, got %+v", cfg.Workers)
	}
	if cfg.Resilience.MaxAttempts != 5 {
		t.Fatalf("expected max attempts override, got %d", cfg.Resilience.MaxAttempts)
	}
	if got := cfg.Resilience.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	if cfg.Proxies.File != "/etc/harvester/proxies.txt" || cfg.Proxies.FailureThreshold != 5 {
		t.Fatalf("expected proxy overrides to apply, got %+v", cfg.Proxies)
	}
	if got := cfg.Pacer.BaseDelay(); got != 1500*time.Millisecond {
		t.Fatalf("expected base delay 1.5s, got %v", got)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Resilience.RateLimitWaitSeconds != 60 {
		t.Fatalf("expected default rate limit wait to survive, got %d", cfg.Resilience.RateLimitWaitSeconds)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Workers: WorkersConfig{Count: 1, RatePerSecond: 1},
		Resilience: ResilienceConfig{
			MaxAttempts:          3,
			RequestTimeoutSecond: 20,
			PollIntervalMs:       500,
		},
		Proxies: ProxiesConfig{HealthySuccessRate: 0.5},
		Pacer:   PacerConfig{BaseDelayMs: 2000, MinDelayMs: 500, MaxDelayMs: 30000},
		Extract: ExtractConfig{PageSize: 100},
		Queue:   QueueConfig{Backend: "memory"},
		Storage: StorageConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid worker count",
			cfg: func() Config {
				c := base
				c.Workers.Count = 0
				return c
			}(),
			want: "workers.count",
		},
		{
			name: "invalid rate",
			cfg: func() Config {
				c := base
				c.Workers.RatePerSecond = 0
				return c
			}(),
			want: "workers.rate_per_second",
		},
		{
			name: "invalid max attempts",
			cfg: func() Config {
				c := base
				c.Resilience.MaxAttempts = 0
				return c
			}(),
			want: "resilience.max_attempts",
		},
		{
			name: "invalid success rate",
			cfg: func() Config {
				c := base
				c.Proxies.HealthySuccessRate = 1.5
				return c
			}(),
			want: "proxies.healthy_success_rate",
		},
		{
			name: "inverted pacer delays",
			cfg: func() Config {
				c := base
				c.Pacer.MinDelayMs = 5000
				return c
			}(),
			want: "pacer delays",
		},
		{
			name: "oversized page size",
			cfg: func() Config {
				c := base
				c.Extract.PageSize = 500
				return c
			}(),
			want: "extract.page_size",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
				return c
			}(),
			want: "headless.max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "unknown queue backend",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "sqs"
				return c
			}(),
			want: "queue.backend",
		},
		{
			name: "pubsub queue without project",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "pubsub"
				return c
			}(),
			want: "pubsub.project_id",
		},
		{
			name: "gcs storage without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, "round_robin", cfg.Scheduler.Strategy)
	require.Equal(t, 16, cfg.Scheduler.NonBlockingBudget)
	require.Equal(t, 2, cfg.Scheduler.BlockingBudget)
	require.Equal(t, 5*time.Second, cfg.TickInterval())
	require.Equal(t, 2*time.Minute, cfg.LeaseTimeout())
	require.True(t, cfg.Worker.Embedded)
	require.Equal(t, "none", cfg.Archive.Backend)
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
queue:
  backend: valkey
  valkey:
    init_address: ["127.0.0.1:6379"]
scheduler:
  tick_seconds: 2
  nonblocking_budget: 32
  blocking_budget: 4
  strategy: weighted
  lease_timeout_seconds: 60
retry:
  max_retries: 5
  base_delay_ms: 1000
  max_delay_ms: 60000
fetch:
  user_agent: driftline-test
  timeout_seconds: 20
  headless:
    enabled: true
    max_parallel: 2
archive:
  backend: local
  base_dir: /tmp/driftline
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "valkey", cfg.Queue.Backend)
	require.Equal(t, []string{"127.0.0.1:6379"}, cfg.Queue.Valkey.InitAddress)
	require.Equal(t, "weighted", cfg.Scheduler.Strategy)
	require.Equal(t, 2*time.Second, cfg.TickInterval())
	require.Equal(t, time.Minute, cfg.LeaseTimeout())
	require.Equal(t, 20*time.Second, cfg.FetchTimeout())
	require.True(t, cfg.Logging.Development)

	policy := cfg.RetryPolicy()
	require.Equal(t, 5, policy.MaxRetries)
	require.Equal(t, time.Second, policy.BaseDelay)
	require.Equal(t, time.Minute, policy.MaxDelay)

	budgets := cfg.Budgets()
	require.Equal(t, 32, budgets[crawl.ClassNonBlocking])
	require.Equal(t, 4, budgets[crawl.ClassBlocking])
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"memory queue without depth", func(c *Config) { c.Queue.Depth = 0 }, "queue.depth"},
		{"valkey without address", func(c *Config) { c.Queue.Backend = "valkey" }, "queue.valkey.init_address"},
		{"pubsub without project", func(c *Config) { c.Queue.Backend = "pubsub" }, "queue.pubsub.project_id"},
		{"zero tick", func(c *Config) { c.Scheduler.TickSeconds = 0 }, "scheduler.tick_seconds"},
		{"zero budget", func(c *Config) { c.Scheduler.BlockingBudget = 0 }, "class budgets"},
		{"unknown strategy", func(c *Config) { c.Scheduler.Strategy = "lifo" }, "scheduler.strategy"},
		{"zero batch limit", func(c *Config) { c.Scheduler.BatchLimit = 0 }, "scheduler.batch_limit"},
		{"zero lease timeout", func(c *Config) { c.Scheduler.LeaseTimeoutSeconds = 0 }, "scheduler.lease_timeout_seconds"},
		{"shared state without valkey", func(c *Config) { c.Scheduler.SharedState = true }, "shared_state"},
		{"bad retry", func(c *Config) { c.Retry.BaseDelayMs = 0 }, "retry"},
		{"zero fetch timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, "fetch.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) {
			c.Fetch.Headless.Enabled = true
			c.Fetch.Headless.MaxParallel = 0
		}, "fetch.headless.max_parallel"},
		{"local archive without dir", func(c *Config) { c.Archive.Backend = "local" }, "archive.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Backend = "gcs" }, "archive.bucket"},
		{"unknown archive backend", func(c *Config) { c.Archive.Backend = "tape" }, "archive.backend"},
		{"embedded workers without count", func(c *Config) { c.Worker.Count = 0 }, "worker.count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want),
				"expected error containing %q, got %v", tt.want, err)
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/config"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	cfg := defaultConfig(t)
	ctx := context.Background()

	a, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	// The control plane carries the scheduler, the registrar and the HTTP
	// surface; embedded workers come from the default worker.embedded.
	require.NotNil(t, a.scheduler)
	require.NotNil(t, a.service)
	require.NotNil(t, a.apiServer)
	require.NotNil(t, a.worker)
	require.NotNil(t, a.memoryQueue)
	require.Nil(t, a.pool)
	require.Nil(t, a.valkeyClient)
}

func TestBuildRegistersDeclaredCapabilities(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Capabilities = map[string]config.CapabilityConfig{
		"detail": {
			Type:        "restjson",
			URLTemplate: "https://api.example.com/apps/{id}",
			Query:       map[string]string{"country": "us"},
		},
		"page": {
			Type:        "static",
			URLTemplate: "https://store.example.com/apps/{id}",
		},
	}
	cfg.Pipelines = map[string]config.PipelineConfig{
		"extract": {
			Type:   "html_extract",
			Fields: map[string]string{"title": "h1.name"},
		},
		"discover": {
			Type:       "discovery",
			ItemsField: "items",
			KeyParams:  map[string]string{"id": "id"},
		},
	}
	cfg.Callbacks = map[string]config.CallbackConfig{
		"reweigh": {Type: "monitor", ChangeModel: "time_scaled"},
	}

	ctx := context.Background()
	a, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	for _, id := range []string{"detail", "page"} {
		_, err := a.registry.Fetcher(id)
		require.NoError(t, err)
	}
	for _, id := range []string{"extract", "discover"} {
		_, err := a.registry.Pipeline(id)
		require.NoError(t, err)
	}
	_, err = a.registry.Callback("reweigh")
	require.NoError(t, err)
}

func TestBuildSkipsDisabledHeadlessCapability(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Capabilities = map[string]config.CapabilityConfig{
		"rendered": {Type: "headless", URLTemplate: "https://store.example.com/apps/{id}"},
	}

	ctx := context.Background()
	a, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, err = a.registry.Fetcher("rendered")
	require.Error(t, err)
}

func TestBuildRejectsUnknownCapabilityType(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Capabilities = map[string]config.CapabilityConfig{
		"weird": {Type: "carrier-pigeon"},
	}
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown capability type")
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Scheduler.Strategy = "lifo"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "scheduler.strategy")
}

func TestBuildRejectsUnknownQueueBackend(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Queue.Backend = "smoke-signals"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "queue.backend")
}

func TestBuildRejectsUnknownArchiveBackend(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Archive.Backend = "tape"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "archive.backend")
}

func TestBuildWorkerRefusesMemoryQueue(t *testing.T) {
	cfg := defaultConfig(t)
	_, err := BuildWorker(context.Background(), cfg)
	require.ErrorContains(t, err, "shared queue backend")
}

func TestBuildWorkerRequiresDatabase(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Queue.Backend = "valkey"
	cfg.Queue.Valkey.InitAddress = []string{"127.0.0.1:6379"}
	_, err := BuildWorker(context.Background(), cfg)
	require.ErrorContains(t, err, "database.dsn")
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/aggregator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accumulator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, roleAll, cfg.Role)
	require.Equal(t, "inmem", cfg.Engine.Kind)
	require.Equal(t, aggregator.DefaultIdleTimeout, cfg.Loop.IdleTimeout)
	require.Equal(t, 100, cfg.loopOptions().Planner.MaxGenerationsPerRun)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, `
role: worker
http_addr: ":9000"
engine:
  kind: temporal
  host_port: temporal:7233
loop:
  idle_timeout: 250ms
  boundary: reject
  idle_close: true
  max_batch_size: 50
mongo:
  uri: mongodb://mongo:27017
  database: batches
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, roleWorker, cfg.Role)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, "temporal:7233", cfg.Engine.HostPort)
	require.Equal(t, "default", cfg.Engine.Namespace)
	require.Equal(t, "batches", cfg.Mongo.Database)

	loop := cfg.loopOptions()
	require.Equal(t, 250*time.Millisecond, loop.IdleTimeout)
	require.Equal(t, aggregator.BoundaryReject, loop.Boundary)
	require.True(t, loop.IdleClose)
	require.Equal(t, 50, loop.MaxBatchSize)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http_addr: \":9000\"\n")
	t.Setenv("ACCUMULATOR_HTTP_ADDR", ":7000")
	t.Setenv("ACCUMULATOR_IDLE_TIMEOUT", "5s")
	t.Setenv("ACCUMULATOR_MAX_BATCH_SIZE", "12")
	t.Setenv("REDIS_URL", "redis:6379")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Equal(t, 5*time.Second, cfg.Loop.IdleTimeout)
	require.Equal(t, 12, cfg.Loop.MaxBatchSize)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"unknown role":      "role: leader\n",
		"unknown engine":    "engine:\n  kind: kafka\n",
		"inmem worker":      "role: worker\n",
		"unknown boundary":  "loop:\n  boundary: drop\n",
		"negative size":     "loop:\n  max_batch_size: -1\n",
		"api without redis": "role: api\nengine:\n  kind: temporal\n",
		"malformed yaml":    "loop: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/engine"
)

const sampleYAML = `
engine:
  consolidate_interval: 2m
  decay_interval: 45s
  buffer_capacity: 10
tiers:
  recent:
    capacity: 100
    base_activation: 0.5
  intermediate:
    backend:
      type: sqlite
      path: /var/lib/mnemo/intermediate.db
    decay_rate: 0.00001
    floor_strength: 0.05
    base_activation: 0.7
    promote: "importance >= 0.6 || access_count >= 3"
  durable:
    backend:
      type: chromem
      path: /var/lib/mnemo/durable
    decay_rate: 0.0000001
policy:
  long_content_threshold: 512
  semantic_tags: ["fact", "howto"]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Engine.GetConsolidateInterval())
	assert.Equal(t, 45*time.Second, cfg.Engine.GetDecayInterval())
	assert.Equal(t, 10, cfg.Engine.BufferCapacity)

	assert.Equal(t, 100, cfg.Tiers.Recent.Capacity)
	assert.Equal(t, "sqlite", cfg.Tiers.Intermediate.Backend.Type)
	assert.Equal(t, 0.7, cfg.Tiers.Intermediate.BaseActivation)
	assert.Equal(t, "chromem", cfg.Tiers.Durable.Backend.Type)

	require.NotNil(t, cfg.Policy)
	assert.Equal(t, 512, cfg.Policy.LongContentThreshold)
	assert.Equal(t, []string{"fact", "howto"}, cfg.Policy.SemanticTags)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Engine.GetConsolidateInterval())
	assert.Equal(t, 30*time.Second, cfg.Engine.GetDecayInterval())
	assert.Equal(t, 15*time.Second, cfg.Engine.GetRefreshInterval())
	assert.Equal(t, 5*time.Second, cfg.Engine.GetErrorBackoff())
	assert.Equal(t, 10*time.Second, cfg.Engine.GetShutdownTimeout())
}

func TestParseRejectsBadBackend(t *testing.T) {
	_, err := Parse([]byte(`
tiers:
  recent:
    backend:
      type: cassandra
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestParseRejectsBadPromote(t *testing.T) {
	_, err := Parse([]byte(`
tiers:
  recent:
    promote: "importance >=== oops"
`))
	require.Error(t, err)
}

func TestParseRejectsOutOfRange(t *testing.T) {
	for _, body := range []string{
		"tiers:\n  recent:\n    base_activation: 1.5\n",
		"tiers:\n  durable:\n    floor_strength: -0.1\n",
		"tiers:\n  intermediate:\n    decay_rate: -1\n",
	} {
		_, err := Parse([]byte(body))
		assert.Error(t, err, "config %q should be rejected", body)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Tiers.Recent.Capacity)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestBuildInMemory(t *testing.T) {
	eng, err := Default().Build(BuildOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	r, err := eng.Add(context.Background(), map[string]any{"text": "configured"}, engine.AddOptions{})
	require.NoError(t, err)

	got, err := eng.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestBuildFileBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Tiers.Intermediate.Backend = BackendConfig{
		Type: "sqlite",
		Path: filepath.Join(dir, "intermediate.db"),
	}
	cfg.Tiers.Durable.Backend = BackendConfig{
		Type: "chromem",
		Path: filepath.Join(dir, "durable"),
	}

	eng, err := cfg.Build(BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Shutdown(context.Background()))
}

func TestBuildRequiresSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.Tiers.Recent.Backend = BackendConfig{Type: "sqlite"}

	_, err := cfg.Build(BuildOptions{})
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveQueue_CreatesNewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "legion.yaml")

	err := SaveQueue(configPath, QueueConfig{
		PollInterval:   2 * time.Second,
		ActiveTimeout:  90 * time.Second,
		MinWaitSeconds: 5,
		MinIdleSeconds: 15,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval: 2s")
	assert.Contains(t, string(data), "active_timeout: 1m30s")
	assert.Contains(t, string(data), "min_wait_seconds: 5")
}

func TestSaveQueue_PreservesOtherConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "legion.yaml")

	initial := `# Legion config
data_dir: /var/lib/legion

adapter:
  type: claude  # keep this comment
  model: sonnet

queue:
  poll_interval: 1s
  active_timeout: 120s
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o600))

	err := SaveQueue(configPath, QueueConfig{
		PollInterval:   500 * time.Millisecond,
		ActiveTimeout:  60 * time.Second,
		MinWaitSeconds: 10,
		MinIdleSeconds: 10,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	// Other sections and their comments survive the save.
	assert.Contains(t, content, "# Legion config")
	assert.Contains(t, content, "keep this comment")
	assert.Contains(t, content, "data_dir: /var/lib/legion")

	// The queue section was replaced.
	assert.Contains(t, content, "poll_interval: 500ms")
	assert.Contains(t, content, "active_timeout: 1m0s")
	assert.NotContains(t, content, "active_timeout: 120s")
}

func TestSaveQueue_RoundTripsThroughViper(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "legion.yaml")

	want := QueueConfig{
		PollInterval:   3 * time.Second,
		ActiveTimeout:  45 * time.Second,
		MinWaitSeconds: 7,
		MinIdleSeconds: 12,
	}
	require.NoError(t, SaveQueue(configPath, want))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, want, cfg.Queue)
}

func TestSaveAdapter_AppendsMissingSection(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "legion.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: /srv/legion\n"), 0o600))

	require.NoError(t, SaveAdapter(configPath, AdapterConfig{Type: "mock", Model: "test"}))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, "/srv/legion", cfg.DataDir)
	assert.Equal(t, "mock", cfg.Adapter.Type)
	assert.Equal(t, "test", cfg.Adapter.Model)
}

func TestSaveTracing(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "legion.yaml")

	require.NoError(t, SaveTracing(configPath, TracingConfig{
		Enabled:      true,
		Exporter:     "otlp",
		OTLPEndpoint: "jaeger.internal:4317",
		SampleRate:   0.25,
	}))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "jaeger.internal:4317", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RoleAll, c.Role)
	assert.Equal(t, 250*time.Millisecond, c.Flush.Interval)
	assert.Equal(t, 3, c.Flush.Retry.MaxAttempts)
	assert.Equal(t, "time", c.Correlation.Mode)
	assert.Equal(t, 5*time.Minute, c.Correlation.CoWindow)
	assert.Equal(t, []string{"1m"}, c.Aggregator.Timeframes)
	assert.Equal(t, "memory", c.Distribution.Transport)
	assert.Equal(t, "detections.patterns", c.Distribution.Topics.Patterns)
	assert.True(t, c.RunsDetector())
	assert.True(t, c.RunsCorrelator())
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := Load("config.yaml")
	require.NoError(t, err)

	require.NotEmpty(t, c.Detectors)
	assert.Equal(t, "doji", c.Detectors[0].Name)
	assert.Equal(t, "America/New_York", c.Aggregator.Session.Location)
	assert.Equal(t, float64(20), c.Detectors[6].Params["period"])
}

func TestLoad_DetectorDefaults(t *testing.T) {
	path := writeConfig(t, `
detectors:
  - name: doji
    kind: doji
    category: pattern
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Detectors, 1)
	assert.Equal(t, "1m", c.Detectors[0].Timeframe)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROLE", "detector")
	t.Setenv("DISTRIBUTION_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FLUSH_INTERVAL_MS", "100")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RoleDetector, c.Role)
	assert.False(t, c.RunsCorrelator())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Distribution.Kafka.Brokers)
	assert.Equal(t, 100*time.Millisecond, c.Flush.Interval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "correlation:\n  mode: weekly\n"},
		{"bad timeframe", "aggregator:\n  timeframes: [\"2m\"]\n"},
		{"detector without kind", "detectors:\n  - name: x\n    category: pattern\n"},
		{"bad category", "detectors:\n  - {name: x, kind: doji, category: signal}\n"},
		{"same topics", "distribution:\n  topics: {patterns: t, indicators: t}\n"},
		{"retention below bucket", "correlation:\n  bucket_size: 48h\n  retention: 24h\n"},
		{"memory split role", "role: detector\n"},
		{"backoff inverted", "flush:\n  retry: {initial_backoff: 1s, max_backoff: 10ms}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

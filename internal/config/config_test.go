package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max max below max", func(c *Config) { c.Buffer.MaxMaxLength = c.Buffer.MaxLength - 1 }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"loop threshold", func(c *Config) { c.Loading.LoopThreshold = 0 }},
		{"abandon factor", func(c *Config) { c.ABR.AbandonFactor = 1.5 }},
		{"latency below sync", func(c *Config) { c.Live.MaxLatencyDurationCount = 2 }},
		{"fragment timeout", func(c *Config) { c.Loading.Fragment.Timeout = 0 }},
		{"audio drift", func(c *Config) { c.Remux.MaxAudioFramesDrift = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()
	r := Retry{RetryDelay: time.Second, MaxRetryDelay: 8 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, r.Backoff(i+1), "retry %d", i+1)
	}
	assert.Equal(t, time.Second, r.Backoff(0))
}

func TestTargetLatency(t *testing.T) {
	t.Parallel()
	c := Default()
	assert.Equal(t, 18.0, c.TargetLatency(6))
	c.Live.SyncDuration = 4.5
	assert.Equal(t, 4.5, c.TargetLatency(6))
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

// Each source overrides the previous one: defaults < file < env < flags.
func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "refract.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
buffer:
  max_length: 40
  max_hole: 0.3
abr:
  bandwidth_factor: 0.9
loading:
  fragment:
    timeout: 5s
`), 0o644))

	t.Setenv("REFRACT_BUFFER_MAX_LENGTH", "50")
	t.Setenv("REFRACT_ABR_BANDWIDTH_FACTOR", "0.85")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--config_file", file, "--buffer.max_length", "60"}))

	c, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 60.0, c.Buffer.MaxLength, "flag beats env")
	assert.Equal(t, 0.85, c.ABR.BandWidthFactor, "env beats file")
	assert.Equal(t, 0.3, c.Buffer.MaxHole, "file beats default")
	assert.Equal(t, 5*time.Second, c.Loading.Fragment.Timeout)
	assert.Equal(t, Default().Loading.Fragment.MaxRetry, c.Loading.Fragment.MaxRetry)
	assert.Equal(t, Default().Buffer.MaxMaxLength, c.Buffer.MaxMaxLength)
}

func TestLoad_InvalidRejected(t *testing.T) {
	t.Setenv("REFRACT_ABR_ABANDON_FACTOR", "2")
	_, err := Load(nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--config_file", filepath.Join(t.TempDir(), "nope.yaml")}))
	_, err := Load(fs)
	assert.Error(t, err)
}

func TestFlags_DashedNames(t *testing.T) {
	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--log-level", "debug", "--start-level", "2"}))
	c, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 2, c.StartLevel)
}

// Package config holds the player configuration. A Config is built once by
// Load (or Default) and passed by value to every component; nothing mutates
// it afterwards.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned by Validate for inconsistent settings.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete player configuration.
type Config struct {
	LogLevel      string        `mapstructure:"log_level"`
	ConfigFile    string        `mapstructure:"config_file"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	StartPosition float64       `mapstructure:"start_position"` // seconds; negative picks the default
	StartLevel    int           `mapstructure:"start_level"`    // -1 lets ABR choose
	AutoStartLoad bool          `mapstructure:"auto_start_load"`

	Buffer  Buffer  `mapstructure:"buffer"`
	Live    Live    `mapstructure:"live"`
	Loading Loading `mapstructure:"loading"`
	ABR     ABR     `mapstructure:"abr"`
	Remux   Remux   `mapstructure:"remux"`
	Serve   Serve   `mapstructure:"serve"`
}

// Buffer controls how far ahead of the playhead fragments are loaded and
// how stalls are recovered. Lengths are in seconds.
type Buffer struct {
	MaxLength              float64       `mapstructure:"max_length"`
	MaxMaxLength           float64       `mapstructure:"max_max_length"`
	MaxSize                int           `mapstructure:"max_size"` // bytes
	MaxHole                float64       `mapstructure:"max_hole"`
	MaxFragLookUpTolerance float64       `mapstructure:"max_frag_lookup_tolerance"`
	LowBuffer              float64       `mapstructure:"low_buffer"`
	StallDetectionDelay    time.Duration `mapstructure:"stall_detection_delay"`
	NudgeOffset            float64       `mapstructure:"nudge_offset"`
	NudgeMaxRetry          int           `mapstructure:"nudge_max_retry"`
}

// Live controls the distance kept from the live edge.
type Live struct {
	SyncDurationCount       int     `mapstructure:"sync_duration_count"`
	SyncDuration            float64 `mapstructure:"sync_duration"` // seconds; overrides the count when set
	MaxLatencyDurationCount int     `mapstructure:"max_latency_duration_count"`
}

// Retry is the load policy of one request kind.
type Retry struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetry      int           `mapstructure:"max_retry"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// Backoff returns the wait before retry number n (1-based):
// min(2^(n-1) * RetryDelay, MaxRetryDelay).
func (r Retry) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := r.RetryDelay
	for i := 1; i < n; i++ {
		d *= 2
		if r.MaxRetryDelay > 0 && d >= r.MaxRetryDelay {
			return r.MaxRetryDelay
		}
	}
	if r.MaxRetryDelay > 0 && d > r.MaxRetryDelay {
		return r.MaxRetryDelay
	}
	return d
}

// Loading holds the request policies.
type Loading struct {
	Manifest      Retry         `mapstructure:"manifest"`
	Level         Retry         `mapstructure:"level"`
	Fragment      Retry         `mapstructure:"fragment"`
	Key           Retry         `mapstructure:"key"`
	LoopThreshold int           `mapstructure:"loop_threshold"`
	KeyCacheTTL   time.Duration `mapstructure:"key_cache_ttl"`
	HTTP3         bool          `mapstructure:"http3"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// ABR tunes the bandwidth estimator and level selection.
type ABR struct {
	EwmaFastLive       float64       `mapstructure:"ewma_fast_live"`
	EwmaSlowLive       float64       `mapstructure:"ewma_slow_live"`
	EwmaFastVoD        float64       `mapstructure:"ewma_fast_vod"`
	EwmaSlowVoD        float64       `mapstructure:"ewma_slow_vod"`
	DefaultEstimate    float64       `mapstructure:"default_estimate"` // bits per second
	MinDelay           time.Duration `mapstructure:"min_delay"`
	BandWidthFactor    float64       `mapstructure:"bandwidth_factor"`
	BandWidthUpFactor  float64       `mapstructure:"bandwidth_up_factor"`
	MaxStarvationDelay float64       `mapstructure:"max_starvation_delay"` // seconds
	MaxLoadingDelay    float64       `mapstructure:"max_loading_delay"`    // seconds
	AbandonFactor      float64       `mapstructure:"abandon_factor"`
	MinAutoBitrate     int           `mapstructure:"min_auto_bitrate"`
	AutoLevelCapping   int           `mapstructure:"auto_level_capping"` // -1 for no cap
}

// Remux tunes timestamp repair in the remuxer.
type Remux struct {
	MaxAudioFramesDrift    int  `mapstructure:"max_audio_frames_drift"`
	StretchShortVideoTrack bool `mapstructure:"stretch_short_video_track"`
}

// Serve configures the local HTTP/3 origin of `refract serve`.
type Serve struct {
	Addr string `mapstructure:"addr"`
	Dir  string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:      "info",
		TickInterval:  100 * time.Millisecond,
		StartPosition: -1,
		StartLevel:    -1,
		AutoStartLoad: true,
		Buffer: Buffer{
			MaxLength:              30,
			MaxMaxLength:           600,
			MaxSize:                60 * 1000 * 1000,
			MaxHole:                0.1,
			MaxFragLookUpTolerance: 0.25,
			LowBuffer:              0.5,
			StallDetectionDelay:    time.Second,
			NudgeOffset:            0.1,
			NudgeMaxRetry:          3,
		},
		Live: Live{
			SyncDurationCount: 3,
		},
		Loading: Loading{
			Manifest:      Retry{Timeout: 10 * time.Second, MaxRetry: 1, RetryDelay: time.Second, MaxRetryDelay: 64 * time.Second},
			Level:         Retry{Timeout: 10 * time.Second, MaxRetry: 4, RetryDelay: time.Second, MaxRetryDelay: 64 * time.Second},
			Fragment:      Retry{Timeout: 20 * time.Second, MaxRetry: 6, RetryDelay: time.Second, MaxRetryDelay: 64 * time.Second},
			Key:           Retry{Timeout: 10 * time.Second, MaxRetry: 2, RetryDelay: time.Second, MaxRetryDelay: 8 * time.Second},
			LoopThreshold: 3,
			KeyCacheTTL:   10 * time.Minute,
			UserAgent:     "refract",
		},
		ABR: ABR{
			EwmaFastLive:       3,
			EwmaSlowLive:       9,
			EwmaFastVoD:        3,
			EwmaSlowVoD:        9,
			DefaultEstimate:    500000,
			MinDelay:           50 * time.Millisecond,
			BandWidthFactor:    0.95,
			BandWidthUpFactor:  0.7,
			MaxStarvationDelay: 4,
			MaxLoadingDelay:    4,
			AbandonFactor:      0.8,
			AutoLevelCapping:   -1,
		},
		Remux: Remux{
			MaxAudioFramesDrift: 1,
		},
		Serve: Serve{
			Addr: ":4443",
			Dir:  ".",
		},
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalid)
	case c.Buffer.MaxLength <= 0:
		return fmt.Errorf("%w: buffer.max_length must be positive", ErrInvalid)
	case c.Buffer.MaxMaxLength < c.Buffer.MaxLength:
		return fmt.Errorf("%w: buffer.max_max_length %.1f below buffer.max_length %.1f", ErrInvalid, c.Buffer.MaxMaxLength, c.Buffer.MaxLength)
	case c.Buffer.MaxHole < 0 || c.Buffer.MaxFragLookUpTolerance < 0:
		return fmt.Errorf("%w: negative buffer tolerance", ErrInvalid)
	case c.Live.SyncDurationCount < 1 && c.Live.SyncDuration <= 0:
		return fmt.Errorf("%w: live sync distance must be positive", ErrInvalid)
	case c.Live.MaxLatencyDurationCount != 0 && c.Live.MaxLatencyDurationCount <= c.Live.SyncDurationCount:
		return fmt.Errorf("%w: live.max_latency_duration_count must exceed live.sync_duration_count", ErrInvalid)
	case c.Loading.LoopThreshold < 1:
		return fmt.Errorf("%w: loading.loop_threshold must be at least 1", ErrInvalid)
	case c.ABR.EwmaFastVoD <= 0 || c.ABR.EwmaSlowVoD <= 0 || c.ABR.EwmaFastLive <= 0 || c.ABR.EwmaSlowLive <= 0:
		return fmt.Errorf("%w: EWMA half-lives must be positive", ErrInvalid)
	case c.ABR.BandWidthFactor <= 0 || c.ABR.BandWidthUpFactor <= 0:
		return fmt.Errorf("%w: bandwidth factors must be positive", ErrInvalid)
	case c.ABR.AbandonFactor <= 0 || c.ABR.AbandonFactor > 1:
		return fmt.Errorf("%w: abr.abandon_factor must be in (0, 1]", ErrInvalid)
	case c.Remux.MaxAudioFramesDrift < 1:
		return fmt.Errorf("%w: remux.max_audio_frames_drift must be at least 1", ErrInvalid)
	}
	for name, r := range map[string]Retry{
		"manifest": c.Loading.Manifest, "level": c.Loading.Level,
		"fragment": c.Loading.Fragment, "key": c.Loading.Key,
	} {
		if r.Timeout <= 0 || r.MaxRetry < 0 || r.RetryDelay < 0 {
			return fmt.Errorf("%w: loading.%s policy", ErrInvalid, name)
		}
	}
	return nil
}

// TargetLatency returns the live sync distance in seconds for a playlist
// with the given target duration.
func (c Config) TargetLatency(targetDuration float64) float64 {
	if c.Live.SyncDuration > 0 {
		return c.Live.SyncDuration
	}
	return float64(c.Live.SyncDurationCount) * targetDuration
}

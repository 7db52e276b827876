package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// REFRACT_BUFFER_MAX_LENGTH for buffer.max_length.
const EnvPrefix = "REFRACT"

// Flags returns the command-line flags understood by Load. Flag names are
// the configuration keys; dashes are accepted for underscores.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("refract", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
	})
	fs.String("config_file", "", "configuration file (yaml, json or toml)")
	fs.String("log_level", d.LogLevel, "log level: debug, info, warn or error")
	fs.Int("start_level", d.StartLevel, "initial quality level, -1 for automatic")
	fs.Float64("start_position", d.StartPosition, "start position in seconds, negative for default")
	fs.Bool("auto_start_load", d.AutoStartLoad, "start loading fragments as soon as the playlist is parsed")
	fs.Float64("buffer.max_length", d.Buffer.MaxLength, "target forward buffer in seconds")
	fs.Float64("buffer.max_max_length", d.Buffer.MaxMaxLength, "upper bound of the forward buffer in seconds")
	fs.Int("live.sync_duration_count", d.Live.SyncDurationCount, "live edge distance in target durations")
	fs.Bool("loading.http3", d.Loading.HTTP3, "fetch over HTTP/3")
	fs.Int("abr.auto_level_capping", d.ABR.AutoLevelCapping, "highest level ABR may pick, -1 for none")
	fs.Float64("abr.default_estimate", d.ABR.DefaultEstimate, "bandwidth estimate before measurements, bits per second")
	fs.String("serve.addr", d.Serve.Addr, "listen address of the local origin")
	fs.String("serve.dir", d.Serve.Dir, "directory served by the local origin")
	return fs
}

// Load builds a Config from, in increasing precedence: Default, the file
// named by config_file, REFRACT_ environment variables and the flags set
// in fs. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("config_file", c.ConfigFile)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("tick_interval", c.TickInterval)
	v.SetDefault("start_position", c.StartPosition)
	v.SetDefault("start_level", c.StartLevel)
	v.SetDefault("auto_start_load", c.AutoStartLoad)

	v.SetDefault("buffer.max_length", c.Buffer.MaxLength)
	v.SetDefault("buffer.max_max_length", c.Buffer.MaxMaxLength)
	v.SetDefault("buffer.max_size", c.Buffer.MaxSize)
	v.SetDefault("buffer.max_hole", c.Buffer.MaxHole)
	v.SetDefault("buffer.max_frag_lookup_tolerance", c.Buffer.MaxFragLookUpTolerance)
	v.SetDefault("buffer.low_buffer", c.Buffer.LowBuffer)
	v.SetDefault("buffer.stall_detection_delay", c.Buffer.StallDetectionDelay)
	v.SetDefault("buffer.nudge_offset", c.Buffer.NudgeOffset)
	v.SetDefault("buffer.nudge_max_retry", c.Buffer.NudgeMaxRetry)

	v.SetDefault("live.sync_duration_count", c.Live.SyncDurationCount)
	v.SetDefault("live.sync_duration", c.Live.SyncDuration)
	v.SetDefault("live.max_latency_duration_count", c.Live.MaxLatencyDurationCount)

	for name, r := range map[string]Retry{
		"manifest": c.Loading.Manifest,
		"level":    c.Loading.Level,
		"fragment": c.Loading.Fragment,
		"key":      c.Loading.Key,
	} {
		prefix := "loading." + name + "."
		v.SetDefault(prefix+"timeout", r.Timeout)
		v.SetDefault(prefix+"max_retry", r.MaxRetry)
		v.SetDefault(prefix+"retry_delay", r.RetryDelay)
		v.SetDefault(prefix+"max_retry_delay", r.MaxRetryDelay)
	}
	v.SetDefault("loading.loop_threshold", c.Loading.LoopThreshold)
	v.SetDefault("loading.key_cache_ttl", c.Loading.KeyCacheTTL)
	v.SetDefault("loading.http3", c.Loading.HTTP3)
	v.SetDefault("loading.user_agent", c.Loading.UserAgent)

	v.SetDefault("abr.ewma_fast_live", c.ABR.EwmaFastLive)
	v.SetDefault("abr.ewma_slow_live", c.ABR.EwmaSlowLive)
	v.SetDefault("abr.ewma_fast_vod", c.ABR.EwmaFastVoD)
	v.SetDefault("abr.ewma_slow_vod", c.ABR.EwmaSlowVoD)
	v.SetDefault("abr.default_estimate", c.ABR.DefaultEstimate)
	v.SetDefault("abr.min_delay", c.ABR.MinDelay)
	v.SetDefault("abr.bandwidth_factor", c.ABR.BandWidthFactor)
	v.SetDefault("abr.bandwidth_up_factor", c.ABR.BandWidthUpFactor)
	v.SetDefault("abr.max_starvation_delay", c.ABR.MaxStarvationDelay)
	v.SetDefault("abr.max_loading_delay", c.ABR.MaxLoadingDelay)
	v.SetDefault("abr.abandon_factor", c.ABR.AbandonFactor)
	v.SetDefault("abr.min_auto_bitrate", c.ABR.MinAutoBitrate)
	v.SetDefault("abr.auto_level_capping", c.ABR.AutoLevelCapping)

	v.SetDefault("remux.max_audio_frames_drift", c.Remux.MaxAudioFramesDrift)
	v.SetDefault("remux.stretch_short_video_track", c.Remux.StretchShortVideoTrack)

	v.SetDefault("serve.addr", c.Serve.Addr)
	v.SetDefault("serve.dir", c.Serve.Dir)
}

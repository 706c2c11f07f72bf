// Package config loads the transmux server configuration from YAML with
// TRANSMUX_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/transmux/internal/pipeline"
)

// EnvPrefix prefixes every environment override, e.g.
// TRANSMUX_SRT_ADDR for srt.addr.
const EnvPrefix = "TRANSMUX"

type Config struct {
	Transmux TransmuxConfig `mapstructure:"transmux"`
	Log      LogConfig      `mapstructure:"log"`
	SRT      SRTConfig      `mapstructure:"srt"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type TransmuxConfig struct {
	KeepOriginalTimestamps bool   `mapstructure:"keep_original_timestamps"`
	FirstSequenceNumber    uint32 `mapstructure:"first_sequence_number"`
	AlignGopsAtEnd         bool   `mapstructure:"align_gops_at_end"`
	BaseMediaDecodeTime    uint64 `mapstructure:"base_media_decode_time"`
	Remux                  bool   `mapstructure:"remux"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn or error
	File       string `mapstructure:"file"`  // empty means stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SRTConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Latency       time.Duration `mapstructure:"latency"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	HTTP3Addr    string        `mapstructure:"http3_addr"`
	CertValidity time.Duration `mapstructure:"cert_validity"`
	CertHosts    []string      `mapstructure:"cert_hosts"`
	Window       int           `mapstructure:"window"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configPath, or only defaults and environment when
// configPath is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transmux.keep_original_timestamps", false)
	v.SetDefault("transmux.first_sequence_number", 0)
	v.SetDefault("transmux.align_gops_at_end", false)
	v.SetDefault("transmux.base_media_decode_time", 0)
	v.SetDefault("transmux.remux", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("srt.enabled", true)
	v.SetDefault("srt.addr", ":6000")
	v.SetDefault("srt.latency", "120ms")
	v.SetDefault("srt.chunk_interval", "2s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.http3_addr", ":4443")
	v.SetDefault("http.cert_validity", "336h")
	v.SetDefault("http.cert_hosts", []string{})
	v.SetDefault("http.window", 6)

	v.SetDefault("metrics.enabled", true)
}

// PipelineOptions converts the transmux section into pipeline options.
func (t TransmuxConfig) PipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithKeepOriginalTimestamps(t.KeepOriginalTimestamps),
		pipeline.WithFirstSequenceNumber(t.FirstSequenceNumber),
		pipeline.WithAlignGopsAtEnd(t.AlignGopsAtEnd),
		pipeline.WithBaseMediaDecodeTime(t.BaseMediaDecodeTime),
		pipeline.WithRemux(t.Remux),
	}
}

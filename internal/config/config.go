// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/reassembly/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `reasm:` root key in YAML.
type GlobalConfig struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Stream    StreamConfig    `mapstructure:"stream" yaml:"stream"`
	Multipart MultipartConfig `mapstructure:"multipart" yaml:"multipart"`
	Line      LineConfig      `mapstructure:"line" yaml:"line"`
	Conntrack ConntrackConfig `mapstructure:"conntrack" yaml:"conntrack"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Sink      SinkConfig      `mapstructure:"sink" yaml:"sink"`
}

// ─── Packet Pool ───

// PoolConfig bounds the shared packet pool.
type PoolConfig struct {
	MaxPackets int `mapstructure:"max_packets" yaml:"max_packets"` // 0 = unlimited
}

// ─── Stream Reassembly ───

// StreamConfig configures per-connection stream reassembly.
type StreamConfig struct {
	MaxBufferBytes  int  `mapstructure:"max_buffer_bytes" yaml:"max_buffer_bytes"` // 0 = unbounded
	Bidirectional   bool `mapstructure:"bidirectional" yaml:"bidirectional"`
	NoCopy          bool `mapstructure:"no_copy" yaml:"no_copy"`
	ReentrancyCheck bool `mapstructure:"reentrancy_check" yaml:"reentrancy_check"`
}

// ─── IP Fragment Reassembly ───

// MultipartConfig controls IPv4 fragment reassembly.
type MultipartConfig struct {
	MaxFragments int    `mapstructure:"max_fragments" yaml:"max_fragments"`
	Timeout      string `mapstructure:"timeout" yaml:"timeout"`
	MaxPerSource int    `mapstructure:"max_per_source" yaml:"max_per_source"` // fragments per source IP per window, 0 = unlimited
	RateWindow   string `mapstructure:"rate_window" yaml:"rate_window"`

	TimeoutDuration    time.Duration `mapstructure:"-" yaml:"-"`
	RateWindowDuration time.Duration `mapstructure:"-" yaml:"-"`
}

// ─── Line Parser ───

// LineConfig configures line extraction.
type LineConfig struct {
	MaxLineSize int `mapstructure:"max_line_size" yaml:"max_line_size"` // soft limit, longer lines are logged
}

// ─── Connection Tracking ───

// ConntrackConfig configures the per-worker connection table.
type ConntrackConfig struct {
	IdleTimeout    string `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ExpireInterval string `mapstructure:"expire_interval" yaml:"expire_interval"`

	IdleTimeoutDuration    time.Duration `mapstructure:"-" yaml:"-"`
	ExpireIntervalDuration time.Duration `mapstructure:"-" yaml:"-"`
}

// ─── Dispatch ───

// DispatchConfig sizes the worker partitions.
type DispatchConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"` // 0 = auto (GOMAXPROCS)
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Source & Sink ───

// SourceConfig configures capture file replay.
type SourceConfig struct {
	Filter  string `mapstructure:"filter" yaml:"filter"`
	Buffers int    `mapstructure:"buffers" yaml:"buffers"`
	SnapLen int    `mapstructure:"snap_len" yaml:"snap_len"`
}

// SinkConfig configures where extracted lines go.
type SinkConfig struct {
	Format string `mapstructure:"format" yaml:"format"` // text / json
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`   // MB
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `reasm: ...`.
type configRoot struct {
	Reasm GlobalConfig `mapstructure:"reasm"`
}

// Load loads configuration from file. An empty path yields the defaults, still
// subject to environment overrides.
// The YAML file uses `reasm:` as root key; env vars use the REASM_ prefix (e.g., REASM_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `reasm.` key prefix maps to `REASM_` in env vars via the key replacer
	// (e.g., key "reasm.log.level" → env "REASM_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Reasm

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "reasm." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("reasm.log.level", "info")
	v.SetDefault("reasm.log.format", "text")
	v.SetDefault("reasm.log.outputs.file.enabled", false)
	v.SetDefault("reasm.log.outputs.file.path", "/var/log/reasm/reasm.log")
	v.SetDefault("reasm.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("reasm.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("reasm.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("reasm.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("reasm.metrics.enabled", false)
	v.SetDefault("reasm.metrics.listen", ":9091")
	v.SetDefault("reasm.metrics.path", "/metrics")

	// Reassembly defaults
	v.SetDefault("reasm.pool.max_packets", 0)
	v.SetDefault("reasm.stream.max_buffer_bytes", 1<<20)
	v.SetDefault("reasm.stream.bidirectional", false)
	v.SetDefault("reasm.stream.no_copy", false)
	v.SetDefault("reasm.stream.reentrancy_check", false)
	v.SetDefault("reasm.multipart.max_fragments", 64)
	v.SetDefault("reasm.multipart.timeout", "30s")
	v.SetDefault("reasm.multipart.max_per_source", 0)
	v.SetDefault("reasm.multipart.rate_window", "10s")
	v.SetDefault("reasm.line.max_line_size", 8192)
	v.SetDefault("reasm.conntrack.idle_timeout", "5m")
	v.SetDefault("reasm.conntrack.expire_interval", "1s")

	// Pipeline defaults
	v.SetDefault("reasm.dispatch.workers", 0)
	v.SetDefault("reasm.dispatch.queue_size", 4096)
	v.SetDefault("reasm.source.filter", "")
	v.SetDefault("reasm.source.buffers", 1024)
	v.SetDefault("reasm.source.snap_len", 65536)
	v.SetDefault("reasm.sink.format", "text")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Limits ──
	if cfg.Pool.MaxPackets < 0 {
		return invalid("pool.max_packets must be >= 0, got %d", cfg.Pool.MaxPackets)
	}
	if cfg.Stream.MaxBufferBytes < 0 || int64(cfg.Stream.MaxBufferBytes) > int64(^uint32(0)) {
		return invalid("stream.max_buffer_bytes out of range: %d", cfg.Stream.MaxBufferBytes)
	}
	if cfg.Multipart.MaxFragments <= 0 {
		return invalid("multipart.max_fragments must be > 0, got %d", cfg.Multipart.MaxFragments)
	}
	if cfg.Multipart.MaxPerSource < 0 {
		return invalid("multipart.max_per_source must be >= 0, got %d", cfg.Multipart.MaxPerSource)
	}
	if cfg.Line.MaxLineSize < 0 {
		return invalid("line.max_line_size must be >= 0, got %d", cfg.Line.MaxLineSize)
	}

	// ── Durations ──
	var err error
	if cfg.Multipart.TimeoutDuration, err = parsePositive("multipart.timeout", cfg.Multipart.Timeout); err != nil {
		return err
	}
	if cfg.Multipart.RateWindowDuration, err = parsePositive("multipart.rate_window", cfg.Multipart.RateWindow); err != nil {
		return err
	}
	if cfg.Conntrack.IdleTimeoutDuration, err = parsePositive("conntrack.idle_timeout", cfg.Conntrack.IdleTimeout); err != nil {
		return err
	}
	if cfg.Conntrack.ExpireIntervalDuration, err = parsePositive("conntrack.expire_interval", cfg.Conntrack.ExpireInterval); err != nil {
		return err
	}

	// ── Dispatch ──
	if cfg.Dispatch.Workers < 0 {
		return invalid("dispatch.workers must be >= 0, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Dispatch.QueueSize < 0 {
		return invalid("dispatch.queue_size must be >= 0, got %d", cfg.Dispatch.QueueSize)
	}

	// ── Source & sink ──
	if cfg.Source.Buffers < 0 || cfg.Source.SnapLen < 0 {
		return invalid("source.buffers and source.snap_len must be >= 0")
	}
	if cfg.Sink.Format != "json" && cfg.Sink.Format != "text" {
		return invalid("invalid sink format: %s (must be json/text)", cfg.Sink.Format)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics are enabled")
	}
	return nil
}

func parsePositive(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, invalid("invalid %s %q: %v", key, value, err)
	}
	if d <= 0 {
		return 0, invalid("%s must be positive, got %s", key, value)
	}
	return d, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}

// Package config provides configuration management for zonecast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 7091
	defaultWirePort            = 7095
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultSampleRate          = 44100
	defaultChannels            = 2
	defaultBitDepth            = 16
	defaultBitrateKbps         = 192
	defaultRollingBuffer       = 512 * KB
	defaultKillTimeout         = 2 * time.Second
	defaultHandoffTimeout      = 8 * time.Second
	defaultRestartBackoffCap   = 500 * time.Millisecond
	defaultConsumerLagLimit    = 4 * MB
	defaultTargetLead          = 250 * time.Millisecond
	defaultLeadMargin          = 100 * time.Millisecond
	defaultAnchorLead          = 500 * time.Millisecond
	defaultRestartDebounce     = 3 * time.Second
	defaultFrameHistoryLimit   = 512
	defaultClientBufferDefault = 1 * MB
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Wire      WireConfig      `mapstructure:"wire"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Audio     AudioConfig     `mapstructure:"audio"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WireConfig holds synchronized wire-protocol output configuration.
type WireConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// TargetLead is how far ahead of the server clock frame timestamps are
	// allowed to run before the upstream is paused.
	TargetLead time.Duration `mapstructure:"target_lead"`
	// LeadMargin is the tolerance band around TargetLead.
	LeadMargin time.Duration `mapstructure:"lead_margin"`
	// AnchorLead is the initial lead applied to a stream's first frame.
	// Clamped to [250ms, 8s].
	AnchorLead time.Duration `mapstructure:"anchor_lead"`
	// RestartDebounce is the minimum interval between upstream restarts after
	// an unexpected stream end.
	RestartDebounce time.Duration `mapstructure:"restart_debounce"`
	// FrameHistoryLimit bounds the retained already-sent-but-future frames
	// kept for late-joining group peers.
	FrameHistoryLimit int `mapstructure:"frame_history_limit"`
	// ClientBufferDefault is the assumed client receive-buffer capacity when
	// the client does not announce one.
	ClientBufferDefault ByteSize `mapstructure:"client_buffer_default"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// EngineConfig holds transcoding engine configuration.
type EngineConfig struct {
	// RollingBuffer is the byte cap of a session's rolling chunk buffer.
	RollingBuffer ByteSize `mapstructure:"rolling_buffer"`
	// KillTimeout is how long a stopped process gets to exit before SIGKILL.
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
	// HandoffTimeout bounds the wait for a replacement session's first chunk.
	HandoffTimeout time.Duration `mapstructure:"handoff_timeout"`
	// RestartBackoffCap caps the linear backoff between failure restarts.
	RestartBackoffCap time.Duration `mapstructure:"restart_backoff_cap"`
	// ConsumerLagLimit is the pending-byte threshold past which a slow
	// consumer is dropped.
	ConsumerLagLimit ByteSize `mapstructure:"consumer_lag_limit"`
}

// AudioConfig holds default output audio settings.
type AudioConfig struct {
	SampleRate  int     `mapstructure:"sample_rate"`
	Channels    int     `mapstructure:"channels"`
	BitDepth    int     `mapstructure:"bit_depth"`
	BitrateKbps int     `mapstructure:"bitrate_kbps"`
	GainDB      float64 `mapstructure:"gain_db"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	// BinaryPath is the path to the ffmpeg binary (empty = auto-detect).
	BinaryPath string `mapstructure:"binary_path"`
}

// DiscoveryConfig holds mDNS advertisement configuration.
type DiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ZONECAST_ and use underscores for
// nesting. Example: ZONECAST_WIRE_PORT=7095.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zonecast")
		v.AddConfigPath("$HOME/.zonecast")
	}

	v.SetEnvPrefix("ZONECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Wire defaults
	v.SetDefault("wire.host", "0.0.0.0")
	v.SetDefault("wire.port", defaultWirePort)
	v.SetDefault("wire.target_lead", defaultTargetLead)
	v.SetDefault("wire.lead_margin", defaultLeadMargin)
	v.SetDefault("wire.anchor_lead", defaultAnchorLead)
	v.SetDefault("wire.restart_debounce", defaultRestartDebounce)
	v.SetDefault("wire.frame_history_limit", defaultFrameHistoryLimit)
	v.SetDefault("wire.client_buffer_default", int64(defaultClientBufferDefault))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Engine defaults
	v.SetDefault("engine.rolling_buffer", int64(defaultRollingBuffer))
	v.SetDefault("engine.kill_timeout", defaultKillTimeout)
	v.SetDefault("engine.handoff_timeout", defaultHandoffTimeout)
	v.SetDefault("engine.restart_backoff_cap", defaultRestartBackoffCap)
	v.SetDefault("engine.consumer_lag_limit", int64(defaultConsumerLagLimit))

	// Audio defaults
	v.SetDefault("audio.sample_rate", defaultSampleRate)
	v.SetDefault("audio.channels", defaultChannels)
	v.SetDefault("audio.bit_depth", defaultBitDepth)
	v.SetDefault("audio.bitrate_kbps", defaultBitrateKbps)
	v.SetDefault("audio.gain_db", 0.0)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")

	// Discovery defaults
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.name", "zonecast")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Wire.Port < 1 || c.Wire.Port > maxPort {
		return fmt.Errorf("wire.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 192000")
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 8 {
		return fmt.Errorf("audio.channels must be between 1 and 8")
	}
	switch c.Audio.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("audio.bit_depth must be 16, 24 or 32")
	}

	if c.Engine.RollingBuffer <= 0 {
		return fmt.Errorf("engine.rolling_buffer must be positive")
	}
	if c.Wire.TargetLead <= 0 {
		return fmt.Errorf("wire.target_lead must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the wire listener address in host:port format.
func (c *WireConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

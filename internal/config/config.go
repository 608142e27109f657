// Package config loads dashlive configuration using Viper from defaults,
// an optional YAML file and DASHLIVE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultWindowSize          = 6
	defaultShutdownTimeout     = 10 * time.Second
	defaultRetryAttempts       = 2
	defaultRetryDelay          = 500 * time.Millisecond
	defaultRetryMaxDelay       = 8 * time.Second
	defaultRetryBackoff        = 2.0
	defaultRequestTimeout      = 30 * time.Second
	defaultLocationBanDuration = time.Minute
	defaultHeartbeatTimeout    = time.Second
	defaultElectionTimeout     = time.Second
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "DASHLIVE"

// Config holds all configuration for the application.
type Config struct {
	Dash    DashConfig    `mapstructure:"dash"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Cluster ClusterConfig `mapstructure:"cluster"`
}

// DashConfig controls manifest interpretation and the update loop.
type DashConfig struct {
	IgnoreMinBufferTime              bool `mapstructure:"ignore_min_buffer_time"`
	IgnoreSuggestedPresentationDelay bool `mapstructure:"ignore_suggested_presentation_delay"`
	IgnoreEmptyAdaptationSet         bool `mapstructure:"ignore_empty_adaptation_set"`
	IgnoreMaxSegmentDuration         bool `mapstructure:"ignore_max_segment_duration"`
	IgnoreDRMInfo                    bool `mapstructure:"ignore_drm_info"`
	// UpdatePeriod overrides the manifest's minimumUpdatePeriod when >= 0.
	UpdatePeriod              time.Duration     `mapstructure:"update_period"`
	ClockSyncURI              string            `mapstructure:"clock_sync_uri"`
	InitialSegmentLimit       int               `mapstructure:"initial_segment_limit"`
	DefaultPresentationDelay  time.Duration     `mapstructure:"default_presentation_delay"`
	SequenceMode              bool              `mapstructure:"sequence_mode"`
	RaiseFatalOnUpdateFailure bool              `mapstructure:"raise_fatal_on_update_failure"`
	PrefetchIndexes           bool              `mapstructure:"prefetch_indexes"`
	LocationBanDuration       time.Duration     `mapstructure:"location_ban_duration"`
	KeySystemsByURI           map[string]string `mapstructure:"key_systems_by_uri"`
}

// RetryConfig controls transport retries.
type RetryConfig struct {
	Attempts      int           `mapstructure:"attempts"`
	Delay         time.Duration `mapstructure:"delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ServerConfig holds the HLS status server configuration.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// WindowSize is the number of segments in live media playlists.
	WindowSize      int           `mapstructure:"window_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnableBanRoute  bool          `mapstructure:"enable_ban_route"`
}

// ClusterConfig holds Raft cluster configuration.
type ClusterConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RaftID           string        `mapstructure:"raft_id"`
	BindAddr         string        `mapstructure:"bind_addr"`
	Peers            []string      `mapstructure:"peers"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `mapstructure:"election_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and use
// underscores for nesting, e.g. DASHLIVE_SERVER_PORT=9000.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	return LoadWith(v, configPath)
}

// LoadWith is Load on a caller-owned Viper, so command-line flags bound to
// v take precedence over the file and environment.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dashlive")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dashlive")
		v.AddConfigPath("$HOME/.dashlive")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
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
func SetDefaults(v *viper.Viper) {
	v.SetDefault("dash.ignore_min_buffer_time", false)
	v.SetDefault("dash.ignore_suggested_presentation_delay", false)
	v.SetDefault("dash.ignore_empty_adaptation_set", false)
	v.SetDefault("dash.ignore_max_segment_duration", false)
	v.SetDefault("dash.ignore_drm_info", false)
	v.SetDefault("dash.update_period", time.Duration(-1))
	v.SetDefault("dash.clock_sync_uri", "")
	v.SetDefault("dash.initial_segment_limit", 1000)
	v.SetDefault("dash.default_presentation_delay", time.Duration(0))
	v.SetDefault("dash.sequence_mode", false)
	v.SetDefault("dash.raise_fatal_on_update_failure", false)
	v.SetDefault("dash.prefetch_indexes", false)
	v.SetDefault("dash.location_ban_duration", defaultLocationBanDuration)

	v.SetDefault("retry.attempts", defaultRetryAttempts)
	v.SetDefault("retry.delay", defaultRetryDelay)
	v.SetDefault("retry.max_delay", defaultRetryMaxDelay)
	v.SetDefault("retry.backoff_factor", defaultRetryBackoff)
	v.SetDefault("retry.timeout", defaultRequestTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.window_size", defaultWindowSize)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.enable_ban_route", false)

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.raft_id", "")
	v.SetDefault("cluster.bind_addr", "")
	v.SetDefault("cluster.peers", []string{})
	v.SetDefault("cluster.heartbeat_timeout", defaultHeartbeatTimeout)
	v.SetDefault("cluster.election_timeout", defaultElectionTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 0 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 0 and %d", maxPort)
	}
	if c.Server.WindowSize < 0 {
		return fmt.Errorf("server.window_size must not be negative")
	}

	if c.Dash.InitialSegmentLimit < 0 {
		return fmt.Errorf("dash.initial_segment_limit must not be negative")
	}
	if c.Dash.LocationBanDuration < 0 {
		return fmt.Errorf("dash.location_ban_duration must not be negative")
	}

	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.Delay {
		return fmt.Errorf("retry.max_delay must be at least retry.delay")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Cluster.Enabled {
		if c.Cluster.RaftID == "" {
			return fmt.Errorf("cluster.raft_id is required when clustering is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Cluster.BindAddr); err != nil {
			return fmt.Errorf("cluster.bind_addr %q: %w", c.Cluster.BindAddr, err)
		}
		if len(c.Cluster.Peers) == 0 {
			return fmt.Errorf("cluster.peers must list at least one peer")
		}
	}

	return nil
}

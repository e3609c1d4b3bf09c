// Package config provides configuration loading and validation for the
// incbuild worker.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/incbuild/pkg/persist"
)

// Sentinel validation errors.
var (
	ErrInvalidCodec   = errors.New("invalid storage codec")
	ErrInvalidRatio   = errors.New("max affected ratio must be within [0, 1]")
	ErrInvalidWorkers = errors.New("library check workers must not be negative")
	ErrInvalidSample  = errors.New("sample ratio must be within [0, 1]")
	ErrInvalidFormat  = errors.New("invalid logging format")
	ErrInvalidLevel   = errors.New("invalid logging level")
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "INCBUILD"

// Config holds all configuration for an incbuild worker.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Libraries LibrariesConfig `mapstructure:"libraries"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects how store records are encoded.
type StorageConfig struct {
	Codec    string `mapstructure:"codec"`
	Compress bool   `mapstructure:"compress"`
}

// GraphConfig holds dependency graph configuration.
type GraphConfig struct {
	MaxAffectedRatio float64  `mapstructure:"max_affected_ratio"`
	UnitDescriptors  []string `mapstructure:"unit_descriptors"`
}

// LibrariesConfig holds library check configuration.
type LibrariesConfig struct {
	CheckWorkers int `mapstructure:"check_workers"`
}

// TelemetryConfig holds tracing and metrics configuration.
type TelemetryConfig struct {
	OTLPEndpoint    string        `mapstructure:"otlp_endpoint"`
	OTLPHeaders     string        `mapstructure:"otlp_headers"`
	OTLPInsecure    bool          `mapstructure:"otlp_insecure"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	DebugTrace      bool          `mapstructure:"debug_trace"`
	TraceVerbose    bool          `mapstructure:"trace_verbose"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NewCodec returns the record codec the configuration selects.
func (c StorageConfig) NewCodec() (persist.Codec, error) {
	return persist.ByName(c.Codec, c.Compress)
}

// SlogLevel maps the configured level name to a slog level.
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// LoadConfig loads configuration from file and environment variables. An
// empty path searches for config.yaml in the working directory, ./.incbuild
// and /etc/incbuild.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./.incbuild")
		viperCfg.AddConfigPath("/etc/incbuild")
	}

	viperCfg.SetEnvPrefix(EnvPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("data_dir", DefaultDataDir)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	viperCfg.SetDefault("storage.codec", DefaultStorageCodec)
	viperCfg.SetDefault("storage.compress", DefaultStorageCompress)

	viperCfg.SetDefault("graph.max_affected_ratio", DefaultMaxAffectedRatio)
	viperCfg.SetDefault("graph.unit_descriptors", DefaultUnitDescriptors())

	viperCfg.SetDefault("libraries.check_workers", DefaultCheckWorkers)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.metrics_addr", "")
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.debug_trace", false)
	viperCfg.SetDefault("telemetry.trace_verbose", false)
	viperCfg.SetDefault("telemetry.shutdown_timeout", DefaultShutdownTimeout)
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if _, err := config.Storage.NewCodec(); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCodec, config.Storage.Codec)
	}

	if config.Graph.MaxAffectedRatio < 0 || config.Graph.MaxAffectedRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidRatio, config.Graph.MaxAffectedRatio)
	}

	if config.Libraries.CheckWorkers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.Libraries.CheckWorkers)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSample, config.Telemetry.SampleRatio)
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, config.Logging.Format)
	}

	switch strings.ToLower(config.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, config.Logging.Level)
	}

	return nil
}

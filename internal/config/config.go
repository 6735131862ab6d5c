// Package config loads the monitord configuration from a TOML file with
// environment-variable overrides, the way the retrieved corpus wires
// viper-backed config (github.com/spf13/viper) behind a typed struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the documented environment-variable override prefix, e.g.
// MONITORD_GPU_ENABLE_LIBRARY=false.
const EnvPrefix = "MONITORD"

// Config is the validated, typed view of the service's TOML configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	GPU       GPUConfig       `mapstructure:"gpu"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServiceConfig struct {
	PollIntervalSecs int    `mapstructure:"poll_interval_secs"`
	DataDir          string `mapstructure:"data_dir"`
	LogLevel         string `mapstructure:"log_level"`
}

type GPUConfig struct {
	EnableLibrary bool `mapstructure:"enable_library"`
	FallbackToCLI bool `mapstructure:"fallback_to_cli"`
}

type LLMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	EnableProxy bool   `mapstructure:"enable_proxy"`
	ProxyPort   int    `mapstructure:"proxy_port"`
	BackendURL  string `mapstructure:"backend_url"`
	APIURL      string `mapstructure:"api_url"`
}

type StorageConfig struct {
	RetentionDays        int    `mapstructure:"retention_days"`
	EnableParquetArchival bool  `mapstructure:"enable_parquet_archival"`
	ArchiveDir           string `mapstructure:"archive_dir"`
}

type TelemetryConfig struct {
	EnablePrometheus bool   `mapstructure:"enable_prometheus"`
	MetricsPort      int    `mapstructure:"metrics_port"`
	EnableOTLP       bool   `mapstructure:"enable_otlp"`
	OTLPEndpoint     string `mapstructure:"otlp_endpoint"`
}

// PollInterval returns the sampling interval as a time.Duration.
func (s ServiceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

// DefaultPath returns "~/.config/monitord/config.toml" with $HOME expanded.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "monitord", "config.toml")
}

func defaults(v *viper.Viper) {
	v.SetDefault("service.poll_interval_secs", 2)
	v.SetDefault("service.data_dir", "/var/lib/monitord")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("gpu.enable_library", true)
	v.SetDefault("gpu.fallback_to_cli", false)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.enable_proxy", false)
	v.SetDefault("llm.proxy_port", 11434)
	v.SetDefault("llm.backend_url", "http://localhost:11435")
	v.SetDefault("llm.api_url", "http://localhost:11435")

	v.SetDefault("storage.retention_days", 7)
	v.SetDefault("storage.enable_parquet_archival", true)
	v.SetDefault("storage.archive_dir", "archive")

	v.SetDefault("telemetry.enable_prometheus", true)
	v.SetDefault("telemetry.metrics_port", 9835)
	v.SetDefault("telemetry.enable_otlp", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
}

// Load reads configuration from path (falling back to DefaultPath if path is
// empty), applies MONITORD_-prefixed environment overrides, and validates
// the result. A missing config file is not an error: defaults plus env
// overrides are a valid configuration on their own.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if !os.IsNotExist(err) {
				return nil, &InvalidError{Reason: fmt.Sprintf("reading config file %s: %v", path, err)}
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("decoding config: %v", err)}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InvalidError is the ConfigInvalid error kind: it causes start-up to fail
// fast with exit code 1.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}

func (c *Config) validate() error {
	if c.Service.PollIntervalSecs <= 0 {
		return &InvalidError{Reason: "service.poll_interval_secs must be > 0"}
	}
	if c.Service.DataDir == "" {
		return &InvalidError{Reason: "service.data_dir must be set"}
	}
	if c.Storage.RetentionDays <= 0 {
		return &InvalidError{Reason: "storage.retention_days must be > 0"}
	}
	if c.LLM.EnableProxy {
		if c.LLM.ProxyPort <= 0 || c.LLM.ProxyPort > 65535 {
			return &InvalidError{Reason: "llm.proxy_port must be a valid TCP port"}
		}
		if c.LLM.BackendURL == "" {
			return &InvalidError{Reason: "llm.backend_url must be set when llm.enable_proxy is true"}
		}
	}
	if c.Telemetry.EnablePrometheus {
		if c.Telemetry.MetricsPort <= 0 || c.Telemetry.MetricsPort > 65535 {
			return &InvalidError{Reason: "telemetry.metrics_port must be a valid TCP port"}
		}
	}
	return nil
}

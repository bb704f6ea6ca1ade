package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains all configuration for the download server.
type ServerConfig struct {
	REST       RESTConfig       `mapstructure:"rest"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Health     HealthConfig     `mapstructure:"health"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC health server configuration.
type GRPCConfig struct {
	Addr             string        `mapstructure:"addr"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

// HealthConfig controls how often the store is pinged.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
}

// DownloaderConfig describes the external retrieval program.
type DownloaderConfig struct {
	Binary             string    `mapstructure:"binary"`
	DownloadDir        string    `mapstructure:"download_dir"`
	ProgressThresholds []float64 `mapstructure:"progress_thresholds"`
}

// StorageConfig selects the job record store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "memory" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadServer loads the server configuration from the given path.
// If configPath is empty, it looks for server.yaml in the config/ directory.
// Environment variables with DIONYSUS_ prefix override config file values.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("health.check_interval", 10*time.Second)
	v.SetDefault("health.ping_timeout", 2*time.Second)
	v.SetDefault("downloader.binary", "aria2c")
	v.SetDefault("downloader.download_dir", "downloads")
	v.SetDefault("downloader.progress_thresholds", []float64{5, 40, 70, 90})
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("shutdown.timeout", 30*time.Second)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DIONYSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that have no usable zero value.
func (c *ServerConfig) Validate() error {
	if c.Downloader.Binary == "" {
		return errors.New("config: downloader.binary is required")
	}
	if c.Downloader.DownloadDir == "" {
		return errors.New("config: downloader.download_dir is required")
	}
	for i := 1; i < len(c.Downloader.ProgressThresholds); i++ {
		if c.Downloader.ProgressThresholds[i] <= c.Downloader.ProgressThresholds[i-1] {
			return errors.New("config: downloader.progress_thresholds must be strictly ascending")
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver)
	}
	return nil
}

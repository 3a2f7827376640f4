// Package config loads sessionbox settings from defaults, an optional YAML
// file, a .env file and SESSIONBOX_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // seconds
}

type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	ExecTimeout  time.Duration `mapstructure:"exec_timeout"`
	Profile      string        `mapstructure:"profile"`
	Image        string        `mapstructure:"image"` // overrides the profile's image
}

type SandboxConfig struct {
	MemoryLimitMb   int   `mapstructure:"memory_limit_mb"`
	PidsLimit       int64 `mapstructure:"pids_limit"`
	NetworkDisabled bool  `mapstructure:"network_disabled"`
	WorkspaceSizeMb int   `mapstructure:"workspace_size_mb"`
}

type LimiterConfig struct {
	GlobalRPS      float64 `mapstructure:"global_rps"`
	PerClientRPS   float64 `mapstructure:"per_client_rps"`
	PerClientBurst int     `mapstructure:"per_client_burst"`
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
}

type DbConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"` // empty disables tracing
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Limiter LimiterConfig `mapstructure:"limiter"`
	Db      DbConfig      `mapstructure:"db"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 120)
	v.SetDefault("server.idle_timeout", 60)

	v.SetDefault("session.idle_timeout", "60s")
	v.SetDefault("session.scan_interval", "10s")
	v.SetDefault("session.exec_timeout", "60s")
	v.SetDefault("session.profile", "python")
	v.SetDefault("session.image", "")

	v.SetDefault("sandbox.memory_limit_mb", 256)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network_disabled", true)
	v.SetDefault("sandbox.workspace_size_mb", 64)

	v.SetDefault("limiter.global_rps", 100)
	v.SetDefault("limiter.per_client_rps", 10)
	v.SetDefault("limiter.per_client_burst", 20)
	v.SetDefault("limiter.max_concurrent", 50)

	v.SetDefault("db.enabled", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "sessionbox")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "sessionbox")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads configuration. path may be empty, in which case
// sessionbox.yaml is looked up in the working directory and /etc/sessionbox
// and is optional.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SESSIONBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.SetConfigName("sessionbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sessionbox")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Session.IdleTimeout <= 0:
		return errors.New("session.idle_timeout must be positive")
	case c.Session.ScanInterval < time.Second:
		return errors.New("session.scan_interval must be at least 1s")
	case c.Session.ExecTimeout <= 0:
		return errors.New("session.exec_timeout must be positive")
	case c.Session.Profile == "":
		return errors.New("session.profile is required")
	case c.Server.Port == "":
		return errors.New("server.port is required")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	AuthModeHS256    = "hs256"
	AuthModeInsecure = "insecure"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// AuthMode selects the identity-provider strategy. The insecure
	// decoder is only ever reachable through this explicit setting.
	AuthMode   string `mapstructure:"auth_mode"`
	AuthSecret string `mapstructure:"auth_secret"`

	ReadLimit   int64         `mapstructure:"read_limit"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`

	SignalRateLimit  int           `mapstructure:"signal_rate_limit"`
	SignalRateWindow time.Duration `mapstructure:"signal_rate_window"`

	PollIdleTimeout time.Duration `mapstructure:"poll_idle_timeout"`
	PollWait        time.Duration `mapstructure:"poll_wait"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 4000)
	v.SetDefault("auth_mode", AuthModeHS256)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("auth_timeout", "5s")
	v.SetDefault("signal_rate_limit", 60)
	v.SetDefault("signal_rate_window", "10s")
	v.SetDefault("poll_idle_timeout", "90s")
	v.SetDefault("poll_wait", "25s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.AuthMode {
	case AuthModeHS256:
		if c.AuthSecret == "" {
			return fmt.Errorf("auth_mode %q requires auth_secret", c.AuthMode)
		}
	case AuthModeInsecure:
		// explicitly selected, and never for production: a release
		// server must be incapable of skipping signature checks
		if c.Mode == "release" {
			return fmt.Errorf("auth_mode %q is not allowed with mode %q", c.AuthMode, c.Mode)
		}
	default:
		return fmt.Errorf("unsupported auth_mode %q", c.AuthMode)
	}
	return nil
}

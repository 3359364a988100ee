// Package config defines the rollout daemon configuration.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ROLLOUT_SERVER_ADDR.
const EnvPrefix = "ROLLOUT"

// Config is the top-level daemon configuration.
type Config struct {
	Server      ServerConfig    `json:"server" yaml:"server" mapstructure:"server"`
	Auth        AuthConfig      `json:"auth" yaml:"auth" mapstructure:"auth"`
	Store       StoreConfig     `json:"store" yaml:"store" mapstructure:"store"`
	Launcher    LauncherConfig  `json:"launcher" yaml:"launcher" mapstructure:"launcher"`
	Scheduler   SchedulerConfig `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Uninstall   UninstallConfig `json:"uninstall" yaml:"uninstall" mapstructure:"uninstall"`
	ServiceSpec string          `json:"service_spec" yaml:"service_spec" mapstructure:"service_spec"` // path to the service YAML
	DataDir     string          `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel    string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat   string          `json:"log_format" yaml:"log_format" mapstructure:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user" mapstructure:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass" mapstructure:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl" mapstructure:"token_ttl"`
}

// StoreConfig selects the task record store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"` // "sqlite" or "memory"
}

// LauncherConfig selects and configures the task launcher.
type LauncherConfig struct {
	Name     string            `json:"name" yaml:"name" mapstructure:"name"` // "simulated" or "docker"
	Settings map[string]string `json:"settings,omitempty" yaml:"settings" mapstructure:"settings"`
}

// SchedulerConfig tunes plan execution.
type SchedulerConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	StepTimeout  time.Duration `json:"step_timeout" yaml:"step_timeout" mapstructure:"step_timeout"`
}

// UninstallConfig tunes teardown.
type UninstallConfig struct {
	// LaunchConfig is a KEY=VALUE env file watched for SDK_UNINSTALL.
	LaunchConfig string        `json:"launch_config" yaml:"launch_config" mapstructure:"launch_config"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	KillRetry    time.Duration `json:"kill_retry" yaml:"kill_retry" mapstructure:"kill_retry"`
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout" mapstructure:"drain_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Launcher: LauncherConfig{
			Name:     "simulated",
			Settings: map[string]string{},
		},
		Scheduler: SchedulerConfig{
			PollInterval: 250 * time.Millisecond,
		},
		Uninstall: UninstallConfig{
			PollInterval: 250 * time.Millisecond,
			KillRetry:    5 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
		ServiceSpec: "service.yml",
		DataDir:     "./data",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// DBPath returns the SQLite database path under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "rollout.db")
}

// Validate checks values that have a fixed set of choices.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver %q: want sqlite or memory", c.Store.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	if c.Launcher.Name == "" {
		return fmt.Errorf("launcher.name is required")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// Load reads the config file at path, if any, over the defaults and
// applies ROLLOUT_* environment overrides (ROLLOUT_SERVER_ADDR for
// server.addr).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Launcher.Settings == nil {
		cfg.Launcher.Settings = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.admin_user", d.Auth.AdminUser)
	v.SetDefault("auth.admin_pass", d.Auth.AdminPass)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("launcher.name", d.Launcher.Name)
	v.SetDefault("launcher.settings", d.Launcher.Settings)

	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.step_timeout", d.Scheduler.StepTimeout)

	v.SetDefault("uninstall.launch_config", d.Uninstall.LaunchConfig)
	v.SetDefault("uninstall.poll_interval", d.Uninstall.PollInterval)
	v.SetDefault("uninstall.kill_retry", d.Uninstall.KillRetry)
	v.SetDefault("uninstall.drain_timeout", d.Uninstall.DrainTimeout)

	v.SetDefault("service_spec", d.ServiceSpec)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

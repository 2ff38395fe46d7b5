// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Provider ProviderConfig  `mapstructure:"provider" yaml:"provider"`
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	Sessions []SessionConfig `mapstructure:"sessions" yaml:"sessions"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	// Color enables ANSI level colors in the console format.
	Color       bool   `mapstructure:"color" yaml:"color"`
}

// BrowserConfig holds settings for the per-identity browser instances.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string `mapstructure:"args" yaml:"args"`
	// ProfileDir is the parent of the persistent per-identity profile directories.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`

	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	InitialLoadWait   time.Duration `mapstructure:"initial_load_wait" yaml:"initial_load_wait"`
	// ChallengeWait bounds the extra time granted to solve an anti-automation challenge.
	ChallengeWait  time.Duration `mapstructure:"challenge_wait" yaml:"challenge_wait"`
	LaunchInterval time.Duration `mapstructure:"launch_interval" yaml:"launch_interval"`

	Persona PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig overrides what the browser reports about itself. Empty fields keep
// the browser's own values.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// ProviderConfig describes the upstream chat product.
type ProviderConfig struct {
	Origin string `mapstructure:"origin" yaml:"origin"`
	// Market is sent as the mkt query parameter of every stream request.
	Market string `mapstructure:"market" yaml:"market"`
}

// StoreConfig selects the backend for chat-mode bindings.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SessionConfig is one configured credential.
type SessionConfig struct {
	Cookie string `mapstructure:"cookie" yaml:"cookie"`
}

const (
	StoreDriverFile     = "file"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "youbridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.color", true)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.profile_dir", "browser_profiles")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.initial_load_wait", "5s")
	v.SetDefault("browser.challenge_wait", "30s")
	v.SetDefault("browser.launch_interval", "0s")

	// -- Provider --
	v.SetDefault("provider.origin", "https://you.com")
	v.SetDefault("provider.market", "ja-JP")

	// -- Store --
	v.SetDefault("store.driver", StoreDriverFile)
	v.SetDefault("store.path", "chat_modes.yaml")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The postgres URL usually carries a password; allow it to come from the environment only.
	_ = v.BindEnv("store.postgres.url", "YOUBRIDGE_STORE_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider configuration invalid: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the browser timing settings.
func (b *BrowserConfig) Validate() error {
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be a positive duration")
	}
	if b.InitialLoadWait < 0 || b.ChallengeWait < 0 || b.LaunchInterval < 0 {
		return fmt.Errorf("initial_load_wait, challenge_wait and launch_interval must not be negative")
	}
	if b.ProfileDir == "" {
		return fmt.Errorf("profile_dir is required")
	}
	return nil
}

// Validate checks that the origin is an absolute URL.
func (p *ProviderConfig) Validate() error {
	u, err := url.Parse(p.Origin)
	if err != nil {
		return fmt.Errorf("origin is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("origin must be an absolute URL, got %q", p.Origin)
	}
	if p.Market == "" {
		return fmt.Errorf("market is required")
	}
	return nil
}

// Validate checks the store driver and its required settings.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case StoreDriverFile:
		if s.Path == "" {
			return fmt.Errorf("path is required for the file driver")
		}
	case StoreDriverPostgres:
		if s.Postgres.URL == "" {
			return fmt.Errorf("postgres.url is required for the postgres driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	return nil
}

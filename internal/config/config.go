// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Perception PerceptionConfig `mapstructure:"perception" yaml:"perception"`
	Execution  ExecutionConfig  `mapstructure:"execution" yaml:"execution"`
	Speech     SpeechConfig     `mapstructure:"speech" yaml:"speech"`
}

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds request bodies, which carry base64 screenshots.
	MaxBodyBytes int64      `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	Auth         AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig enables bearer token checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"-"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer"`
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	DriverMemory   StoreDriver = "memory"
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite   StoreDriver = "sqlite"
)

type StoreConfig struct {
	Driver   StoreDriver    `mapstructure:"driver" yaml:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
}

type PostgresConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Migrate bool   `mapstructure:"migrate" yaml:"migrate"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PerceptionProvider selects the vision model backend.
type PerceptionProvider string

const (
	ProviderGemini PerceptionProvider = "gemini"
	ProviderOpenAI PerceptionProvider = "openai"
)

// PerceptionConfig defines the vision oracle.
type PerceptionConfig struct {
	Provider          PerceptionProvider `mapstructure:"provider" yaml:"provider"`
	Model             string             `mapstructure:"model" yaml:"model"`
	APIKey            string             `mapstructure:"api_key" yaml:"-"`
	Project           string             `mapstructure:"project" yaml:"project"`
	Location          string             `mapstructure:"location" yaml:"location"`
	Endpoint          string             `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature       float32            `mapstructure:"temperature" yaml:"temperature"`
	MaxImageWidth     int                `mapstructure:"max_image_width" yaml:"max_image_width"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int                `mapstructure:"burst" yaml:"burst"`
	MaxRetryElapsed   time.Duration      `mapstructure:"max_retry_elapsed" yaml:"max_retry_elapsed"`
}

// ExecutionConfig tunes the step state machine.
type ExecutionConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type SpeechConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("logger.service_name", "users")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "90s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 20<<20)

	// -- Store --
	v.SetDefault("store.driver", string(DriverMemory))
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.sqlite.path", "~/.users/users.db")

	// -- Perception --
	v.SetDefault("perception.provider", string(ProviderGemini))
	v.SetDefault("perception.model", "gemini-2.0-flash")
	v.SetDefault("perception.location", "us-central1")
	v.SetDefault("perception.temperature", 0.1)
	v.SetDefault("perception.max_image_width", 1024)
	v.SetDefault("perception.requests_per_second", 0)
	v.SetDefault("perception.burst", 1)
	v.SetDefault("perception.max_retry_elapsed", "45s")

	// -- Execution --
	v.SetDefault("execution.max_attempts", 3)

	// -- Speech --
	v.SetDefault("speech.enabled", false)
	v.SetDefault("speech.model", "gemini-2.0-flash")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets may also come from the provider conventional variables.
	_ = v.BindEnv("perception.api_key", "USERS_PERCEPTION_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("perception.project", "USERS_PERCEPTION_PROJECT", "GOOGLE_CLOUD_PROJECT")
	_ = v.BindEnv("server.auth.jwt_secret", "USERS_SERVER_AUTH_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// ALLOWED_ORIGINS is a comma separated list in the environment.
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		cfg.Server.AllowedOrigins = strings.Split(raw, ",")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("failed to expand logger.log_file: %w", err)
	}
	if c.Store.SQLite.Path, err = homedir.Expand(c.Store.SQLite.Path); err != nil {
		return fmt.Errorf("failed to expand store.sqlite.path: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := c.Perception.Validate(); err != nil {
		return fmt.Errorf("perception configuration invalid: %w", err)
	}
	if c.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be a positive integer")
	}
	return nil
}

// Validate checks the Store configuration.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		if s.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres driver (USERS_STORE_POSTGRES_URL)")
		}
		return nil
	case DriverSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("unknown store.driver %q. Supported: [%s, %s, %s]", s.Driver, DriverMemory, DriverPostgres, DriverSQLite)
	}
}

// Validate checks the Perception configuration. Credentials are checked when the
// client is built so that offline commands work without them.
func (p *PerceptionConfig) Validate() error {
	switch p.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown perception.provider %q. Supported: [%s, %s]", p.Provider, ProviderGemini, ProviderOpenAI)
	}
	if p.Model == "" {
		return fmt.Errorf("perception.model is required")
	}
	if p.MaxImageWidth <= 0 {
		return fmt.Errorf("perception.max_image_width must be a positive integer")
	}
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("perception.requests_per_second must not be negative")
	}
	if p.MaxRetryElapsed < 0 {
		return fmt.Errorf("perception.max_retry_elapsed must not be negative")
	}
	return nil
}

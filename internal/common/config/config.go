// Package config provides configuration management for tetherd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for tetherd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. The default backend
// is a SQLite file under DataDir; setting Host switches to Postgres.
type DatabaseConfig struct {
	DataDir  string `mapstructure:"dataDir"` // sqlite file + token live here
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects
// the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds bearer token configuration.
type AuthConfig struct {
	// TokenFile overrides the default <dataDir>/token location.
	TokenFile string `mapstructure:"tokenFile"`
}

// SessionConfig holds agent session runtime configuration. The first
// three fields can be changed at runtime via the session config
// endpoint; the rest are fixed at boot.
type SessionConfig struct {
	InactivityTimeoutMs   int  `mapstructure:"inactivityTimeoutMs"`
	MaxConcurrentSessions int  `mapstructure:"maxConcurrentSessions"`
	AutoResumeEnabled     bool `mapstructure:"autoResumeEnabled"`
	HistoryBufferSize     int  `mapstructure:"historyBufferSize"`
	OutboundQueueSize     int  `mapstructure:"outboundQueueSize"`
	NotificationQueueSize int  `mapstructure:"notificationQueueSize"`
	TurnIdleTimeoutMs     int  `mapstructure:"turnIdleTimeoutMs"`
	PTYCols               int  `mapstructure:"ptyCols"`
	PTYRows               int  `mapstructure:"ptyRows"`
	ReplayPrefaceBlocks   int  `mapstructure:"replayPrefaceBlocks"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InactivityTimeout returns the inactivity window as a time.Duration.
func (s *SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutMs) * time.Millisecond
}

// TurnIdleTimeout returns the quiescence window used for turn-complete
// detection by parsers without an explicit result marker.
func (s *SessionConfig) TurnIdleTimeout() time.Duration {
	return time.Duration(s.TurnIdleTimeoutMs) * time.Millisecond
}

// SQLitePath returns the path of the SQLite database file.
func (d *DatabaseConfig) SQLitePath() string {
	return filepath.Join(d.DataDir, "tetherd.db")
}

// UsePostgres reports whether the Postgres backend is selected.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// TokenPath returns the bearer token file location.
func (c *Config) TokenPath() string {
	if c.Auth.TokenFile != "" {
		return c.Auth.TokenFile
	}
	return filepath.Join(c.Database.DataDir, "token")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TETHERD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tetherd"
	}
	return filepath.Join(home, ".tetherd")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8470)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.dataDir", defaultDataDir())
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tetherd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "tetherd")
	v.SetDefault("database.sslMode", "disable")

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tetherd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.tokenFile", "")

	v.SetDefault("session.inactivityTimeoutMs", 60_000)
	v.SetDefault("session.maxConcurrentSessions", 20)
	v.SetDefault("session.autoResumeEnabled", false)
	v.SetDefault("session.historyBufferSize", 500)
	v.SetDefault("session.outboundQueueSize", 256)
	v.SetDefault("session.notificationQueueSize", 8)
	v.SetDefault("session.turnIdleTimeoutMs", 2_000)
	v.SetDefault("session.ptyCols", 80)
	v.SetDefault("session.ptyRows", 24)
	v.SetDefault("session.replayPrefaceBlocks", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TETHERD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current
// directory or /etc/tetherd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TETHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind the keys where env var naming differs from the config key.
	_ = v.BindEnv("database.dataDir", "TETHERD_DATA_DIR")
	_ = v.BindEnv("session.inactivityTimeoutMs", "TETHERD_SESSION_INACTIVITY_TIMEOUT_MS")
	_ = v.BindEnv("session.maxConcurrentSessions", "TETHERD_SESSION_MAX_CONCURRENT_SESSIONS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tetherd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Session.InactivityTimeoutMs <= 0 {
		errs = append(errs, "session.inactivityTimeoutMs must be positive")
	}
	if cfg.Session.MaxConcurrentSessions <= 0 {
		errs = append(errs, "session.maxConcurrentSessions must be positive")
	}
	if cfg.Session.HistoryBufferSize <= 0 {
		errs = append(errs, "session.historyBufferSize must be positive")
	}
	if cfg.Session.PTYCols <= 0 || cfg.Session.PTYRows <= 0 {
		errs = append(errs, "session.ptyCols and session.ptyRows must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Package config provides configuration management for Jacques.
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

// ArchiveFilter controls which parsed entries are written into archived
// conversation files.
type ArchiveFilter string

const (
	FilterEverything   ArchiveFilter = "everything"
	FilterWithoutTools ArchiveFilter = "without_tools"
	FilterMessagesOnly ArchiveFilter = "messages_only"
)

// Config holds all configuration sections for Jacques.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Session SessionConfig `mapstructure:"session"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the listener configuration: the ingestion socket,
// the WebSocket fan-out port, and the optional HTTP query API port.
type ServerConfig struct {
	SocketPath string `mapstructure:"socketPath"`
	WSPort     int    `mapstructure:"wsPort"`
	HTTPPort   int    `mapstructure:"httpPort"` // 0 disables the query API
	PIDFile    string `mapstructure:"pidFile"`
}

// NATSConfig holds optional NATS messaging configuration. An empty URL
// selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds registry policy configuration.
type SessionConfig struct {
	AutocompactThreshold   int `mapstructure:"autocompactThreshold"`   // percentage
	StaleSessionMinutes    int `mapstructure:"staleSessionMinutes"`    // idle cutoff for sweep
	CleanupIntervalMinutes int `mapstructure:"cleanupIntervalMinutes"` // sweep period
}

// ArchiveConfig holds conversation archiving configuration.
type ArchiveConfig struct {
	Root        string        `mapstructure:"root"`   // global archive root (default ~/.jacques)
	Filter      ArchiveFilter `mapstructure:"filter"` // everything | without_tools | messages_only
	AutoArchive bool          `mapstructure:"autoArchive"`
	SkipProject bool          `mapstructure:"skipProject"` // do not mirror conversations into <project>/.jacques
}

// ScannerConfig holds transcript discovery configuration.
type ScannerConfig struct {
	TranscriptRoot    string `mapstructure:"transcriptRoot"`    // vendor transcript tree (default ~/.claude/projects)
	ProcessName       string `mapstructure:"processName"`       // vendor CLI binary name
	EnrichIntervalSec int    `mapstructure:"enrichIntervalSec"` // discovery merge period
}

// EnrichInterval returns the discovery merge period as a time.Duration.
func (s *ScannerConfig) EnrichInterval() time.Duration {
	return time.Duration(s.EnrichIntervalSec) * time.Second
}

// CatalogConfig holds the scanner metadata cache configuration.
type CatalogConfig struct {
	Path       string `mapstructure:"path"`       // sqlite database path
	MaxAgeMins int    `mapstructure:"maxAgeMins"` // cached entries older than this are re-extracted
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StaleSessionCutoff returns the idle cutoff as a time.Duration.
func (s *SessionConfig) StaleSessionCutoff() time.Duration {
	return time.Duration(s.StaleSessionMinutes) * time.Minute
}

// CleanupInterval returns the sweep period as a time.Duration.
func (s *SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

// CatalogMaxAge returns the catalog cache max age as a time.Duration.
func (c *CatalogConfig) CatalogMaxAge() time.Duration {
	return time.Duration(c.MaxAgeMins) * time.Minute
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("JACQUES_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".jacques")
}

func defaultTranscriptRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := defaultHome()

	// Server defaults
	v.SetDefault("server.socketPath", filepath.Join(home, "jacques.sock"))
	v.SetDefault("server.wsPort", 4242)
	v.SetDefault("server.httpPort", 0)
	v.SetDefault("server.pidFile", filepath.Join(home, "jacques.pid"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "jacques")
	v.SetDefault("nats.maxReconnects", 10)

	// Session registry defaults
	v.SetDefault("session.autocompactThreshold", 80)
	v.SetDefault("session.staleSessionMinutes", 60)
	v.SetDefault("session.cleanupIntervalMinutes", 5)

	// Archive defaults
	v.SetDefault("archive.root", home)
	v.SetDefault("archive.filter", string(FilterEverything))
	v.SetDefault("archive.autoArchive", false)
	v.SetDefault("archive.skipProject", false)

	// Scanner defaults
	v.SetDefault("scanner.transcriptRoot", defaultTranscriptRoot())
	v.SetDefault("scanner.processName", "claude")
	v.SetDefault("scanner.enrichIntervalSec", 15)

	// Catalog cache defaults
	v.SetDefault("catalog.path", filepath.Join(home, "catalog.db"))
	v.SetDefault("catalog.maxAgeMins", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix JACQUES_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or in ~/.jacques/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("JACQUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the conventional env var name differs from
	// the camelCase config key (AutomaticEnv does not convert camelCase).
	_ = v.BindEnv("server.socketPath", "JACQUES_SOCKET_PATH")
	_ = v.BindEnv("server.wsPort", "JACQUES_WS_PORT")
	_ = v.BindEnv("server.httpPort", "JACQUES_HTTP_PORT")
	_ = v.BindEnv("session.autocompactThreshold", "JACQUES_AUTOCOMPACT_THRESHOLD")
	_ = v.BindEnv("session.staleSessionMinutes", "JACQUES_STALE_SESSION_MINUTES")
	_ = v.BindEnv("session.cleanupIntervalMinutes", "JACQUES_CLEANUP_INTERVAL_MINUTES")
	_ = v.BindEnv("archive.filter", "JACQUES_ARCHIVE_FILTER")
	_ = v.BindEnv("archive.autoArchive", "JACQUES_ARCHIVE_AUTOARCHIVE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())

	// Read config file (ignore if not found)
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

	if cfg.Server.SocketPath == "" {
		errs = append(errs, "server.socketPath is required")
	}
	if cfg.Server.WSPort <= 0 || cfg.Server.WSPort > 65535 {
		errs = append(errs, "server.wsPort must be between 1 and 65535")
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, "server.httpPort must be between 0 and 65535")
	}
	if cfg.Server.HTTPPort != 0 && cfg.Server.HTTPPort == cfg.Server.WSPort {
		errs = append(errs, "server.httpPort must differ from server.wsPort")
	}

	if cfg.Session.AutocompactThreshold < 0 || cfg.Session.AutocompactThreshold > 100 {
		errs = append(errs, "session.autocompactThreshold must be between 0 and 100")
	}
	if cfg.Session.StaleSessionMinutes <= 0 {
		errs = append(errs, "session.staleSessionMinutes must be positive")
	}
	if cfg.Session.CleanupIntervalMinutes <= 0 {
		errs = append(errs, "session.cleanupIntervalMinutes must be positive")
	}

	switch cfg.Archive.Filter {
	case FilterEverything, FilterWithoutTools, FilterMessagesOnly:
	default:
		errs = append(errs, "archive.filter must be one of: everything, without_tools, messages_only")
	}

	if cfg.Scanner.TranscriptRoot == "" {
		errs = append(errs, "scanner.transcriptRoot is required")
	}
	if cfg.Scanner.EnrichIntervalSec <= 0 {
		errs = append(errs, "scanner.enrichIntervalSec must be positive")
	}

	if cfg.Catalog.MaxAgeMins <= 0 {
		errs = append(errs, "catalog.maxAgeMins must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

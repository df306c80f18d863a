// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener. Zero picks a random port.
	Port int `mapstructure:"port"`
	// Path is the upgrade endpoint clients connect to.
	Path string `mapstructure:"path"`
	// ReadTimeout is how long a connection may stay silent (no frame, no pong).
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive ping period. Must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// NodeID identifies this lobby instance in presence records.
	NodeID string `mapstructure:"node_id"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SteamConfig holds the identity provider credentials and endpoints.
type SteamConfig struct {
	AppID      string        `mapstructure:"app_id"`
	PrivateKey string        `mapstructure:"private_key"`
	AuthURL    string        `mapstructure:"auth_url"`
	ProfileURL string        `mapstructure:"profile_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PlayFabConfig holds the session provisioning credentials and build settings.
type PlayFabConfig struct {
	TitleID          string        `mapstructure:"title_id"`
	SecretKey        string        `mapstructure:"secret_key"`
	BuildID          string        `mapstructure:"build_id"`
	PreferredRegions []string      `mapstructure:"preferred_regions"`
	// BaseURL overrides the title endpoint. Empty means https://<title_id>.playfabapi.com.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Endpoint returns the PlayFab API root for the configured title.
func (p PlayFabConfig) Endpoint() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.playfabapi.com", p.TitleID)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL connection settings for match history.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// PresenceConfig holds the Redis settings for cross-node presence.
type PresenceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Steam    SteamConfig    `mapstructure:"steam"`
	PlayFab  PlayFabConfig  `mapstructure:"playfab"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Presence PresenceConfig `mapstructure:"presence"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, fn := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateSteam(c.Steam) },
		func() error { return validatePlayFab(c.PlayFab) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validatePresence(c.Presence) },
	} {
		if err := fn(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Sprintf("server.path must start with '/', got %q", s.Path))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.PingInterval < 0 {
		errs = append(errs, "server.ping_interval must not be negative")
	}
	if s.ReadTimeout > 0 && s.PingInterval >= s.ReadTimeout {
		errs = append(errs, "server.ping_interval must be shorter than server.read_timeout")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSteam(s SteamConfig) error {
	var errs []string
	if s.AppID == "" {
		errs = append(errs, "steam.app_id must not be empty")
	}
	if s.PrivateKey == "" {
		errs = append(errs, "steam.private_key must not be empty")
	}
	if err := validateURL("steam.auth_url", s.AuthURL); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateURL("steam.profile_url", s.ProfileURL); err != nil {
		errs = append(errs, err.Error())
	}
	if s.Timeout < 0 {
		errs = append(errs, "steam.timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validatePlayFab(p PlayFabConfig) error {
	var errs []string
	if p.TitleID == "" && p.BaseURL == "" {
		errs = append(errs, "playfab.title_id must not be empty")
	}
	if p.SecretKey == "" {
		errs = append(errs, "playfab.secret_key must not be empty")
	}
	if p.BuildID == "" {
		errs = append(errs, "playfab.build_id must not be empty")
	}
	if len(p.PreferredRegions) == 0 {
		errs = append(errs, "playfab.preferred_regions must list at least one region")
	}
	if p.BaseURL != "" {
		if err := validateURL("playfab.base_url", p.BaseURL); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if p.Timeout < 0 {
		errs = append(errs, "playfab.timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must be between 0 and database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validatePresence(p PresenceConfig) error {
	if !p.Enabled {
		return nil
	}
	var errs []string
	if p.Addr == "" {
		errs = append(errs, "presence.addr must not be empty")
	}
	if p.TTL < 2*time.Second {
		errs = append(errs, fmt.Sprintf("presence.ttl must be at least 2s, got %s", p.TTL))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// LOBBY_STEAM_PRIVATE_KEY overrides steam.private_key, and so on.
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default values on v. Exposed for tools that build
// their own Viper instance.
func SetDefaults(v *viper.Viper) {
	setDefaults(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7218)
	v.SetDefault("server.path", "/lobby")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.ping_interval", "54s")
	v.SetDefault("server.node_id", "lobby-1")

	v.SetDefault("steam.auth_url", "https://partner.steam-api.com/ISteamUserAuth/AuthenticateUserTicket/v1")
	v.SetDefault("steam.profile_url", "https://partner.steam-api.com/ISteamUser/GetPlayerSummaries/v2/")
	v.SetDefault("steam.timeout", "5s")

	v.SetDefault("playfab.preferred_regions", []string{"EastUs"})
	v.SetDefault("playfab.timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobby")
	v.SetDefault("database.password", "lobby")
	v.SetDefault("database.name", "lobby")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("presence.enabled", false)
	v.SetDefault("presence.addr", "localhost:6379")
	v.SetDefault("presence.db", 0)
	v.SetDefault("presence.ttl", "2m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Package config provides Viper-based configuration loading for the
// workspace presence server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins lists websocket origin patterns. Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WebsocketConfig holds per-connection transport settings.
type WebsocketConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxConns caps concurrent connections. 0 means unlimited.
	MaxConns int `mapstructure:"max_conns"`
	// IdleTimeout closes connections that send nothing for this long. 0 disables.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	ReadLimit   int64         `mapstructure:"read_limit"`
}

// RateLimitConfig bounds websocket upgrades per client IP.
type RateLimitConfig struct {
	// Connects is the number of upgrades allowed per Window. 0 disables.
	Connects int           `mapstructure:"connects"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or "none".
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig enables the Redis session store when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// SessionTTL expires session rows not refreshed for this long.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// RoomsConfig points at the meeting-room catalog.
type RoomsConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.write_timeout", 5*time.Second)
	v.SetDefault("websocket.max_conns", 0)
	v.SetDefault("websocket.idle_timeout", 0)
	v.SetDefault("websocket.read_limit", 32768)

	v.SetDefault("ratelimit.connects", 30)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "file:metaworkspace.db?_foreign_keys=on")
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.session_ttl", 24*time.Hour)

	v.SetDefault("rooms.catalog_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from path (optional) and METAWORKSPACE_* environment
// variables, then validates it.
//
// Postcondition: Returns a validated Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("METAWORKSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and joins all problems into one error.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Websocket.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("websocket.send_buffer must be positive, got %d", c.Websocket.SendBuffer))
	}
	if c.Websocket.WriteTimeout <= 0 {
		errs = append(errs, errors.New("websocket.write_timeout must be positive"))
	}
	if c.Websocket.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("websocket.max_conns must be >= 0, got %d", c.Websocket.MaxConns))
	}
	if c.Websocket.IdleTimeout < 0 {
		errs = append(errs, errors.New("websocket.idle_timeout must be >= 0"))
	}
	if c.RateLimit.Connects < 0 {
		errs = append(errs, fmt.Errorf("ratelimit.connects must be >= 0, got %d", c.RateLimit.Connects))
	}
	if c.RateLimit.Connects > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive when ratelimit.connects is set"))
	}
	switch c.Database.Driver {
	case DriverNone:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of none, sqlite, postgres, got %q", c.Database.Driver))
	}
	if c.Redis.SessionTTL < 0 {
		errs = append(errs, errors.New("redis.session_ttl must be >= 0"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | file | sqlite | postgres
	FilePath    string        `mapstructure:"file_path"`
	Passphrase  string        `mapstructure:"passphrase"` // encrypts the file backend when set
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresURL string        `mapstructure:"postgres_url"`
	RedisURL    string        `mapstructure:"redis_url"` // optional read-through cache
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type LedgerConfig struct {
	DefaultOwner string `mapstructure:"default_owner"`
}

type AppConfig struct {
	ServiceName string       `mapstructure:"service_name"`
	Env         string       `mapstructure:"env"`
	LogLevel    string       `mapstructure:"log_level"`
	HTTP        HTTPConfig   `mapstructure:"http"`
	Store       StoreConfig  `mapstructure:"store"`
	NATS        NATSConfig   `mapstructure:"nats"`
	Ledger      LedgerConfig `mapstructure:"ledger"`
}

// Backends accepted by store.backend.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Load reads path (if non-empty) and overlays SCOUTX_* environment
// variables. PORT, DATABASE_URL and REDIS_URL are honoured as well.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOUTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *AppConfig) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.FilePath == "" {
			return fmt.Errorf("config: store.file_path is required for the file backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: store.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("config: store.postgres_url (or DATABASE_URL) is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "session-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.file_path", "sessions.json")
	v.SetDefault("store.passphrase", "")
	v.SetDefault("store.sqlite_path", "sessions.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")
	v.SetDefault("nats.url", "")
	v.SetDefault("ledger.default_owner", "0x0000000000000000000000000000000000000000")
}

// bindLegacyEnv keeps the plain deployment variables working next to the
// prefixed ones. The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("http.port", "SCOUTX_HTTP_PORT", "PORT")
	_ = v.BindEnv("store.postgres_url", "SCOUTX_STORE_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("store.redis_url", "SCOUTX_STORE_REDIS_URL", "REDIS_URL")
}

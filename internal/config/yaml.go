package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
)

// YAMLConfig represents the top-level keygate configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreYAML       `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Redis     RedisYAML       `yaml:"redis" mapstructure:"redis"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Logging   LoggingConfig   `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
	Methods []string `yaml:"methods" mapstructure:"methods"`
}

// StoreYAML selects the credential store backend.
type StoreYAML struct {
	Driver  string           `yaml:"driver" mapstructure:"driver"`
	DSN     string           `yaml:"dsn" mapstructure:"dsn"`
	DataDir string           `yaml:"data_dir" mapstructure:"data_dir"`
	Pool    model.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry    time.Duration `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	APIKeyHeader string        `yaml:"api_key_header" mapstructure:"api_key_header"`
	BcryptCost   int           `yaml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
	PrefixIndex  bool          `yaml:"prefix_index" mapstructure:"prefix_index"`
}

// RateLimitConfig controls per-class and per-tier request limits.
type RateLimitConfig struct {
	Enabled        bool                      `yaml:"enabled" mapstructure:"enabled"`
	AdminPerMinute int                       `yaml:"admin_per_minute" mapstructure:"admin_per_minute"`
	Whitelist      []string                  `yaml:"whitelist" mapstructure:"whitelist"`
	Classes        map[string]ratelimit.Rule `yaml:"classes" mapstructure:"classes"`
	Tiers          map[string]ratelimit.Rule `yaml:"tiers" mapstructure:"tiers"`
}

// RedisYAML enables the shared Redis counter store.
type RedisYAML struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	ratelimit.RedisConfig `yaml:",inline" mapstructure:",squash"`
}

// RetentionConfig controls the scheduled usage log purge.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Days     int           `yaml:"days" mapstructure:"days"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSettings decodes the values known to v on top of the defaults.
func LoadSettings(v *viper.Viper) (*YAMLConfig, error) {
	cfg := DefaultYAMLConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers the scalar defaults with v so environment variables
// such as KEYGATE_STORE_DSN are picked up without a config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultYAMLConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiry", d.Auth.JWTExpiry)
	v.SetDefault("auth.api_key_header", d.Auth.APIKeyHeader)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("auth.prefix_index", d.Auth.PrefixIndex)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.admin_per_minute", d.RateLimit.AdminPerMinute)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.timeout", d.Redis.Timeout)
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.days", d.Retention.Days)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("log.level", d.Logging.Level)
	v.SetDefault("log.format", d.Logging.Format)
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Store: StoreYAML{
			Driver: "sqlite",
			Pool:   model.DefaultPoolConfig(),
		},
		Auth: AuthConfig{
			JWTExpiry:    time.Hour,
			APIKeyHeader: "X-API-Key",
			BcryptCost:   10,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			AdminPerMinute: 120,
			Classes:        ratelimit.DefaultClasses(),
			Tiers:          ratelimit.DefaultTiers(),
		},
		Redis: RedisYAML{
			RedisConfig: ratelimit.RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 500 * time.Millisecond,
				Timeout:     250 * time.Millisecond,
			},
		},
		Retention: RetentionConfig{
			Days:     90,
			Interval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports every invalid setting.
func (c *YAMLConfig) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := lookupDialect(c.Store.Driver); err != nil {
		errs = append(errs, fmt.Errorf("store.driver: %w", err))
	}
	if c.Auth.APIKeyHeader == "" {
		errs = append(errs, errors.New("auth.api_key_header must not be empty"))
	}
	if c.Auth.BcryptCost != 0 && (c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31) {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost %d must be between 4 and 31", c.Auth.BcryptCost))
	}
	if c.Retention.Enabled {
		if c.Retention.Days < 1 {
			errs = append(errs, fmt.Errorf("retention.days %d must be at least 1", c.Retention.Days))
		}
		if c.Retention.Interval <= 0 {
			errs = append(errs, errors.New("retention.interval must be positive"))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// StoreConfig returns the store settings as a model.StoreConfig.
func (c *YAMLConfig) StoreConfig() model.StoreConfig {
	return model.StoreConfig{Driver: c.Store.Driver, DSN: c.Store.DSN, Pool: c.Store.Pool}
}

// OpenStore opens the configured credential store. A sqlite store without
// a DSN lives in DataDir, or in memory when that is empty too.
func (c *YAMLConfig) OpenStore() (*Store, error) {
	d, err := lookupDialect(c.Store.Driver)
	if err != nil {
		return nil, err
	}
	if d.name == "sqlite" && c.Store.DSN == "" {
		return NewStore(c.Store.DataDir)
	}
	return Open(c.StoreConfig())
}

// RateLimitOptions converts the rate limit settings into limiter options.
func (c *YAMLConfig) RateLimitOptions() ratelimit.Options {
	return ratelimit.Options{
		Classes:   c.RateLimit.Classes,
		Tiers:     c.RateLimit.Tiers,
		Whitelist: c.RateLimit.Whitelist,
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

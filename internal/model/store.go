package model

import "time"

// StoreConfig selects the relational backend for API keys and usage logs.
type StoreConfig struct {
	Driver string     `yaml:"driver" json:"driver"` // sqlite, postgres, mysql, sqlserver
	DSN    string     `yaml:"dsn" json:"dsn,omitempty"`
	Pool   PoolConfig `yaml:"pool" json:"pool"`
}

// PoolConfig controls the database connection pool behavior for the store.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultPoolConfig returns sensible defaults for a database connection pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

package config

import (
	"fmt"
	"strings"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		permission TEXT NOT NULL DEFAULT 'read',
		tier TEXT NOT NULL DEFAULT 'basic',
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_key_id INTEGER REFERENCES api_keys(id),
		request_id TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		http_method TEXT NOT NULL,
		request_body TEXT,
		response_status INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		client_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_created_at ON usage_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_api_key ON usage_logs(api_key_id)`,

	// v2: stable error code next to the free-form message.
	`ALTER TABLE usage_logs ADD COLUMN error_code TEXT`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		permission TEXT NOT NULL DEFAULT 'read',
		tier TEXT NOT NULL DEFAULT 'basic',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS usage_logs (
		id BIGSERIAL PRIMARY KEY,
		api_key_id BIGINT REFERENCES api_keys(id),
		request_id TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		http_method TEXT NOT NULL,
		request_body TEXT,
		response_status INTEGER NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		client_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_created_at ON usage_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_api_key ON usage_logs(api_key_id)`,

	`ALTER TABLE usage_logs ADD COLUMN IF NOT EXISTS error_code TEXT`,
}

var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		key_hash VARCHAR(255) NOT NULL,
		key_prefix VARCHAR(32) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		permission VARCHAR(16) NOT NULL DEFAULT 'read',
		tier VARCHAR(16) NOT NULL DEFAULT 'basic',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		last_used DATETIME(6) NULL,
		INDEX idx_api_keys_active (is_active),
		INDEX idx_api_keys_prefix (key_prefix)
	)`,

	`CREATE TABLE IF NOT EXISTS usage_logs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		api_key_id BIGINT NULL,
		request_id VARCHAR(64) NOT NULL DEFAULT '',
		endpoint VARCHAR(2048) NOT NULL,
		http_method VARCHAR(16) NOT NULL,
		request_body TEXT NULL,
		response_status INT NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		client_ip VARCHAR(64) NOT NULL DEFAULT '',
		user_agent VARCHAR(512) NOT NULL DEFAULT '',
		error_message TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_usage_logs_created_at (created_at),
		INDEX idx_usage_logs_api_key (api_key_id),
		CONSTRAINT fk_usage_logs_api_key FOREIGN KEY (api_key_id) REFERENCES api_keys(id)
	)`,

	`ALTER TABLE usage_logs ADD COLUMN error_code VARCHAR(64) NULL`,
}

var sqlserverMigrations = []string{
	`IF OBJECT_ID(N'api_keys', N'U') IS NULL
	CREATE TABLE api_keys (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		key_hash NVARCHAR(255) NOT NULL,
		key_prefix NVARCHAR(32) NOT NULL,
		name NVARCHAR(255) NOT NULL DEFAULT '',
		permission NVARCHAR(16) NOT NULL DEFAULT 'read',
		tier NVARCHAR(16) NOT NULL DEFAULT 'basic',
		is_active BIT NOT NULL DEFAULT 1,
		expires_at DATETIME2 NULL,
		created_at DATETIME2 NOT NULL,
		updated_at DATETIME2 NOT NULL,
		last_used DATETIME2 NULL
	)`,

	`IF OBJECT_ID(N'usage_logs', N'U') IS NULL
	CREATE TABLE usage_logs (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		api_key_id BIGINT NULL REFERENCES api_keys(id),
		request_id NVARCHAR(64) NOT NULL DEFAULT '',
		endpoint NVARCHAR(2048) NOT NULL,
		http_method NVARCHAR(16) NOT NULL,
		request_body NVARCHAR(MAX) NULL,
		response_status INT NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		client_ip NVARCHAR(64) NOT NULL DEFAULT '',
		user_agent NVARCHAR(512) NOT NULL DEFAULT '',
		error_message NVARCHAR(MAX) NULL,
		created_at DATETIME2 NOT NULL
	)`,

	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_active')
	CREATE INDEX idx_api_keys_active ON api_keys(is_active)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_prefix')
	CREATE INDEX idx_api_keys_prefix ON api_keys(key_prefix)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_usage_logs_created_at')
	CREATE INDEX idx_usage_logs_created_at ON usage_logs(created_at)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_usage_logs_api_key')
	CREATE INDEX idx_usage_logs_api_key ON usage_logs(api_key_id)`,

	`IF COL_LENGTH('usage_logs', 'error_code') IS NULL
	ALTER TABLE usage_logs ADD error_code NVARCHAR(64) NULL`,
}

func (s *Store) migrate() error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails on sqlite and mysql if the column
			// already exists; treat that as a no-op for idempotent migrations.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/keygate/keygate/internal/model"
)

// Store persists API keys and the usage log. It is backed by SQLite by
// default and can run against postgres, mysql or sqlserver.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore creates a SQLite-backed store under dataDir. Pass empty string
// for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open(model.StoreConfig{Driver: "sqlite", DSN: dsn, Pool: model.DefaultPoolConfig()})
}

// Open connects to the configured backend and applies migrations.
func Open(cfg model.StoreConfig) (*Store, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store dsn is required for driver %q", d.name)
	}

	db, err := sqlx.Connect(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		pool := cfg.Pool
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", d.name, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the dialect name (sqlite, postgres, mysql, sqlserver).
func (s *Store) Driver() string {
	return s.dialect.name
}

// insert runs a named INSERT and returns the generated id.
func (s *Store) insert(ctx context.Context, q string, arg any) (int64, error) {
	query, args, err := sqlx.Named(q, arg)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)

	var id int64
	switch s.dialect.insert {
	case insertReturning:
		err = s.db.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, err
	case insertScopeIdentity:
		err = s.db.QueryRowxContext(ctx, query+"; SELECT CONVERT(BIGINT, SCOPE_IDENTITY())", args...).Scan(&id)
		return id, err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// exec rebinds q and executes it, returning rows affected.
func (s *Store) exec(ctx context.Context, q string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// API key CRUD
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, key_hash, key_prefix, name, permission, tier, is_active,
	expires_at, created_at, updated_at, last_used`

// CreateAPIKey inserts a new API key record. KeyHash must already be set.
// The ID, CreatedAt and UpdatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if !key.Permission.Valid() {
		return fmt.Errorf("insert api key: %w level %d", model.ErrUnknownPermission, key.Permission)
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	key.Tier = key.Tier.OrBasic()
	if key.ExpiresAt != nil {
		exp := key.ExpiresAt.UTC()
		key.ExpiresAt = &exp
	}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, name, permission, tier, is_active, expires_at, created_at, updated_at)
		VALUES
		(:key_hash, :key_prefix, :name, :permission, :tier, :is_active, :expires_at, :created_at, :updated_at)`

	id, err := s.insert(ctx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListActiveAPIKeys returns every active key, optionally narrowed to those
// sharing the given display prefix. Inactive keys are never returned.
func (s *Store) ListActiveAPIKeys(ctx context.Context, prefix string) ([]model.APIKey, error) {
	q := "SELECT " + apiKeyColumns + " FROM api_keys WHERE is_active = ?"
	args := []any{true}
	if prefix != "" {
		q += " AND key_prefix = ?"
		args = append(args, prefix)
	}
	q += " ORDER BY id"

	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list active api keys: %w", err)
	}
	return keys, nil
}

// ListAPIKeys returns one page of keys matching filter, newest first, and
// the total number of matching keys.
func (s *Store) ListAPIKeys(ctx context.Context, filter model.APIKeyFilter) ([]model.APIKey, int64, error) {
	var (
		where []string
		args  []any
	)
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *filter.Active)
	}
	if filter.Permission.Valid() {
		where = append(where, "permission = ?")
		args = append(args, filter.Permission.String())
	}
	if filter.Tier.Valid() {
		where = append(where, "tier = ?")
		args = append(args, filter.Tier.String())
	}
	if filter.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM api_keys"+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("count api keys: %w", err)
	}

	q, pageArgs := s.dialect.paginate(
		"SELECT "+apiKeyColumns+" FROM api_keys"+clause+" ORDER BY created_at DESC, id DESC",
		append([]any(nil), args...), filter.Limit, filter.Offset)

	keys := []model.APIKey{}
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(q), pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("list api keys: %w", err)
	}
	return keys, total, nil
}

// UpdateAPIKey applies the non-nil fields of upd to the key with the given ID.
func (s *Store) UpdateAPIKey(ctx context.Context, id int64, upd model.APIKeyUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Permission != nil {
		if !upd.Permission.Valid() {
			return fmt.Errorf("update api key: %w level %d", model.ErrUnknownPermission, *upd.Permission)
		}
		sets = append(sets, "permission = ?")
		args = append(args, upd.Permission.String())
	}
	if upd.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, upd.Tier.OrBasic().String())
	}
	switch {
	case upd.ClearExpiry:
		sets = append(sets, "expires_at = NULL")
	case upd.ExpiresAt != nil:
		sets = append(sets, "expires_at = ?")
		args = append(args, upd.ExpiresAt.UTC())
	}

	if len(sets) == 0 {
		return s.requireAPIKey(ctx, id)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	n, err := s.exec(ctx, "UPDATE api_keys SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n == 0 {
		return s.requireAPIKey(ctx, id)
	}
	return nil
}

// SetAPIKeyActive activates or deactivates a key. Setting the current value
// again is a no-op.
func (s *Store) SetAPIKeyActive(ctx context.Context, id int64, active bool) error {
	n, err := s.exec(ctx,
		"UPDATE api_keys SET is_active = ?, updated_at = ? WHERE id = ? AND is_active <> ?",
		active, time.Now().UTC(), id, active)
	if err != nil {
		return fmt.Errorf("set api key active: %w", err)
	}
	if n == 0 {
		return s.requireAPIKey(ctx, id)
	}
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	n, err := s.exec(ctx, "UPDATE api_keys SET last_used = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAPIKeys returns the number of active and total keys.
func (s *Store) CountAPIKeys(ctx context.Context) (active, total int64, err error) {
	if err = s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM api_keys"); err != nil {
		return 0, 0, fmt.Errorf("count api keys: %w", err)
	}
	q := s.db.Rebind("SELECT COUNT(*) FROM api_keys WHERE is_active = ?")
	if err = s.db.GetContext(ctx, &active, q, true); err != nil {
		return 0, 0, fmt.Errorf("count active api keys: %w", err)
	}
	return active, total, nil
}

func (s *Store) requireAPIKey(ctx context.Context, id int64) error {
	var n int64
	q := s.db.Rebind("SELECT COUNT(*) FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &n, q, id); err != nil {
		return fmt.Errorf("check api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keygate/keygate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createKey(t *testing.T, s *Store, name string, level model.PermissionLevel, tier model.Tier) *model.APIKey {
	t.Helper()
	key := &model.APIKey{
		KeyHash:    "$2a$04$hash-" + name,
		KeyPrefix:  "kg_" + strings.Repeat(name[:1], 8),
		Name:       name,
		Permission: level,
		Tier:       tier,
		IsActive:   true,
	}
	if err := s.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey(%s): %v", name, err)
	}
	return key
}

func TestAPIKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(24 * time.Hour)
	key := &model.APIKey{
		KeyHash:    "$2a$04$abcdefghijklmnopqrstuv",
		KeyPrefix:  "kg_abcdefgh",
		Name:       "billing-app",
		Permission: model.LevelRead,
		IsActive:   true,
		ExpiresAt:  &exp,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.ID == 0 {
		t.Fatal("expected non-zero ID after create")
	}
	if key.Tier != model.TierBasic {
		t.Errorf("got tier %v, want basic default", key.Tier)
	}

	got, err := s.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.Name != "billing-app" {
		t.Errorf("got name %q, want %q", got.Name, "billing-app")
	}
	if got.KeyHash != key.KeyHash {
		t.Errorf("got hash %q, want %q", got.KeyHash, key.KeyHash)
	}
	if got.Permission != model.LevelRead {
		t.Errorf("got permission %v, want read", got.Permission)
	}
	if !got.IsActive {
		t.Error("expected key to be active")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp.UTC()) {
		t.Errorf("got expires_at %v, want %v", got.ExpiresAt, exp.UTC())
	}
	if got.LastUsed != nil {
		t.Errorf("expected nil last_used, got %v", got.LastUsed)
	}

	// Update
	name := "billing-v2"
	level := model.LevelReadWrite
	tier := model.TierPremium
	if err := s.UpdateAPIKey(ctx, key.ID, model.APIKeyUpdate{
		Name:        &name,
		Permission:  &level,
		Tier:        &tier,
		ClearExpiry: true,
	}); err != nil {
		t.Fatalf("UpdateAPIKey: %v", err)
	}

	got, _ = s.GetAPIKey(ctx, key.ID)
	if got.Name != name {
		t.Errorf("got name %q, want %q", got.Name, name)
	}
	if got.Permission != model.LevelReadWrite {
		t.Errorf("got permission %v, want read_write", got.Permission)
	}
	if got.Tier != model.TierPremium {
		t.Errorf("got tier %v, want premium", got.Tier)
	}
	if got.ExpiresAt != nil {
		t.Errorf("expected expiry cleared, got %v", got.ExpiresAt)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Error("updated_at should not precede created_at")
	}
}

func TestCreateAPIKeyInvalidPermission(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateAPIKey(context.Background(), &model.APIKey{KeyHash: "h", KeyPrefix: "kg_x", IsActive: true})
	if !errors.Is(err, model.ErrUnknownPermission) {
		t.Errorf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestGetAPIKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetAPIKey(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAPIKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "ghost"
	if err := s.UpdateAPIKey(ctx, 99, model.APIKeyUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateAPIKey(ctx, 99, model.APIKeyUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty update: expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAPIKeyRejectsInvalidPermission(t *testing.T) {
	s := newTestStore(t)
	key := createKey(t, s, "app", model.LevelRead, model.TierBasic)

	bad := model.PermissionLevel(0)
	err := s.UpdateAPIKey(context.Background(), key.ID, model.APIKeyUpdate{Permission: &bad})
	if !errors.Is(err, model.ErrUnknownPermission) {
		t.Errorf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestSetAPIKeyActiveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := createKey(t, s, "app", model.LevelRead, model.TierBasic)

	for i := 0; i < 2; i++ {
		if err := s.SetAPIKeyActive(ctx, key.ID, false); err != nil {
			t.Fatalf("deactivate #%d: %v", i+1, err)
		}
	}
	got, _ := s.GetAPIKey(ctx, key.ID)
	if got.IsActive {
		t.Error("expected key to be inactive")
	}

	active, err := s.ListActiveAPIKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveAPIKeys: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("got %d active keys, want 0", len(active))
	}

	for i := 0; i < 2; i++ {
		if err := s.SetAPIKeyActive(ctx, key.ID, true); err != nil {
			t.Fatalf("activate #%d: %v", i+1, err)
		}
	}
	got, _ = s.GetAPIKey(ctx, key.ID)
	if !got.IsActive {
		t.Error("expected key to be active again")
	}

	if err := s.SetAPIKeyActive(ctx, 999, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveAPIKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createKey(t, s, "alpha", model.LevelRead, model.TierBasic)
	createKey(t, s, "beta", model.LevelWrite, model.TierBasic)

	all, err := s.ListActiveAPIKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveAPIKeys: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d keys, want 2", len(all))
	}

	narrowed, err := s.ListActiveAPIKeys(ctx, a.KeyPrefix)
	if err != nil {
		t.Fatalf("ListActiveAPIKeys(prefix): %v", err)
	}
	if len(narrowed) != 1 || narrowed[0].ID != a.ID {
		t.Errorf("got %+v, want only key %d", narrowed, a.ID)
	}
}

func TestListAPIKeysFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createKey(t, s, "alpha", model.LevelRead, model.TierBasic)
	b := createKey(t, s, "beta", model.LevelWrite, model.TierPremium)
	c := createKey(t, s, "gamma", model.LevelReadWrite, model.TierPremium)
	if err := s.SetAPIKeyActive(ctx, c.ID, false); err != nil {
		t.Fatalf("SetAPIKeyActive: %v", err)
	}

	keys, total, err := s.ListAPIKeys(ctx, model.APIKeyFilter{})
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if total != 3 || len(keys) != 3 {
		t.Errorf("got %d keys (total %d), want 3", len(keys), total)
	}

	keys, total, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Tier: model.TierPremium})
	if total != 2 || len(keys) != 2 {
		t.Errorf("tier filter: got %d keys (total %d), want 2", len(keys), total)
	}

	active := true
	keys, total, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Active: &active, Tier: model.TierPremium})
	if total != 1 || len(keys) != 1 || keys[0].ID != b.ID {
		t.Errorf("active+tier filter: got %+v (total %d), want only beta", keys, total)
	}

	keys, total, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Permission: model.LevelRead})
	if total != 1 || keys[0].Name != "alpha" {
		t.Errorf("permission filter: got %+v (total %d), want only alpha", keys, total)
	}

	keys, _, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Search: "amm"})
	if len(keys) != 1 || keys[0].Name != "gamma" {
		t.Errorf("search: got %+v, want only gamma", keys)
	}

	keys, total, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Limit: 2})
	if total != 3 || len(keys) != 2 {
		t.Errorf("page 1: got %d keys (total %d), want 2 of 3", len(keys), total)
	}
	keys, _, _ = s.ListAPIKeys(ctx, model.APIKeyFilter{Limit: 2, Offset: 2})
	if len(keys) != 1 {
		t.Errorf("page 2: got %d keys, want 1", len(keys))
	}
}

func TestUpdateAPIKeyLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := createKey(t, s, "app", model.LevelRead, model.TierBasic)

	if err := s.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		t.Fatalf("UpdateAPIKeyLastUsed: %v", err)
	}
	got, _ := s.GetAPIKey(ctx, key.ID)
	if got.LastUsed == nil {
		t.Fatal("expected last_used to be set")
	}
	if time.Since(*got.LastUsed) > time.Minute {
		t.Errorf("last_used %v is not recent", got.LastUsed)
	}

	if err := s.UpdateAPIKeyLastUsed(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountAPIKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createKey(t, s, "alpha", model.LevelRead, model.TierBasic)
	b := createKey(t, s, "beta", model.LevelRead, model.TierBasic)
	s.SetAPIKeyActive(ctx, b.ID, false)

	active, total, err := s.CountAPIKeys(ctx)
	if err != nil {
		t.Fatalf("CountAPIKeys: %v", err)
	}
	if active != 1 || total != 2 {
		t.Errorf("got active=%d total=%d, want 1 and 2", active, total)
	}
}

func TestStorePing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("got driver %q, want sqlite", s.Driver())
	}
}

func TestNewStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	key := createKey(t, s, "disk", model.LevelRead, model.TierBasic)
	s.Close()

	// Reopening runs the migrations again and keeps the data.
	s, err = NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetAPIKey(context.Background(), key.ID); err != nil {
		t.Errorf("GetAPIKey after reopen: %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(model.StoreConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := Open(model.StoreConfig{Driver: "postgres"}); err == nil {
		t.Error("expected error for missing dsn")
	}
}

func TestLookupDialect(t *testing.T) {
	tests := map[string]string{
		"":           "sqlite",
		"sqlite3":    "sqlite",
		"PostgreSQL": "postgres",
		"pgx":        "postgres",
		"mariadb":    "mysql",
		"mssql":      "sqlserver",
	}
	for in, want := range tests {
		d, err := lookupDialect(in)
		if err != nil {
			t.Errorf("lookupDialect(%q): %v", in, err)
			continue
		}
		if d.name != want {
			t.Errorf("lookupDialect(%q) = %q, want %q", in, d.name, want)
		}
	}
}

func TestPaginate(t *testing.T) {
	q, args := dialects["sqlite"].paginate("SELECT 1 ORDER BY id", nil, 10, 20)
	if !strings.HasSuffix(q, "LIMIT ? OFFSET ?") || args[0] != 10 || args[1] != 20 {
		t.Errorf("sqlite: got %q %v", q, args)
	}

	q, args = dialects["sqlserver"].paginate("SELECT 1 ORDER BY id", nil, 10, 20)
	if !strings.HasSuffix(q, "OFFSET ? ROWS FETCH NEXT ? ROWS ONLY") || args[0] != 20 || args[1] != 10 {
		t.Errorf("sqlserver: got %q %v", q, args)
	}

	q, args = dialects["postgres"].paginate("SELECT 1", []any{"a"}, 0, 5)
	if q != "SELECT 1" || len(args) != 1 {
		t.Errorf("no limit: got %q %v", q, args)
	}
}

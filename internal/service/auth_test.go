package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
)

func newTestAuth(t *testing.T, opts ...Option) (*AuthService, *config.Store) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	opts = append([]Option{WithBcryptCost(bcrypt.MinCost)}, opts...)
	auth := NewAuthService(store, "test-secret-key-for-jwt", opts...)
	return auth, store
}

func issue(t *testing.T, auth *AuthService, level model.PermissionLevel, expiresAt *time.Time) (string, *model.APIKey) {
	t.Helper()
	raw, key, err := auth.IssueAPIKey(context.Background(), IssueRequest{
		Name:       "test-app",
		Permission: level,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	return raw, key
}

func TestJWTRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	// Issue a token
	token, err := auth.IssueJWT(ctx, 42, "admin@example.com", 1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	// Validate the token
	principal, err := auth.ValidateJWT(ctx, token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.AdminID != 42 {
		t.Errorf("AdminID: got %d, want 42", principal.AdminID)
	}
	if principal.Email != "admin@example.com" {
		t.Errorf("Email: got %q, want %q", principal.Email, "admin@example.com")
	}
}

func TestJWTExpired(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	// Issue a token with negative TTL (already expired)
	token, err := auth.IssueJWT(ctx, 1, "test@test.com", -1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	if _, err := auth.ValidateJWT(ctx, token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for expired token, got %v", err)
	}
}

func TestJWTInvalidToken(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.ValidateJWT(context.Background(), "garbage.token.here"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestJWTWithoutSecret(t *testing.T) {
	auth := NewAuthService(nil, "")
	if _, err := auth.IssueJWT(context.Background(), 1, "a@b.c", time.Hour); !errors.Is(err, ErrMissingJWTSecret) {
		t.Errorf("IssueJWT: expected ErrMissingJWTSecret, got %v", err)
	}
	if _, err := auth.ValidateJWT(context.Background(), "x.y.z"); !errors.Is(err, ErrMissingJWTSecret) {
		t.Errorf("ValidateJWT: expected ErrMissingJWTSecret, got %v", err)
	}
}

func TestIssueAPIKeyFormat(t *testing.T) {
	auth, store := newTestAuth(t)
	raw, key := issue(t, auth, model.LevelRead, nil)

	if !strings.HasPrefix(raw, KeyPrefix) {
		t.Errorf("key %q should start with %q", raw, KeyPrefix)
	}
	// 32 random bytes in unpadded base64.
	if got := len(raw) - len(KeyPrefix); got != 43 {
		t.Errorf("got %d encoded chars, want 43", got)
	}
	if key.KeyPrefix != raw[:11] {
		t.Errorf("got display prefix %q, want %q", key.KeyPrefix, raw[:11])
	}
	if key.Tier != model.TierBasic {
		t.Errorf("got tier %v, want basic", key.Tier)
	}

	stored, err := store.GetAPIKey(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if stored.KeyHash == raw || strings.Contains(stored.KeyHash, raw) {
		t.Fatal("plaintext key must not be stored")
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(raw)) != nil {
		t.Error("stored hash should verify the issued key")
	}

	raw2, _ := issue(t, auth, model.LevelRead, nil)
	if raw2 == raw {
		t.Error("two issued keys must differ")
	}
}

func TestIssueAPIKeyInvalidPermission(t *testing.T) {
	auth, _ := newTestAuth(t)
	_, _, err := auth.IssueAPIKey(context.Background(), IssueRequest{Name: "x"})
	if !errors.Is(err, ErrInvalidPermission) {
		t.Errorf("expected ErrInvalidPermission, got %v", err)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	raw, key := issue(t, auth, model.LevelReadWrite, nil)

	res, err := auth.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %+v", res)
	}
	if res.Key.ID != key.ID || res.Key.Permission != model.LevelReadWrite {
		t.Errorf("got key %+v, want id %d read_write", res.Key, key.ID)
	}

	// Change one character of the secret.
	last := raw[len(raw)-1]
	mutated := raw[:len(raw)-1] + string(rune(last^1))
	res, err = auth.Authenticate(ctx, mutated)
	if err != nil {
		t.Fatalf("Authenticate(mutated): %v", err)
	}
	if res.Valid || res.Reason != model.AuthInvalid || res.Key != nil {
		t.Errorf("mutated key: got %+v, want invalid", res)
	}
}

func TestAuthenticateRejectsInactiveKey(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	raw, key := issue(t, auth, model.LevelRead, nil)
	if err := store.SetAPIKeyActive(ctx, key.ID, false); err != nil {
		t.Fatalf("SetAPIKeyActive: %v", err)
	}

	res, err := auth.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.Valid || res.Reason != model.AuthInvalid {
		t.Errorf("inactive key: got %+v, want invalid", res)
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	auth, _ := newTestAuth(t)
	past := time.Now().Add(-time.Hour)
	raw, key := issue(t, auth, model.LevelRead, &past)

	res, err := auth.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.Valid {
		t.Fatal("expired key must not be valid")
	}
	if res.Reason != model.AuthExpired {
		t.Errorf("got reason %q, want expired", res.Reason)
	}
	if res.Key == nil || res.Key.ID != key.ID {
		t.Errorf("expected the expired key in the result, got %+v", res.Key)
	}
}

func TestAuthenticateExpiryUsesClock(t *testing.T) {
	future := time.Now().Add(time.Hour)
	clock := time.Now().Add(2 * time.Hour)
	auth, _ := newTestAuth(t, WithClock(func() time.Time { return clock }))
	raw, _ := issue(t, auth, model.LevelRead, &future)

	res, _ := auth.Authenticate(context.Background(), raw)
	if res.Reason != model.AuthExpired {
		t.Errorf("got %+v, want expired once the clock passes the expiry", res)
	}
}

func TestAuthenticateEdgeInputs(t *testing.T) {
	auth, _ := newTestAuth(t)
	issue(t, auth, model.LevelRead, nil)

	for _, in := range []string{"", strings.Repeat("a", 73), "kg_"} {
		res, err := auth.Authenticate(context.Background(), in)
		if err != nil {
			t.Fatalf("Authenticate(%q): %v", in, err)
		}
		if res.Valid || res.Reason != model.AuthInvalid {
			t.Errorf("Authenticate(%q) = %+v, want invalid", in, res)
		}
	}
}

func TestAuthenticateWithPrefixIndex(t *testing.T) {
	auth, _ := newTestAuth(t, WithPrefixIndex(true))
	ctx := context.Background()

	raw, key := issue(t, auth, model.LevelRead, nil)
	issue(t, auth, model.LevelWrite, nil)

	res, err := auth.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.Valid || res.Key.ID != key.ID {
		t.Errorf("got %+v, want key %d", res, key.ID)
	}

	res, _ = auth.Authenticate(ctx, "short")
	if res.Valid {
		t.Error("key shorter than the display prefix must be invalid")
	}
}

type brokenStore struct{}

func (brokenStore) CreateAPIKey(context.Context, *model.APIKey) error { return errors.New("down") }
func (brokenStore) ListActiveAPIKeys(context.Context, string) ([]model.APIKey, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) UpdateAPIKeyLastUsed(context.Context, int64) error { return errors.New("down") }

func TestAuthenticateStoreError(t *testing.T) {
	auth := NewAuthService(brokenStore{}, "secret")
	if _, err := auth.Authenticate(context.Background(), "kg_whatever"); err == nil {
		t.Fatal("expected store error to be returned")
	}
}

func TestTouchLastUsed(t *testing.T) {
	auth, store := newTestAuth(t)
	_, key := issue(t, auth, model.LevelRead, nil)

	auth.TouchLastUsed(key.ID)
	auth.Wait()

	got, err := store.GetAPIKey(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.LastUsed == nil {
		t.Error("expected last_used to be set")
	}

	// Failures are swallowed.
	NewAuthService(brokenStore{}, "").TouchLastUsed(1)
}

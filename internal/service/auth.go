package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidPermission  = errors.New("invalid permission level")
	ErrMissingJWTSecret   = errors.New("jwt secret is not configured")
)

const (
	// KeyPrefix starts every issued API key.
	KeyPrefix = "kg_"

	keyEntropyBytes  = 32
	displayPrefixLen = len(KeyPrefix) + 8
	maxKeyLen        = 72 // bcrypt ignores input past 72 bytes
	touchTimeout     = 5 * time.Second
)

// CredentialStore is the persistence the AuthService needs.
type CredentialStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	ListActiveAPIKeys(ctx context.Context, prefix string) ([]model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id int64) error
}

// JWTPrincipal identifies the administrator behind a bearer token.
type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// IssueRequest describes a key to be issued.
type IssueRequest struct {
	Name       string
	Permission model.PermissionLevel
	Tier       model.Tier
	ExpiresAt  *time.Time
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithBcryptCost sets the bcrypt work factor for new keys.
func WithBcryptCost(cost int) Option {
	return func(s *AuthService) {
		if cost != 0 {
			s.bcryptCost = cost
		}
	}
}

// WithPrefixIndex narrows authentication candidates by the display prefix
// of the presented key.
func WithPrefixIndex(enabled bool) Option {
	return func(s *AuthService) { s.prefixIndex = enabled }
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *AuthService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

type AuthService struct {
	store       CredentialStore
	jwtSecret   []byte
	bcryptCost  int
	prefixIndex bool
	logger      *slog.Logger
	now         func() time.Time
	touches     sync.WaitGroup
}

func NewAuthService(store CredentialStore, jwtSecret string, opts ...Option) *AuthService {
	s := &AuthService{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		bcryptCost: bcrypt.DefaultCost,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueAPIKey generates a new key, stores its bcrypt hash and returns the
// plaintext. The plaintext cannot be recovered later.
func (s *AuthService) IssueAPIKey(ctx context.Context, req IssueRequest) (string, *model.APIKey, error) {
	if !req.Permission.Valid() {
		return "", nil, fmt.Errorf("%w: %d", ErrInvalidPermission, req.Permission)
	}

	raw, err := generateKey()
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	key := &model.APIKey{
		KeyHash:    string(hash),
		KeyPrefix:  raw[:displayPrefixLen],
		Name:       req.Name,
		Permission: req.Permission,
		Tier:       req.Tier.OrBasic(),
		IsActive:   true,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Authenticate compares presented against every active key's hash. A match
// on an expired key yields Reason AuthExpired. Only store failures are
// returned as errors.
func (s *AuthService) Authenticate(ctx context.Context, presented string) (model.AuthResult, error) {
	invalid := model.AuthResult{Reason: model.AuthInvalid}
	if presented == "" || len(presented) > maxKeyLen {
		return invalid, nil
	}

	prefix := ""
	if s.prefixIndex {
		if len(presented) < displayPrefixLen {
			return invalid, nil
		}
		prefix = presented[:displayPrefixLen]
	}

	keys, err := s.store.ListActiveAPIKeys(ctx, prefix)
	if err != nil {
		return model.AuthResult{}, fmt.Errorf("load active keys: %w", err)
	}

	for i := range keys {
		if err := ctx.Err(); err != nil {
			return model.AuthResult{}, err
		}
		key := &keys[i]
		if !key.IsActive {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(presented)) != nil {
			continue
		}
		if key.Expired(s.now()) {
			return model.AuthResult{Key: key, Reason: model.AuthExpired}, nil
		}
		return model.AuthResult{Valid: true, Key: key}, nil
	}
	return invalid, nil
}

// TouchLastUsed records use of a key in the background. Failures are
// logged and never reach the caller.
func (s *AuthService) TouchLastUsed(id int64) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
			s.logger.Warn("failed to update api key last used", "key_id", id, "error", err)
		}
	}()
}

// Wait blocks until pending TouchLastUsed writes have finished.
func (s *AuthService) Wait() {
	s.touches.Wait()
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrMissingJWTSecret
	}
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, email string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrMissingJWTSecret
	}
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

func generateKey() (string, error) {
	b := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

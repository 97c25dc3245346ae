package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTier is returned when parsing a tier name that is not known.
var ErrUnknownTier = errors.New("unknown tier")

// Tier is the rate-limit class of an API key.
type Tier uint8

const (
	TierBasic Tier = iota + 1
	TierStandard
	TierPremium
	TierEnterprise
)

// Tiers lists every valid tier from lowest to highest.
var Tiers = []Tier{TierBasic, TierStandard, TierPremium, TierEnterprise}

func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	case TierEnterprise:
		return "enterprise"
	default:
		return ""
	}
}

func (t Tier) Valid() bool {
	return t >= TierBasic && t <= TierEnterprise
}

// OrBasic returns t, or TierBasic when t is unset.
func (t Tier) OrBasic() Tier {
	if !t.Valid() {
		return TierBasic
	}
	return t
}

// ParseTier parses a tier name. The empty string parses as TierBasic.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "basic":
		return TierBasic, nil
	case "standard":
		return TierStandard, nil
	case "premium":
		return TierPremium, nil
	case "enterprise":
		return TierEnterprise, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.OrBasic().String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Tier) Value() (driver.Value, error) {
	return t.OrBasic().String(), nil
}

func (t *Tier) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	case nil:
		*t = TierBasic
		return nil
	}
	return fmt.Errorf("scan tier: unsupported type %T", src)
}

// APIKey represents an API key issued to a client application. The raw key
// is never stored; only a bcrypt hash and a short display prefix are
// persisted.
type APIKey struct {
	ID         int64           `json:"id" db:"id"`
	KeyHash    string          `json:"-" db:"key_hash"`            // bcrypt hash, never expose
	KeyPrefix  string          `json:"key_prefix" db:"key_prefix"` // kg_ + first 8 chars
	Name       string          `json:"name" db:"name"`
	Permission PermissionLevel `json:"permission" db:"permission"`
	Tier       Tier            `json:"tier" db:"tier"`
	IsActive   bool            `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	LastUsed   *time.Time      `json:"last_used,omitempty" db:"last_used"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// MaskedKey is the obscured reference shown after creation.
func (k *APIKey) MaskedKey() string {
	return k.KeyPrefix + "..."
}

// APIKeyFilter narrows ListAPIKeys. Zero values mean "no filter".
type APIKeyFilter struct {
	Active     *bool
	Permission PermissionLevel
	Tier       Tier
	Search     string // substring of Name
	Limit      int
	Offset     int
}

// APIKeyUpdate carries the mutable metadata of a key. Nil fields are left
// unchanged. ClearExpiry removes an existing expiry and wins over ExpiresAt.
type APIKeyUpdate struct {
	Name        *string
	Permission  *PermissionLevel
	Tier        *Tier
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// Empty reports whether the update changes nothing.
func (u APIKeyUpdate) Empty() bool {
	return u.Name == nil && u.Permission == nil && u.Tier == nil && u.ExpiresAt == nil && !u.ClearExpiry
}

// AuthFailure explains why a presented key was rejected.
type AuthFailure string

const (
	AuthInvalid AuthFailure = "invalid"
	AuthExpired AuthFailure = "expired"
)

// AuthResult is the outcome of verifying a presented key. Key is set only
// when Valid is true, or when Reason is AuthExpired.
type AuthResult struct {
	Valid  bool
	Key    *APIKey
	Reason AuthFailure
}

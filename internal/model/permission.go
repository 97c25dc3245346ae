package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPermission is returned when parsing a permission level or
// requirement that is not one of the known values.
var ErrUnknownPermission = errors.New("unknown permission")

// Permission is a single capability a route can require.
type Permission uint8

// Permission bits. A PermissionLevel is the union of the bits it grants.
const (
	PermRead  Permission = 1 << iota // 1
	PermWrite                        // 2
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	default:
		return fmt.Sprintf("permission(%d)", uint8(p))
	}
}

// ParsePermission parses "read" or "write".
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return PermRead, nil
	case "write":
		return PermWrite, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, s)
}

// PermissionLevel is the access scope granted to an API key. The zero value
// is invalid and grants nothing.
type PermissionLevel uint8

const (
	LevelRead      = PermissionLevel(PermRead)
	LevelWrite     = PermissionLevel(PermWrite)
	LevelReadWrite = PermissionLevel(PermRead | PermWrite)
)

// PermissionLevels lists every valid level in display order.
var PermissionLevels = []PermissionLevel{LevelRead, LevelWrite, LevelReadWrite}

func (l PermissionLevel) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelReadWrite:
		return "read_write"
	default:
		return ""
	}
}

// Valid reports whether l is one of read, write or read_write.
func (l PermissionLevel) Valid() bool {
	return l == LevelRead || l == LevelWrite || l == LevelReadWrite
}

// Satisfies reports whether the level grants the single permission p.
func (l PermissionLevel) Satisfies(p Permission) bool {
	if !l.Valid() || p == 0 {
		return false
	}
	return PermissionLevel(p)&l == PermissionLevel(p)
}

// ParsePermissionLevel parses "read", "write" or "read_write". "readwrite"
// and "read-write" are accepted as aliases.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "read_write", "readwrite", "read-write":
		return LevelReadWrite, nil
	}
	return 0, fmt.Errorf("%w level: %q", ErrUnknownPermission, s)
}

// Authorize reports whether level satisfies every required permission. An
// empty requirement set is always allowed.
func Authorize(level PermissionLevel, required ...Permission) bool {
	for _, p := range required {
		if !level.Satisfies(p) {
			return false
		}
	}
	return true
}

func (l PermissionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w level: %d", ErrUnknownPermission, uint8(l))
	}
	return []byte(l.String()), nil
}

func (l *PermissionLevel) UnmarshalText(b []byte) error {
	v, err := ParsePermissionLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Value stores the level as its text form.
func (l PermissionLevel) Value() (driver.Value, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w level: %d", ErrUnknownPermission, uint8(l))
	}
	return l.String(), nil
}

func (l *PermissionLevel) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	case nil:
		*l = 0
		return nil
	}
	return fmt.Errorf("scan permission level: unsupported type %T", src)
}

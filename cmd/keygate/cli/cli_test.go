package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
)

func TestParseExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "720h", want: now.Add(720 * time.Hour)},
		{in: "30d", want: now.AddDate(0, 0, 30)},
		{in: "2026-12-31", want: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)},
		{in: "2027-01-02T03:04:05Z", want: time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "-1h", wantErr: true},
		{in: "2020-01-01", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseExpiry(tt.in, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestParseKeyID(t *testing.T) {
	id, err := parseKeyID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"0", "-3", "abc", ""} {
		_, err := parseKeyID(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"}, false)
	logger.Info("hidden")
	logger.Warn("shown", "key_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, float64(7), rec["key_id"])

	buf.Reset()
	logger = newLogger(&buf, config.LoggingConfig{Level: "error", Format: "text"}, true)
	logger.Debug("dev forces debug")
	assert.Contains(t, buf.String(), "dev forces debug")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

// runCLI executes the root command with args against a temporary data dir.
func runCLI(t *testing.T, dir string, args ...string) string {
	t.Helper()
	t.Cleanup(func() { dataDir = "" })

	var out bytes.Buffer
	cmd := newRootCmd("test", "none", "unknown")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestKeyLifecycle(t *testing.T) {
	t.Setenv("KEYGATE_AUTH_BCRYPT_COST", "4")
	dir := t.TempDir()

	raw := strings.TrimSpace(runCLI(t, dir, "key", "create", "--name", "ci", "--permission", "write", "--tier", "premium"))
	assert.True(t, strings.HasPrefix(raw, "kg_"), "piped output should be the bare key, got %q", raw)

	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(runCLI(t, dir, "key", "list", "--json")), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)
	assert.Equal(t, model.LevelWrite, keys[0].Permission)
	assert.Equal(t, model.TierPremium, keys[0].Tier)
	assert.True(t, strings.HasPrefix(raw, keys[0].KeyPrefix))

	runCLI(t, dir, "key", "update", "1", "--permission", "read_write")
	runCLI(t, dir, "key", "disable", "1")

	var key model.APIKey
	require.NoError(t, json.Unmarshal([]byte(runCLI(t, dir, "key", "show", "1")), &key))
	assert.Equal(t, model.LevelReadWrite, key.Permission)
	assert.False(t, key.IsActive)

	// Disabled keys are hidden unless --all is given.
	assert.Contains(t, runCLI(t, dir, "key", "list"), "No API keys found")
	assert.Contains(t, runCLI(t, dir, "key", "list", "--all"), "ci")
}

func TestAdminToken(t *testing.T) {
	t.Setenv("KEYGATE_AUTH_JWT_SECRET", "cli-test-secret")

	token := strings.TrimSpace(runCLI(t, t.TempDir(), "admin", "token", "--email", "ops@example.com"))
	assert.Equal(t, 2, strings.Count(token, "."), "expected a JWT, got %q", token)
}

func TestOpenAPICommand(t *testing.T) {
	out := runCLI(t, t.TempDir(), "openapi")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "paths")
}

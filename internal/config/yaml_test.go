package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/ratelimit"
)

func TestDefaultYAMLConfigIsValid(t *testing.T) {
	cfg := DefaultYAMLConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("got header %q, want X-API-Key", cfg.Auth.APIKeyHeader)
	}
	if cfg.Retention.Days != 90 {
		t.Errorf("got retention days %d, want 90", cfg.Retention.Days)
	}
	if _, ok := cfg.RateLimit.Classes[ratelimit.ClassAuth]; !ok {
		t.Error("expected default auth class")
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	t.Setenv("KEYGATE_TEST_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	content := `
server:
  port: 9090
store:
  driver: postgres
  dsn: postgres://localhost/keygate
auth:
  jwt_secret: ${KEYGATE_TEST_SECRET}
  prefix_index: true
rate_limit:
  whitelist: ["10.0.0.0/8"]
  classes:
    search:
      window: 30s
      max: 7
retention:
  enabled: true
  days: 14
  interval: 6h
log:
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("unset host should keep default, got %q", cfg.Server.Host)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("env var not expanded: got %q", cfg.Auth.JWTSecret)
	}
	if !cfg.Auth.PrefixIndex {
		t.Error("expected prefix_index true")
	}
	if got := cfg.RateLimit.Classes["search"]; got.Window != 30*time.Second || got.Max != 7 {
		t.Errorf("got search rule %+v, want 30s/7", got)
	}
	if _, ok := cfg.RateLimit.Classes["auth"]; !ok {
		t.Error("classes not in the file should keep their defaults")
	}
	if cfg.Retention.Interval != 6*time.Hour || cfg.Retention.Days != 14 {
		t.Errorf("got retention %+v", cfg.Retention)
	}
	if sc := cfg.StoreConfig(); sc.Driver != "postgres" || sc.DSN != "postgres://localhost/keygate" {
		t.Errorf("got store config %+v", sc)
	}
}

func TestLoadYAMLConfigMissingFile(t *testing.T) {
	if _, err := LoadYAMLConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultYAMLConfig()
	cfg.Store.Driver = "oracle"
	cfg.Auth.BcryptCost = 2
	cfg.Logging.Level = "loud"
	cfg.Retention.Enabled = true
	cfg.Retention.Days = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"store.driver", "auth.bcrypt_cost", "log.level", "retention.days"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadSettingsFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("store.dsn", "file.db")
	v.Set("redis.enabled", true)
	v.Set("redis.addr", "cache:6379")
	v.Set("retention.interval", "12h")
	v.Set("rate_limit.tiers.premium.window", "1m")
	v.Set("rate_limit.tiers.premium.max", 50)

	cfg, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if cfg.Store.DSN != "file.db" {
		t.Errorf("got dsn %q", cfg.Store.DSN)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("got redis %+v", cfg.Redis)
	}
	if cfg.Retention.Interval != 12*time.Hour {
		t.Errorf("got interval %v, want 12h", cfg.Retention.Interval)
	}
	if got := cfg.RateLimit.Tiers["premium"]; got.Window != time.Minute || got.Max != 50 {
		t.Errorf("got premium tier %+v, want 1m/50", got)
	}
	if _, ok := cfg.RateLimit.Tiers["basic"]; !ok {
		t.Error("basic tier default should survive")
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("got header %q", cfg.Auth.APIKeyHeader)
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	def := DefaultYAMLConfig()
	if cfg.Server.ShutdownTimeout != def.Server.ShutdownTimeout {
		t.Errorf("got shutdown timeout %v, want %v", cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)
	}
	if cfg.RateLimit.Classes["export"] != def.RateLimit.Classes["export"] {
		t.Errorf("got export rule %+v, want %+v", cfg.RateLimit.Classes["export"], def.RateLimit.Classes["export"])
	}
	if cfg.Redis.Addr != def.Redis.Addr {
		t.Errorf("got redis addr %q, want %q", cfg.Redis.Addr, def.Redis.Addr)
	}
}

func TestOpenStoreInMemory(t *testing.T) {
	cfg := DefaultYAMLConfig()
	s, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	if s.Driver() != "sqlite" {
		t.Errorf("got driver %q, want sqlite", s.Driver())
	}
}

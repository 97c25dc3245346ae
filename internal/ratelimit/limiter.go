package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/model"
)

// Request classes.
const (
	ClassAuth     = "auth"
	ClassAPIRead  = "api_read"
	ClassAPIWrite = "api_write"
	ClassSearch   = "search"
	ClassUpload   = "upload"
	ClassExport   = "export"
	ClassPublic   = "public"
)

// ErrUnknownClass is returned for a class with no configured rule.
var ErrUnknownClass = errors.New("unknown rate limit class")

// Rule allows Max requests per fixed Window.
type Rule struct {
	Window time.Duration `yaml:"window" mapstructure:"window" json:"window"`
	Max    int           `yaml:"max" mapstructure:"max" json:"max"`
}

func (r Rule) validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	if r.Max <= 0 {
		return fmt.Errorf("max must be positive, got %d", r.Max)
	}
	return nil
}

// DefaultClasses returns the built-in per-class rules.
func DefaultClasses() map[string]Rule {
	return map[string]Rule{
		ClassAuth:     {Window: 15 * time.Minute, Max: 5},
		ClassAPIRead:  {Window: 15 * time.Minute, Max: 300},
		ClassAPIWrite: {Window: 15 * time.Minute, Max: 100},
		ClassSearch:   {Window: time.Minute, Max: 30},
		ClassUpload:   {Window: time.Hour, Max: 10},
		ClassExport:   {Window: time.Hour, Max: 5},
		ClassPublic:   {Window: 15 * time.Minute, Max: 1000},
	}
}

// DefaultTiers returns the built-in per-tier rules, keyed by tier name.
func DefaultTiers() map[string]Rule {
	return map[string]Rule{
		model.TierBasic.String():      {Window: time.Hour, Max: 1000},
		model.TierStandard.String():   {Window: time.Hour, Max: 5000},
		model.TierPremium.String():    {Window: time.Hour, Max: 20000},
		model.TierEnterprise.String(): {Window: time.Hour, Max: 100000},
	}
}

// Options configures a Limiter. Nil rule maps fall back to the defaults.
type Options struct {
	Classes   map[string]Rule
	Tiers     map[string]Rule
	Whitelist []string
	Now       func() time.Time
}

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies fixed-window limits per class and per tier on top of a
// CounterStore.
type Limiter struct {
	store    CounterStore
	classes  map[string]Rule
	tiers    map[string]Rule
	nets     []*net.IPNet
	literals map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a Limiter. Whitelist entries may be IPs, CIDRs or literal API
// keys.
func New(store CounterStore, opts Options, logger *slog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limiter requires a counter store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		store:    store,
		classes:  DefaultClasses(),
		tiers:    DefaultTiers(),
		literals: make(map[string]struct{}),
		now:      opts.Now,
		logger:   logger,
	}
	if l.now == nil {
		l.now = time.Now
	}

	for name, rule := range opts.Classes {
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("rate limit class %q: %w", name, err)
		}
		l.classes[name] = rule
	}
	for name, rule := range opts.Tiers {
		tier, err := model.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rate limit tier: %w", err)
		}
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("rate limit tier %q: %w", name, err)
		}
		l.tiers[tier.String()] = rule
	}

	for _, entry := range opts.Whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("rate limit whitelist entry %q: %w", entry, err)
			}
			l.nets = append(l.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			entry = ip.String()
		}
		l.literals[entry] = struct{}{}
	}
	return l, nil
}

// Whitelisted reports whether the client IP or the presented API key is
// exempt from limiting.
func (l *Limiter) Whitelisted(ip, apiKey string) bool {
	if apiKey != "" {
		if _, ok := l.literals[apiKey]; ok {
			return true
		}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if _, ok := l.literals[parsed.String()]; ok {
		return true
	}
	for _, n := range l.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Rule returns the rule configured for class.
func (l *Limiter) Rule(class string) (Rule, bool) {
	r, ok := l.classes[class]
	return r, ok
}

// MustHaveClass panics when class has no rule. Route setup calls it so a
// missing rule stops the server from starting.
func (l *Limiter) MustHaveClass(class string) {
	if _, ok := l.classes[class]; !ok {
		panic(fmt.Sprintf("ratelimit: %v: %s", ErrUnknownClass, class))
	}
}

// Allow counts one request for identity under class. A counter store
// failure admits the request and is logged.
func (l *Limiter) Allow(ctx context.Context, class, identity string) (Decision, error) {
	rule, ok := l.classes[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return l.check(ctx, class, identity, rule), nil
}

// AllowTier counts one request for identity against the rule of tier.
func (l *Limiter) AllowTier(ctx context.Context, tier model.Tier, identity string) Decision {
	name := tier.OrBasic().String()
	return l.check(ctx, "tier_"+name, identity, l.tiers[name])
}

func (l *Limiter) check(ctx context.Context, class, identity string, rule Rule) Decision {
	now := l.now()
	start := now.Truncate(rule.Window)
	reset := start.Add(rule.Window)

	d := Decision{Allowed: true, Limit: rule.Max, Remaining: rule.Max, ResetAt: reset}

	count, err := l.store.Increment(ctx, counterKey(class, identity, start), rule.Window)
	if err != nil {
		l.logger.Error("rate limit check failed, admitting request", "class", class, "error", err)
		return d
	}

	if count > int64(rule.Max) {
		d.Allowed = false
		d.Remaining = 0
		d.RetryAfter = reset.Sub(now)
		return d
	}
	d.Remaining = rule.Max - int(count)
	return d
}

// failedAuthClass names the per-IP counters of failed authentications.
const failedAuthClass = "auth_failed"

// CheckUnauthenticated reports whether ip has used up its allowance of
// failed authentications under the basic tier rule. It does not count.
func (l *Limiter) CheckUnauthenticated(ctx context.Context, ip string) Decision {
	rule := l.tiers[model.TierBasic.String()]
	now := l.now()
	start := now.Truncate(rule.Window)
	reset := start.Add(rule.Window)

	d := Decision{Allowed: true, Limit: rule.Max, Remaining: rule.Max, ResetAt: reset}
	count, err := l.store.Count(ctx, counterKey(failedAuthClass, IPIdentity(ip), start))
	if err != nil {
		l.logger.Error("rate limit check failed, admitting request", "class", failedAuthClass, "error", err)
		return d
	}
	if count >= int64(rule.Max) {
		d.Allowed = false
		d.Remaining = 0
		d.RetryAfter = reset.Sub(now)
		return d
	}
	d.Remaining = rule.Max - int(count)
	return d
}

// ChargeUnauthenticated counts one failed authentication from ip against the
// basic tier rule.
func (l *Limiter) ChargeUnauthenticated(ctx context.Context, ip string) Decision {
	return l.check(ctx, failedAuthClass, IPIdentity(ip), l.tiers[model.TierBasic.String()])
}

// Ping checks the counter backend when it supports it.
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Health describes the counter backend: "ok", or "fallback: <cause>" while
// a fallback store serves counters. The error is set only when counters
// cannot be served at all.
func (l *Limiter) Health(ctx context.Context) (string, error) {
	if err := l.Ping(ctx); err != nil {
		return "", err
	}
	if d, ok := l.store.(degradedReporter); ok {
		if err := d.Degraded(ctx); err != nil {
			return "fallback: " + err.Error(), nil
		}
	}
	return "ok", nil
}

// IPIdentity is the counter identity of a client IP.
func IPIdentity(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	return "ip_" + ip
}

func counterKey(class, identity string, start time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", class, identity, start.Unix())
}

// KeyIdentity derives a counter identity from API key material so the key
// itself never appears in counter names.
func KeyIdentity(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key_" + hex.EncodeToString(sum[:16])
}

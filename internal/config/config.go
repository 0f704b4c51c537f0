// Package config reads TENANTGATE_* settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tenantgate.org/internal/auth"
)

const prefix = "TENANTGATE_"

type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	RedisURL string

	AuthSecret     string
	AuthPrivateKey string
	AuthPublicKey  string
	AuthKeyID      string
	Issuer         string
	Audience       string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration

	MaxDevices      int
	DevicePolicy    auth.DevicePolicy
	DeviceRetention time.Duration

	FailMode  auth.FailMode
	KVTimeout time.Duration

	LoginRateLimit  int
	LoginRateWindow time.Duration
	HTTPRateBurst   int
	HTTPRatePerSec  float64
	TrustedProxies  []netip.Prefix

	PolicyResyncSchedule string
	CleanupSchedule      string

	BootstrapEmail    string
	BootstrapPassword string
}

// LoadDotenv preloads .env in development. A missing file is not an error.
func LoadDotenv(files ...string) error {
	env := os.Getenv(prefix + "ENV")
	if env != "" && env != "development" {
		return nil
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads the process environment after LoadDotenv.
func Load() (Config, error) {
	if err := LoadDotenv(); err != nil {
		return Config{}, err
	}
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from getenv, applying defaults for unset keys.
func FromLookup(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		Env:      r.str("ENV", "development"),
		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("GRPC_ADDR", ""),
		PGDSN:    r.str("PG_DSN", ""),
		RedisURL: r.str("REDIS_URL", ""),

		AuthSecret:     r.str("AUTH_SECRET", ""),
		AuthPrivateKey: r.str("AUTH_PRIVATE_KEY", ""),
		AuthPublicKey:  r.str("AUTH_PUBLIC_KEY", ""),
		AuthKeyID:      r.str("AUTH_KEY_ID", ""),
		Issuer:         r.str("AUTH_ISSUER", "tenantgate"),
		Audience:       r.str("AUTH_AUDIENCE", ""),

		AccessTTL:       r.duration("ACCESS_TTL", time.Hour),
		RefreshTTL:      r.duration("REFRESH_TTL", 14*24*time.Hour),
		ClockSkew:       r.duration("CLOCK_SKEW", 30*time.Second),
		MaxDevices:      r.integer("MAX_DEVICES", 5),
		DeviceRetention: r.duration("DEVICE_RETENTION", 30*24*time.Hour),
		KVTimeout:       r.duration("KV_TIMEOUT", 2*time.Second),

		LoginRateLimit:  r.integer("LOGIN_RATE_LIMIT", 10),
		LoginRateWindow: r.duration("LOGIN_RATE_WINDOW", 15*time.Minute),
		HTTPRateBurst:   r.integer("HTTP_RATE_BURST", 40),
		HTTPRatePerSec:  r.float("HTTP_RATE_PER_SEC", 20),
		TrustedProxies:  r.prefixes("TRUSTED_PROXIES"),

		PolicyResyncSchedule: r.str("POLICY_RESYNC_SCHEDULE", "@every 1m"),
		CleanupSchedule:      r.str("CLEANUP_SCHEDULE", "@hourly"),

		BootstrapEmail:    r.str("BOOTSTRAP_EMAIL", ""),
		BootstrapPassword: r.str("BOOTSTRAP_PASSWORD", ""),
	}

	var err error
	if cfg.DevicePolicy, err = auth.ParseDevicePolicy(r.str("DEVICE_LIMIT_POLICY", "reject")); err != nil {
		r.fail("DEVICE_LIMIT_POLICY", err)
	}
	if cfg.FailMode, err = auth.ParseFailMode(r.str("REVOCATION_FAIL_MODE", "open")); err != nil {
		r.fail("REVOCATION_FAIL_MODE", err)
	}
	if cfg.AuthSecret == "" && cfg.AuthPrivateKey == "" {
		r.fail("AUTH_SECRET", errors.New("either AUTH_SECRET or AUTH_PRIVATE_KEY is required"))
	}
	if cfg.AuthPrivateKey != "" && cfg.AuthPublicKey == "" {
		r.fail("AUTH_PUBLIC_KEY", errors.New("required with AUTH_PRIVATE_KEY"))
	}
	if cfg.AccessTTL <= 0 {
		r.fail("ACCESS_TTL", errors.New("must be positive"))
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		r.fail("REFRESH_TTL", errors.New("must exceed ACCESS_TTL"))
	}
	if cfg.MaxDevices <= 0 {
		r.fail("MAX_DEVICES", errors.New("must be positive"))
	}
	if (cfg.BootstrapEmail == "") != (cfg.BootstrapPassword == "") {
		r.fail("BOOTSTRAP_EMAIL", errors.New("BOOTSTRAP_EMAIL and BOOTSTRAP_PASSWORD must be set together"))
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(prefix + key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

// prefixes parses a comma-separated list of CIDRs or bare addresses.
func (r *reader) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range strings.Split(r.str(key, ""), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				r.fail(key, err)
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			r.fail(key, err)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := ParseDuration(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

// ParseDuration extends time.ParseDuration with a whole-day "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClaimRatePerMinute int
	ClaimBurst         int

	SweepInterval  time.Duration
	MigrateOnStart bool
	LogLevel       slog.Level
}

// Need names a setting a command cannot run without.
type Need int

const (
	NeedDatabase Need = iota
	NeedJWTSecret
)

// FromEnv reads the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads settings through getenv. Every malformed value is reported,
// not just the first.
func Load(getenv func(string) string) (Config, error) {
	env := func(k, d string) string {
		v := strings.TrimSpace(getenv(k))
		if v == "" {
			return d
		}
		return v
	}

	cfg := Config{
		HTTPAddr:      env("HTTP_ADDR", ":8080"),
		DatabaseURL:   env("DATABASE_URL", ""),
		JWTSecret:     env("JWT_SECRET", ""),
		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD"),
	}

	var errs []error
	intVar := func(k string, d int, min int) int {
		raw := env(k, "")
		if raw == "" {
			return d
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < min {
			errs = append(errs, fmt.Errorf("%s must be an integer >= %d (got %q)", k, min, raw))
			return d
		}
		return n
	}

	cfg.RedisDB = intVar("REDIS_DB", 0, 0)
	cfg.ClaimRatePerMinute = intVar("CLAIM_RATE_PER_MINUTE", 30, 1)
	cfg.ClaimBurst = intVar("CLAIM_BURST", 5, 1)

	cfg.SweepInterval = 15 * time.Minute
	if raw := env("SWEEP_INTERVAL", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be a non-negative duration (got %q)", raw))
		} else {
			cfg.SweepInterval = d
		}
	}

	cfg.MigrateOnStart = true
	if raw := env("MIGRATE_ON_START", ""); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("MIGRATE_ON_START must be a boolean (got %q)", raw))
		} else {
			cfg.MigrateOnStart = b
		}
	}

	if raw := env("LOG_LEVEL", "info"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", raw))
		}
	}

	return cfg, errors.Join(errs...)
}

// Require reports every missing setting among needs.
func (c Config) Require(needs ...Need) error {
	var errs []error
	for _, n := range needs {
		switch n {
		case NeedDatabase:
			if c.DatabaseURL == "" {
				errs = append(errs, errors.New("DATABASE_URL is required"))
			}
		case NeedJWTSecret:
			if c.JWTSecret == "" {
				errs = append(errs, errors.New("JWT_SECRET is required"))
			}
		}
	}
	return errors.Join(errs...)
}

// DistributedThrottle reports whether claim throttling should be shared
// through Redis rather than kept per process.
func (c Config) DistributedThrottle() bool {
	return c.RedisAddr != ""
}

// Package config implements the environment-variable-backed configuration
// every DFM service binds its cobra flags against, following arkeep's
// cmd/server/main.go envOrDefault helper — generalized into one shared
// package since DFM ships three binaries (dfm-process, dfm-scheduler,
// dfm-execute) that all need the same Redis/site/auth knobs from spec.md §6,
// rather than arkeep's single server binary duplicating it once inline.
package config

import (
	"os"
	"strconv"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// EnvOrDefault returns the environment variable named key, or defaultVal if
// it is unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// EnvOrDefaultInt parses the environment variable named key as an int, or
// returns defaultVal if it is unset or unparsable.
func EnvOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// EnvOrDefaultBool parses the environment variable named key as a bool
// ("true"/"false"), or returns defaultVal if unset or unparsable.
func EnvOrDefaultBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// Redis holds the connection knobs spec.md §6 names: SITE_NAME,
// REDIS_HOST, REDIS_PORT, REDIS_DB, REDIS_PASSWORD, USE_FAKE_REDIS.
type Redis struct {
	SiteName string
	Host     string
	Port     int
	DB       int
	Password string
	UseFake  bool
}

// FromEnv reads the Redis config knobs from the environment, applying the
// same defaults arkeep's config struct applies for its own DB connection
// fields (empty password, db 0, localhost).
func FromEnv() Redis {
	return Redis{
		SiteName: EnvOrDefault("SITE_NAME", "localhost"),
		Host:     EnvOrDefault("REDIS_HOST", "127.0.0.1"),
		Port:     EnvOrDefaultInt("REDIS_PORT", 6379),
		DB:       EnvOrDefaultInt("REDIS_DB", 0),
		Password: EnvOrDefault("REDIS_PASSWORD", ""),
		UseFake:  EnvOrDefaultBool("USE_FAKE_REDIS", false),
	}
}

// NewClient builds a *redis.Client from the config. When UseFake is set
// (local/dev/test runs, spec.md §6), an in-process miniredis instance is
// started and the client is pointed at it instead of a real Redis — mirrors
// arkeep's db.New sqlite-vs-postgres driver switch, just one level down the
// stack. The returned closer must be called on shutdown to stop the
// embedded server; it is a no-op against a real Redis connection.
func (r Redis) NewClient() (client *redis.Client, closer func(), err error) {
	if r.UseFake {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return c, func() { _ = c.Close(); mr.Close() }, nil
	}

	c := redis.NewClient(&redis.Options{
		Addr:     r.Host + ":" + strconv.Itoa(r.Port),
		Password: r.Password,
		DB:       r.DB,
	})
	return c, func() { _ = c.Close() }, nil
}

package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dmarclens/dmarclens/pkg/jwtx"
)

// ErrConfig marks configuration problems. Fatal at startup, never deferred
// to request time.
var ErrConfig = errors.New("app: invalid configuration")

type Config struct {
	Issuer       string // Issuer claim for all minted tokens
	SigningKey   string // Path to an Ed25519 PKCS8 PEM; empty means ephemeral
	DatabaseFile string // Path to the SQLite database file (default: ./auth.db)

	// RedisAddr switches the lockout counters and the assertion replay
	// records to a shared redis. Empty keeps both in process memory, which
	// is only correct for single-instance deployments.
	RedisAddr     string
	RedisPassword string

	AccessTokenTTL  time.Duration // Access token lifetime (default: 15m)
	RefreshTokenTTL time.Duration // Refresh token lifetime (default: 7d)

	SecureCookies bool // Whether the refresh cookie carries the Secure flag

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Ledger sweep interval (default: 1h)
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Issuer:        getEnvOrDefault("AUTH_ISSUER", "dmarclens-auth"),
		SigningKey:    os.Getenv("AUTH_SIGNING_KEY_FILE"),
		DatabaseFile:  getEnvOrDefault("AUTH_DATABASE_FILE", "auth.db"),
		RedisAddr:     os.Getenv("AUTH_REDIS_ADDR"),
		RedisPassword: os.Getenv("AUTH_REDIS_PASSWORD"),
		SecureCookies: getEnvBoolOrDefault("AUTH_SECURE_COOKIES", true),
		Env:           getEnvOrDefault("ENV", "dev"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:     getEnvOrDefault("LOG_FORMAT", "json"),
		Port:          getEnvIntOrDefault("PORT", 8080),
	}

	var err error
	if cfg.AccessTokenTTL, err = getEnvLifetime("AUTH_ACCESS_TOKEN_TTL", jwtx.DefaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = getEnvLifetime("AUTH_REFRESH_TOKEN_TTL", jwtx.DefaultRefreshTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGracePeriod, err = getEnvLifetime("SHUTDOWN_GRACE_PERIOD", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HousekeepingInterval, err = getEnvLifetime("HOUSEKEEPING_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

// getEnvLifetime accepts the lifetime grammar of jwtx.ParseLifetime (e.g.
// "15m", "7d", "900s"). A malformed value is a startup error, never a
// silent default.
func getEnvLifetime(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := jwtx.ParseLifetime(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, value, err)
	}
	return d, nil
}

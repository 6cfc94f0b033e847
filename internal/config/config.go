// Package config reads the gateway's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds every tunable of the gateway.
type Config struct {
	Port     string
	LogLevel string

	StoreBackend  string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	HeartbeatInterval   time.Duration
	CursorThrottle      time.Duration
	StalenessMultiplier int
	LockTTL             time.Duration
	LockRefreshInterval time.Duration

	ReaperEnabled      bool
	ReaperInterval     time.Duration
	TombstoneRetention time.Duration

	CORSOrigins []string
	InstanceID  string
}

// StalenessThreshold is the age after which a tab session counts as gone.
func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessMultiplier) * c.HeartbeatInterval
}

// Load reads the configuration from environment variables, filling defaults.
// Durations use time.ParseDuration syntax.
func Load() (Config, error) {
	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	integer := func(key string, def int) int {
		n, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DBPath:              getEnv("DB_PATH", "data/canvas.db"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             integer("REDIS_DB", 0),
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost:5432/canvas"),
		HeartbeatInterval:   duration("HEARTBEAT_INTERVAL", 5*time.Second),
		CursorThrottle:      duration("CURSOR_THROTTLE", 50*time.Millisecond),
		StalenessMultiplier: integer("STALENESS_MULTIPLIER", 6),
		TombstoneRetention:  duration("TOMBSTONE_RETENTION", 24*time.Hour),
		CORSOrigins:         strings.Split(getEnv("CORS_ORIGINS", "*"), ","),
		InstanceID:          getEnv("INSTANCE_ID", defaultInstanceID()),
	}

	cfg.LockTTL = duration("LOCK_TTL", cfg.StalenessThreshold())
	cfg.LockRefreshInterval = duration("LOCK_REFRESH_INTERVAL", cfg.LockTTL/3)
	cfg.ReaperInterval = duration("REAPER_INTERVAL", 2*cfg.HeartbeatInterval)

	enabled, err := getEnvBool("REAPER_ENABLED", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ReaperEnabled = enabled

	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the timing relationships the presence and lock layers
// depend on.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.CursorThrottle <= 0 {
		return errors.New("CURSOR_THROTTLE must be positive")
	}
	if c.StalenessMultiplier < 2 {
		return errors.New("STALENESS_MULTIPLIER must be at least 2")
	}
	if c.LockTTL < c.StalenessThreshold() {
		return fmt.Errorf("LOCK_TTL %s is shorter than the staleness threshold %s", c.LockTTL, c.StalenessThreshold())
	}
	if c.LockRefreshInterval <= 0 || c.LockRefreshInterval >= c.LockTTL {
		return fmt.Errorf("LOCK_REFRESH_INTERVAL %s must be positive and below LOCK_TTL %s", c.LockRefreshInterval, c.LockTTL)
	}
	if c.ReaperInterval <= 0 {
		return errors.New("REAPER_INTERVAL must be positive")
	}
	if c.TombstoneRetention <= 0 {
		return errors.New("TOMBSTONE_RETENTION must be positive")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}

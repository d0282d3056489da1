package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, parsed from QUARRY_* variables.
type Config struct {
	// Backing store.
	DBDriver string `env:"QUARRY_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"QUARRY_DB_DSN,notEmpty"`

	// Pool settings.
	PoolMaxConnections  int           `env:"QUARRY_POOL_MAX_CONNECTIONS" envDefault:"25"`
	PoolMaxIdle         int           `env:"QUARRY_POOL_MAX_IDLE" envDefault:"10"`
	PoolAcquireTimeout  time.Duration `env:"QUARRY_POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`
	PoolConnMaxLifetime time.Duration `env:"QUARRY_POOL_CONN_MAX_LIFETIME" envDefault:"5m"`
	PoolConnMaxIdleTime time.Duration `env:"QUARRY_POOL_CONN_MAX_IDLE_TIME" envDefault:"1m"`

	// Manager settings.
	Shards           []string `env:"QUARRY_SHARDS" envSeparator:"," envDefault:"shard-0"`
	OffloadThreshold int      `env:"QUARRY_OFFLOAD_THRESHOLD" envDefault:"0"`
	PayloadBucket    string   `env:"QUARRY_PAYLOAD_BUCKET" envDefault:"quarry-payloads"`

	// Object store (optional; required when OffloadThreshold > 0).
	RedisAddr     string `env:"QUARRY_REDIS_ADDR"`
	RedisPassword string `env:"QUARRY_REDIS_PASSWORD"`

	// Worker settings.
	LeaseDuration time.Duration `env:"QUARRY_LEASE_DURATION" envDefault:"5m"`
	PollInterval  time.Duration `env:"QUARRY_POLL_INTERVAL" envDefault:"100ms"`
	BatchSize     int           `env:"QUARRY_BATCH_SIZE" envDefault:"10"`

	// Janitor settings.
	JanitorInterval     time.Duration `env:"QUARRY_JANITOR_INTERVAL" envDefault:"30s"`
	JanitorCron         string        `env:"QUARRY_JANITOR_CRON"`
	CompletedRetention  time.Duration `env:"QUARRY_COMPLETED_RETENTION" envDefault:"24h"`
	DeadLetterRetention time.Duration `env:"QUARRY_DEAD_LETTER_RETENTION" envDefault:"0"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.OffloadThreshold > 0 && c.RedisAddr == "" {
		return Config{}, fmt.Errorf("config: QUARRY_OFFLOAD_THRESHOLD requires QUARRY_REDIS_ADDR")
	}
	return c, nil
}

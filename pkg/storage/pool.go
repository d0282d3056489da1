package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig holds connection pool configuration for the backing store.
type PoolConfig struct {
	// MaxConnections is the maximum number of open connections.
	// Default: 25
	MaxConnections int

	// MaxIdleConnections is the maximum number of idle connections kept warm.
	// Default: 10
	MaxIdleConnections int

	// AcquireTimeout bounds how long any single store operation may wait,
	// connection checkout included, before failing with ErrStoreUnavailable.
	// Default: 5 seconds
	AcquireTimeout time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	// Default: 5 minutes
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	// Default: 1 minute
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sensible defaults for connection pooling.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:     25,
		MaxIdleConnections: 10,
		AcquireTimeout:     5 * time.Second,
		ConnMaxLifetime:    5 * time.Minute,
		ConnMaxIdleTime:    1 * time.Minute,
	}
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxConnections sets the maximum number of open connections.
func MaxConnections(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxConnections = n
	})
}

// MaxIdleConnections sets the maximum number of idle connections.
// Should be less than or equal to MaxConnections.
func MaxIdleConnections(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxIdleConnections = n
	})
}

// AcquireTimeout sets the per-operation acquisition timeout.
// Set to 0 to wait indefinitely (not recommended).
func AcquireTimeout(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.AcquireTimeout = d
	})
}

// ConnMaxLifetime sets the maximum connection lifetime.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxLifetime = d
	})
}

// ConnMaxIdleTime sets the maximum idle time for connections.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxIdleTime = d
	})
}

// WithPoolConfig replaces the whole config at once.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		*c = cfg
	})
}

// configurePool applies pool configuration to the underlying *sql.DB.
func configurePool(db *gorm.DB, cfg PoolConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return nil
}

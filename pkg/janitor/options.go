package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds janitor configuration.
type Config struct {
	// Interval is the fixed time between sweeps. Ignored when CronExpr
	// is set.
	Interval time.Duration

	// CronExpr optionally schedules sweeps with a standard cron
	// expression instead of a fixed interval.
	CronExpr string

	// CompletedRetention is how long Completed jobs are kept.
	// Default: 24 hours
	CompletedRetention time.Duration

	// DeadLetterRetention is how long DeadLettered jobs are kept.
	// Zero keeps them forever.
	DeadLetterRetention time.Duration

	schedule cron.Schedule
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		CompletedRetention: 24 * time.Hour,
	}
}

func (c *Config) validate() error {
	if c.CronExpr != "" {
		sched, err := cron.ParseStandard(c.CronExpr)
		if err != nil {
			return fmt.Errorf("janitor: invalid cron expression %q: %w", c.CronExpr, err)
		}
		c.schedule = sched
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("janitor: interval must be positive")
	}
	return nil
}

// nextTick computes when the sweep after now should run.
func (c *Config) nextTick(now time.Time) time.Time {
	if c.schedule != nil {
		return c.schedule.Next(now)
	}
	return now.Add(c.Interval)
}

// Option configures a Janitor.
type Option interface {
	applyJanitor(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) applyJanitor(c *Config) { f(c) }

// Interval sets a fixed sweep interval.
func Interval(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.Interval = d
	})
}

// CronSchedule sweeps on a standard cron expression instead of a fixed
// interval.
func CronSchedule(expr string) Option {
	return optionFunc(func(c *Config) {
		c.CronExpr = expr
	})
}

// CompletedRetention sets how long Completed jobs are kept.
func CompletedRetention(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.CompletedRetention = d
	})
}

// DeadLetterRetention sets how long DeadLettered jobs are kept.
// Zero keeps them forever.
func DeadLetterRetention(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.DeadLetterRetention = d
	})
}

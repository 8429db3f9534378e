package syncengine

import "time"

// Config controls the drain loop cadence and retry policy.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTTL     time.Duration
	PruneAfter  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 30 * time.Second,
		BatchSize:   50,
		MaxAttempts: 10,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
		LockTTL:     30 * time.Second,
		PruneAfter:  7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = defaults.PruneAfter
	}
	return c
}

// backoffFor returns base * 2^(attempt-1), capped.
func (c Config) backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		return c.BaseBackoff
	}
	delay := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if delay > c.MaxBackoff {
		return c.MaxBackoff
	}
	return delay
}

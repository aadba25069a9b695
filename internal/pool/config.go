package pool

import (
	"time"

	"github.com/koustreak/tsgate/internal/errs"
)

const (
	defaultMaxConnections = 8
	defaultIdleTimeout    = 5 * time.Minute
	defaultMaxLifetime    = 30 * time.Minute
)

// Config bounds one pool. Zero fields take the defaults, except
// AcquireTimeout: zero means Acquire waits until ctx is done.
type Config struct {
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// DefaultConfig returns the process-wide pool default.
func DefaultConfig() Config {
	return Config{
		MaxConnections: defaultMaxConnections,
		IdleTimeout:    defaultIdleTimeout,
		MaxLifetime:    defaultMaxLifetime,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	c.MaxConnections = withDefault(c.MaxConnections, defaultMaxConnections)
	c.IdleTimeout = withDefault(c.IdleTimeout, defaultIdleTimeout)
	c.MaxLifetime = withDefault(c.MaxLifetime, defaultMaxLifetime)
	return c
}

// Validate rejects negative bounds.
func (c Config) Validate() error {
	switch {
	case c.MaxConnections < 0:
		return errs.New(errs.ErrKindConfiguration, "pool max_connections must not be negative")
	case c.IdleTimeout < 0, c.MaxLifetime < 0, c.AcquireTimeout < 0:
		return errs.New(errs.ErrKindConfiguration, "pool durations must not be negative")
	}
	return nil
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault[T int | time.Duration](val, def T) T {
	if val == 0 {
		return def
	}
	return val
}

package manager

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxActiveInstances    = 100
	DefaultIdleTimeout           = 30 * time.Minute
	DefaultSweepInterval         = 5 * time.Minute
	DefaultRateLimitRPS          = 1.0
	DefaultMaxConcurrentRequests = 5
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultInitTimeout           = 30 * time.Second
)

// Option configures a Manager
type Option func(*Manager)

// WithMaxActiveInstances sets the cache capacity
func WithMaxActiveInstances(n int) Option {
	return func(m *Manager) { m.maxActive = n }
}

// WithIdleTimeout sets how long an instance may go unused before the sweep evicts it
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSweepInterval sets how often the idle sweep runs
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithDefaultRateLimit sets the rate used when a tenant's record has none
func WithDefaultRateLimit(rps float64) Option {
	return func(m *Manager) { m.defaults.RateLimitRPS = rps }
}

// WithDefaultMaxConcurrent sets the concurrency used when a tenant's record has none
func WithDefaultMaxConcurrent(n int) Option {
	return func(m *Manager) { m.defaults.MaxConcurrentRequests = n }
}

// WithShutdownTimeout bounds how long an instance teardown may take
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.shutdownTimeout = d }
}

// WithInitTimeout bounds a single instance initialization
func WithInitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.initTimeout = d }
}

// WithLogger sets the logger; the manager tags it with its component name
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces time.Now for idle accounting
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

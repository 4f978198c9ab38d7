// Package instance wraps one tenant's platform connections behind admission
// control: a semaphore bounding in-flight calls and a single-slot throttle
// bounding the call rate.
package instance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/monitoring"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
)

const defaultShutdownTimeout = 10 * time.Second

var (
	ErrNotInitialized    = errors.New("instance is not initialized")
	ErrInstanceClosed    = errors.New("instance is shut down")
	ErrTargetUnavailable = errors.New("tenant has no connection for target")
)

// Config holds everything needed to build an Instance
type Config struct {
	TenantID        string
	Secrets         model.Secrets
	Connections     platform.Connections
	Limits          model.ClientLimits
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
	// Now defaults to time.Now; the manager shares its clock for idle checks
	Now func() time.Time
}

// Instance is the runtime wrapper around a single tenant's connections
type Instance struct {
	tenantID        string
	conns           platform.Connections
	sem             *semaphore.Weighted
	maxConcurrent   int64
	limiter         *rate.Limiter
	shutdownTimeout time.Duration
	logger          zerolog.Logger
	now             func() time.Time

	initMu      sync.Mutex
	initialized atomic.Bool

	mu           sync.Mutex
	secrets      model.Secrets
	lastActivity time.Time
	closed       bool
	inflight     sync.WaitGroup
	active       atomic.Int64
}

// New creates an uninitialized instance
func New(cfg Config) *Instance {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	maxConcurrent := int64(cfg.Limits.MaxConcurrentRequests)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	inst := &Instance{
		tenantID:        cfg.TenantID,
		conns:           cfg.Connections,
		sem:             semaphore.NewWeighted(maxConcurrent),
		maxConcurrent:   maxConcurrent,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With().Str("component", "tenant_instance").Str("tenant_id", cfg.TenantID).Logger(),
		now:             cfg.Now,
		secrets:         cfg.Secrets,
		lastActivity:    cfg.Now(),
	}
	// Burst 1: one call may start per interval, no accumulated allowance
	if cfg.Limits.RateLimitRPS > 0 {
		inst.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.RateLimitRPS), 1)
	}
	return inst
}

// TenantID returns the owning tenant
func (i *Instance) TenantID() string { return i.tenantID }

// IsInitialized reports whether Initialize has succeeded
func (i *Instance) IsInitialized() bool { return i.initialized.Load() }

// InFlight returns the number of calls currently holding the semaphore
func (i *Instance) InFlight() int64 { return i.active.Load() }

// MaxConcurrent returns the semaphore capacity
func (i *Instance) MaxConcurrent() int64 { return i.maxConcurrent }

// LastActivity returns when the instance was last used
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastActivity = i.now()
	i.mu.Unlock()
}

// Initialize connects both underlying connections. It is a no-op once it has
// succeeded; a failed attempt leaves nothing connected.
func (i *Instance) Initialize(ctx context.Context) error {
	i.initMu.Lock()
	defer i.initMu.Unlock()

	if i.initialized.Load() {
		return nil
	}
	if i.isClosed() {
		return ErrInstanceClosed
	}

	if err := i.conns.Bot.Connect(ctx); err != nil {
		return &model.ConnectionError{TenantID: i.tenantID, Target: string(platform.TargetBot), Err: err}
	}
	if i.conns.Raw != nil {
		if err := i.conns.Raw.Connect(ctx); err != nil {
			i.closeConnection(platform.TargetBot, i.conns.Bot)
			return &model.ConnectionError{TenantID: i.tenantID, Target: string(platform.TargetRaw), Err: err}
		}
	}

	i.initialized.Store(true)
	i.touch()
	i.logger.Info().Bool("raw_client", i.conns.Raw != nil).Msg("Tenant instance initialized")
	return nil
}

// Execute admits the request through the semaphore and the throttle, then
// delegates it to the selected connection.
func (i *Instance) Execute(ctx context.Context, req platform.Request) (platform.Response, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return platform.Response{}, ErrInstanceClosed
	}
	i.inflight.Add(1)
	i.mu.Unlock()
	defer i.inflight.Done()

	if !i.initialized.Load() {
		return platform.Response{}, ErrNotInitialized
	}
	conn, err := i.connection(req.Target)
	if err != nil {
		return platform.Response{}, err
	}

	start := time.Now()
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return platform.Response{}, err
	}
	defer i.sem.Release(1)
	i.active.Add(1)
	defer i.active.Add(-1)

	if i.limiter != nil {
		waitStart := time.Now()
		if err := i.limiter.Wait(ctx); err != nil {
			return platform.Response{}, err
		}
		monitoring.ThrottleWait.Observe(time.Since(waitStart).Seconds())
	}

	i.touch()
	resp, err := conn.Invoke(ctx, req)

	status := "ok"
	if err != nil {
		status = "error"
	}
	monitoring.ExecuteDuration.WithLabelValues(string(req.Target), status).Observe(time.Since(start).Seconds())
	return resp, err
}

func (i *Instance) connection(target platform.Target) (platform.Connection, error) {
	switch target {
	case platform.TargetBot, "":
		return i.conns.Bot, nil
	case platform.TargetRaw:
		if i.conns.Raw != nil {
			return i.conns.Raw, nil
		}
	}
	return nil, ErrTargetUnavailable
}

func (i *Instance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Shutdown waits for in-flight calls (bounded by the shutdown timeout), then
// releases both connections. Failures are logged, never returned. Calling it
// more than once is a no-op.
func (i *Instance) Shutdown(ctx context.Context) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.secrets = model.Secrets{}
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, i.shutdownTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		i.logger.Warn().Int64("in_flight", i.active.Load()).Msg("Shutdown timeout reached with calls in flight")
	}

	i.initMu.Lock()
	defer i.initMu.Unlock()
	if !i.initialized.Load() {
		return
	}
	i.closeConnection(platform.TargetBot, i.conns.Bot)
	if i.conns.Raw != nil {
		i.closeConnection(platform.TargetRaw, i.conns.Raw)
	}
	i.initialized.Store(false)
	i.logger.Info().Msg("Tenant instance shut down")
}

// closeConnection gets its own timeout so an expired drain wait does not
// cut the close short
func (i *Instance) closeConnection(target platform.Target, conn platform.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), i.shutdownTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error().Interface("panic", r).Str("target", string(target)).Msg("Connection close panicked")
			monitoring.Alert("connection close panicked", map[string]string{"tenant_id": i.tenantID, "target": string(target)})
		}
	}()
	if err := conn.Close(ctx); err != nil {
		i.logger.Error().Err(err).Str("target", string(target)).Msg("Failed to close connection")
		monitoring.Alert("connection close failed", map[string]string{"tenant_id": i.tenantID, "target": string(target)})
	}
}

// Package manager owns the process-wide cache of tenant client instances.
// It creates instances lazily on first access, collapses concurrent first
// accesses into one initialization, bounds the number of live instances with
// an LRU policy and evicts instances that have gone idle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-client-manager/internal/instance"
	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/monitoring"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
)

var (
	ErrManagerStopped = errors.New("instance manager is stopped")
	ErrAlreadyStarted = errors.New("instance manager is already started")
)

// Repository is the part of the credential store the manager needs
type Repository interface {
	GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error)
	TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error
	LogAdminAction(ctx context.Context, action *model.AdminAction) error
}

// SecretOpener decrypts the sealed fields of a credential record
type SecretOpener interface {
	OpenSecrets(creds *model.TenantCredentials) (model.Secrets, error)
}

type slotState int

const (
	stateInitializing slotState = iota
	stateActive
	stateEvicted
)

// slot tracks one tenant from the first request until eviction. done is
// closed once initialization has produced inst or err.
type slot struct {
	tenantID string
	state    slotState
	inst     *instance.Instance
	err      error
	done     chan struct{}
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Active       int `json:"active"`
	Initializing int `json:"initializing"`
	Capacity     int `json:"capacity"`
}

// Manager maps tenant IDs to live client instances
type Manager struct {
	repo    Repository
	opener  SecretOpener
	factory platform.ConnectorFactory
	logger  zerolog.Logger
	now     func() time.Time

	maxActive       int
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	initTimeout     time.Duration
	defaults        model.ClientLimits

	mu       sync.Mutex
	active   *simplelru.LRU[string, *slot]
	pending  map[string]*slot
	started  bool
	stopped  bool
	stopOnce sync.Once

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	background  sync.WaitGroup
}

// New creates a manager. It does not start the idle sweep; call Start.
func New(repo Repository, opener SecretOpener, factory platform.ConnectorFactory, opts ...Option) (*Manager, error) {
	if repo == nil || opener == nil || factory == nil {
		return nil, errors.New("repository, secret opener and connector factory are required")
	}

	m := &Manager{
		repo:            repo,
		opener:          opener,
		factory:         factory,
		logger:          log.Logger,
		now:             time.Now,
		maxActive:       DefaultMaxActiveInstances,
		idleTimeout:     DefaultIdleTimeout,
		sweepInterval:   DefaultSweepInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		initTimeout:     DefaultInitTimeout,
		defaults: model.ClientLimits{
			RateLimitRPS:          DefaultRateLimitRPS,
			MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		},
		pending: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.maxActive < 1 {
		return nil, fmt.Errorf("max active instances must be positive, got %d", m.maxActive)
	}
	if m.idleTimeout <= 0 || m.sweepInterval <= 0 {
		return nil, errors.New("idle timeout and sweep interval must be positive")
	}

	lru, err := simplelru.NewLRU[string, *slot](m.maxActive, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance cache: %w", err)
	}
	m.active = lru
	m.logger = m.logger.With().Str("component", "instance_manager").Logger()
	return m, nil
}

// GetInstance returns the tenant's live instance, creating and initializing
// it on first access. Concurrent first accesses share one initialization and
// all receive its result.
//
// The instance stays owned by the manager and may be evicted at any point
// after it is returned. Calls on an evicted instance fail with
// instance.ErrInstanceClosed; callers holding on to an instance should call
// GetInstance again when they see it.
func (m *Manager) GetInstance(ctx context.Context, tenantID string) (*instance.Instance, error) {
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return nil, ErrManagerStopped
		}
		if s, ok := m.active.Get(tenantID); ok {
			m.mu.Unlock()
			monitoring.CacheLookups.WithLabelValues("hit").Inc()
			return s.inst, nil
		}

		s, joined := m.pending[tenantID]
		if !joined {
			s = &slot{tenantID: tenantID, state: stateInitializing, done: make(chan struct{})}
			m.pending[tenantID] = s
			m.background.Add(1)
			go m.initialize(ctx, s)
		}
		m.mu.Unlock()

		if joined {
			monitoring.CacheLookups.WithLabelValues("joined").Inc()
		} else {
			monitoring.CacheLookups.WithLabelValues("miss").Inc()
		}

		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}

		m.mu.Lock()
		state := s.state
		m.mu.Unlock()
		if state == stateActive {
			return s.inst, nil
		}
		// Evicted between initialization and our wake-up; go around again
	}
}

// initialize runs detached from the first caller's cancellation so that a
// caller giving up does not fail everyone else waiting on the slot
func (m *Manager) initialize(ctx context.Context, s *slot) {
	defer m.background.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.initTimeout)
	defer cancel()

	start := time.Now()
	inst, err := m.build(ctx, s.tenantID)

	var overflow *slot
	m.mu.Lock()
	delete(m.pending, s.tenantID)
	if err == nil && m.stopped {
		err = ErrManagerStopped
	}
	if err == nil {
		if m.active.Len() >= m.maxActive {
			if _, oldest, ok := m.active.RemoveOldest(); ok {
				oldest.state = stateEvicted
				overflow = oldest
			}
		}
		s.state = stateActive
		s.inst = inst
		m.active.Add(s.tenantID, s)
	} else {
		s.state = stateEvicted
		s.err = err
	}
	monitoring.ActiveInstances.Set(float64(m.active.Len()))
	close(s.done)
	m.mu.Unlock()

	logger := m.logger.With().Str("tenant_id", s.tenantID).Logger()
	if err != nil {
		monitoring.Initializations.WithLabelValues("failed").Inc()
		if inst != nil {
			inst.Shutdown(context.Background())
		}
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Failed to initialize tenant instance")
		return
	}
	monitoring.Initializations.WithLabelValues("success").Inc()
	logger.Info().Dur("duration", time.Since(start)).Msg("Tenant instance ready")

	if overflow != nil {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			m.teardown(context.Background(), overflow, "lru")
		}()
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.touchLastUsed(s.tenantID)
	}()
}

func (m *Manager) build(ctx context.Context, tenantID string) (*instance.Instance, error) {
	creds, err := m.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, &model.NotFoundError{TenantID: tenantID}
	}
	if !creds.Status.Usable() {
		return nil, &model.ForbiddenError{TenantID: tenantID, Status: creds.Status}
	}

	secrets, err := m.opener.OpenSecrets(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for tenant %s: %w", tenantID, err)
	}

	conns, err := m.factory(tenantID, secrets, m.logger)
	if err != nil {
		return nil, &model.ConnectionError{TenantID: tenantID, Target: "setup", Err: err}
	}

	inst := instance.New(instance.Config{
		TenantID:        tenantID,
		Secrets:         secrets,
		Connections:     conns,
		Limits:          creds.Limits(m.defaults),
		ShutdownTimeout: m.shutdownTimeout,
		Logger:          m.logger,
		Now:             m.now,
	})
	if err := inst.Initialize(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *Manager) touchLastUsed(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.TouchLastUsed(ctx, tenantID, m.now()); err != nil {
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to record last use")
	}
}

// AdminAccess audits an administrator's access to a tenant and then hands out
// the tenant's instance. Exactly one record is written per call, whatever the
// outcome of the lookup. If the record cannot be written no instance is
// returned.
func (m *Manager) AdminAccess(ctx context.Context, adminID, tenantID string) (*instance.Instance, error) {
	action := model.NewAdminAction(adminID, tenantID, model.ActionAdminAccess, nil)
	if err := m.repo.LogAdminAction(ctx, action); err != nil {
		monitoring.AdminAccesses.WithLabelValues("audit_failed").Inc()
		m.logger.Error().Err(err).Str("admin_id", adminID).Str("tenant_id", tenantID).Msg("Failed to record admin access")
		return nil, err
	}

	inst, err := m.GetInstance(ctx, tenantID)
	if err != nil {
		monitoring.AdminAccesses.WithLabelValues("denied").Inc()
		m.logger.Warn().Err(err).Str("admin_id", adminID).Str("tenant_id", tenantID).Msg("Admin access failed")
		return nil, err
	}
	monitoring.AdminAccesses.WithLabelValues("granted").Inc()
	m.logger.Info().Str("admin_id", adminID).Str("tenant_id", tenantID).Msg("Admin access granted")
	return inst, nil
}

// Evict removes the tenant's instance from the cache and shuts it down. A
// pending initialization is waited for first. It reports whether an instance
// was evicted.
func (m *Manager) Evict(ctx context.Context, tenantID string) bool {
	for {
		m.mu.Lock()
		if s, ok := m.pending[tenantID]; ok {
			m.mu.Unlock()
			select {
			case <-s.done:
				continue
			case <-ctx.Done():
				return false
			}
		}

		s, ok := m.active.Peek(tenantID)
		if !ok {
			m.mu.Unlock()
			return false
		}
		m.active.Remove(tenantID)
		s.state = stateEvicted
		monitoring.ActiveInstances.Set(float64(m.active.Len()))
		m.mu.Unlock()

		m.teardown(ctx, s, "explicit")
		return true
	}
}

// Sweep evicts every instance idle for longer than the idle timeout and
// returns how many were evicted. Instances with calls in flight are skipped.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var idle []*slot
	for _, id := range m.active.Keys() {
		s, ok := m.active.Peek(id)
		if !ok {
			continue
		}
		if s.inst.InFlight() > 0 || now.Sub(s.inst.LastActivity()) <= m.idleTimeout {
			continue
		}
		m.active.Remove(id)
		s.state = stateEvicted
		idle = append(idle, s)
	}
	monitoring.ActiveInstances.Set(float64(m.active.Len()))
	m.mu.Unlock()

	for _, s := range idle {
		m.teardown(ctx, s, "idle")
	}
	if len(idle) > 0 {
		m.logger.Info().Int("evicted", len(idle)).Msg("Idle sweep completed")
	}
	return len(idle)
}

// Start launches the periodic idle sweep
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	go m.sweepLoop(sweepCtx)

	m.logger.Info().
		Int("max_active", m.maxActive).
		Dur("idle_timeout", m.idleTimeout).
		Dur("sweep_interval", m.sweepInterval).
		Msg("Instance manager started")
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stop cancels the sweep and shuts down every cached instance. Later calls to
// GetInstance fail with ErrManagerStopped.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		err = m.stop(ctx)
	})
	return err
}

func (m *Manager) stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	cancel, sweepDone := m.sweepCancel, m.sweepDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-sweepDone:
		case <-ctx.Done():
			return fmt.Errorf("waiting for idle sweep: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	var all []*slot
	for _, id := range m.active.Keys() {
		if s, ok := m.active.Peek(id); ok {
			s.state = stateEvicted
			all = append(all, s)
		}
	}
	m.active.Purge()
	monitoring.ActiveInstances.Set(0)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			m.teardown(ctx, s, "stop")
		}(s)
	}
	wg.Wait()

	// Pending initializations see stopped and discard their instance
	drained := make(chan struct{})
	go func() {
		m.background.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for background work: %w", ctx.Err())
	}

	m.logger.Info().Int("shut_down", len(all)).Msg("Instance manager stopped")
	return nil
}

// teardown shuts an instance down after it has been removed from the cache.
// The instance logs and alerts on its own close failures.
func (m *Manager) teardown(ctx context.Context, s *slot, reason string) {
	s.inst.Shutdown(ctx)
	monitoring.Evictions.WithLabelValues(reason).Inc()
	m.logger.Info().Str("tenant_id", s.tenantID).Str("reason", reason).Msg("Tenant instance evicted")
}

// Stats returns the current cache occupancy
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:       m.active.Len(),
		Initializing: len(m.pending),
		Capacity:     m.maxActive,
	}
}

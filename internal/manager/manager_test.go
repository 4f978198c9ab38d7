package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/tenant-client-manager/internal/crypto"
	"github.com/teresa-solution/tenant-client-manager/internal/instance"
	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
	"github.com/teresa-solution/tenant-client-manager/internal/platform/platformtest"
	"github.com/teresa-solution/tenant-client-manager/internal/store"
)

var testKey = []byte("32-byte-key-for-aes-encryption!!")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingRepository wraps a memory repository and fails selected calls
type failingRepository struct {
	*store.MemoryRepository
	getErr   error
	auditErr error
}

func (r *failingRepository) GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.MemoryRepository.GetByTenant(ctx, tenantID)
}

func (r *failingRepository) LogAdminAction(ctx context.Context, action *model.AdminAction) error {
	if r.auditErr != nil {
		return r.auditErr
	}
	return r.MemoryRepository.LogAdminAction(ctx, action)
}

func platformRequest(method string) platform.Request {
	return platform.Request{Target: platform.TargetBot, Method: method}
}

type testEnv struct {
	repo    *failingRepository
	cipher  *crypto.Cipher
	factory *platformtest.Factory
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cipher, err := crypto.NewCipher(testKey)
	require.NoError(t, err)
	return &testEnv{
		repo:    &failingRepository{MemoryRepository: store.NewMemoryRepository()},
		cipher:  cipher,
		factory: &platformtest.Factory{},
		clock:   newFakeClock(),
	}
}

func (e *testEnv) addTenant(t *testing.T, tenantID string, status model.Status) {
	t.Helper()
	sealed, err := e.cipher.SealSecrets(model.Secrets{PrimaryToken: "token-" + tenantID})
	require.NoError(t, err)
	creds := &model.TenantCredentials{TenantID: tenantID, Status: status}
	creds.Seal(sealed)
	require.NoError(t, e.repo.Create(context.Background(), creds))
}

func (e *testEnv) newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithClock(e.clock.Now)}, opts...)
	m, err := New(e.repo, e.cipher, e.factory.Build, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(nil, env.cipher, env.factory.Build)
	assert.Error(t, err)

	_, err = New(env.repo, env.cipher, env.factory.Build, WithMaxActiveInstances(0))
	assert.Error(t, err)

	_, err = New(env.repo, env.cipher, env.factory.Build, WithIdleTimeout(0))
	assert.Error(t, err)
}

// lockedBuffer collects log output written from several goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_WithLogger(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	out := &lockedBuffer{}
	m := env.newManager(t, WithLogger(zerolog.New(out)))
	ctx := context.Background()

	_, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	require.True(t, m.Evict(ctx, "t1"))

	logs := out.String()
	assert.Contains(t, logs, `"component":"instance_manager"`)
	assert.Contains(t, logs, "Tenant instance evicted")
}

func TestGetInstance_CreatesAndCaches(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	m := env.newManager(t)
	ctx := context.Background()

	first, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, first.IsInitialized())
	assert.Equal(t, "t1", first.TenantID())
	assert.Equal(t, "token-t1", env.factory.Secrets("t1").PrimaryToken)

	second, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, env.factory.Connects("t1"))

	// Last use is recorded in the background
	assert.Eventually(t, func() bool {
		creds, err := env.repo.GetByTenant(ctx, "t1")
		return err == nil && creds.LastUsedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestGetInstance_PendingIsUsable(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusPending)
	m := env.newManager(t)

	inst, err := m.GetInstance(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestGetInstance_ConcurrentFirstAccessInitializesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.ConnectDelay = 100 * time.Millisecond
	}
	m := env.newManager(t)

	const callers = 10
	results := make([]*instance.Instance, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := m.GetInstance(context.Background(), "t1")
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}
	wg.Wait()

	assert.Len(t, env.factory.Built("t1"), 1)
	assert.Equal(t, 1, env.factory.Connects("t1"))
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, Stats{Active: 1, Initializing: 0, Capacity: DefaultMaxActiveInstances}, m.Stats())
}

func TestGetInstance_ConcurrentFailureSharedByAllCallers(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	cause := errors.New("dial tcp: connection refused")
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.ConnectDelay = 50 * time.Millisecond
		bot.ConnectErr = cause
	}
	m := env.newManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetInstance(context.Background(), "t1")
			assert.ErrorIs(t, err, model.ErrConnection)
			assert.ErrorIs(t, err, cause)
		}()
	}
	wg.Wait()
	assert.Len(t, env.factory.Built("t1"), 1)
}

func TestGetInstance_LRUEviction(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		env.addTenant(t, id, model.StatusActive)
	}
	m := env.newManager(t, WithMaxActiveInstances(2))
	ctx := context.Background()

	held, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	for _, id := range []string{"t2", "t3"} {
		_, err := m.GetInstance(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Stats().Active)

	// t1 was least recently used and gets torn down in the background
	evicted := env.factory.Built("t1")[0]
	assert.Eventually(t, func() bool {
		return evicted.Bot.Closes.Load() == 1 && evicted.Raw.Closes.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// A caller still holding the evicted instance is told to look it up again
	_, err = held.Execute(ctx, platformRequest("getMe"))
	assert.ErrorIs(t, err, instance.ErrInstanceClosed)

	// t2 and t3 are still cached
	_, err = m.GetInstance(ctx, "t2")
	require.NoError(t, err)
	_, err = m.GetInstance(ctx, "t3")
	require.NoError(t, err)
	assert.Len(t, env.factory.Built("t2"), 1)
	assert.Len(t, env.factory.Built("t3"), 1)

	// t1 comes back as a fresh instance
	fresh, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	assert.NotSame(t, held, fresh)
	_, err = fresh.Execute(ctx, platformRequest("getMe"))
	assert.NoError(t, err)
	assert.Len(t, env.factory.Built("t1"), 2)
	assert.LessOrEqual(t, m.Stats().Active, 2)
}

func TestGetInstance_LRUFollowsRecency(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		env.addTenant(t, id, model.StatusActive)
	}
	m := env.newManager(t, WithMaxActiveInstances(2))
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t1", "t3"} {
		_, err := m.GetInstance(ctx, id)
		require.NoError(t, err)
	}

	evicted := env.factory.Built("t2")[0]
	assert.Eventually(t, func() bool {
		return evicted.Bot.Closes.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), env.factory.Built("t1")[0].Bot.Closes.Load())
}

func TestGetInstance_NotFound(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	_, err := m.GetInstance(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)

	var nf *model.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ghost", nf.TenantID)
	assert.Empty(t, env.factory.Built("ghost"))
}

func TestGetInstance_ForbiddenStatuses(t *testing.T) {
	for _, status := range []model.Status{model.StatusSuspended, model.StatusRateLimited, model.StatusError} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			env.addTenant(t, "t1", status)
			m := env.newManager(t)

			_, err := m.GetInstance(context.Background(), "t1")
			require.Error(t, err)

			var forbidden *model.ForbiddenError
			require.True(t, errors.As(err, &forbidden))
			assert.Equal(t, status, forbidden.Status)
			assert.ErrorIs(t, err, model.ErrForbidden)
			assert.Empty(t, env.factory.Built("t1"))
		})
	}
}

func TestGetInstance_ConnectionErrorClearsGuard(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	builds := 0
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		builds++
		if builds == 1 {
			raw.ConnectErr = errors.New("auth key unregistered")
		}
	}
	m := env.newManager(t)
	ctx := context.Background()

	_, err := m.GetInstance(ctx, "t1")
	var connErr *model.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "raw", connErr.Target)
	assert.Equal(t, Stats{Capacity: DefaultMaxActiveInstances}, m.Stats())

	inst, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, inst.IsInitialized())
	assert.Len(t, env.factory.Built("t1"), 2)
}

func TestGetInstance_FactoryErrorIsConnectionError(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.factory.Err = errors.New("primary token is required")
	m := env.newManager(t)

	_, err := m.GetInstance(context.Background(), "t1")
	assert.ErrorIs(t, err, model.ErrConnection)
}

func TestGetInstance_RepositoryErrorPassesThrough(t *testing.T) {
	env := newTestEnv(t)
	cause := errors.New("connection pool exhausted")
	env.repo.getErr = cause
	m := env.newManager(t)

	_, err := m.GetInstance(context.Background(), "t1")
	assert.Equal(t, cause, err)
}

func TestGetInstance_DecryptFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.Create(context.Background(), &model.TenantCredentials{
		TenantID:     "t1",
		PrimaryToken: []byte("not a ciphertext"),
		Status:       model.StatusActive,
	}))
	m := env.newManager(t)

	_, err := m.GetInstance(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t1")
	assert.NotErrorIs(t, err, model.ErrConnection)
}

func TestGetInstance_LimitsFromRecord(t *testing.T) {
	env := newTestEnv(t)
	sealed, err := env.cipher.SealSecrets(model.Secrets{PrimaryToken: "token"})
	require.NoError(t, err)
	creds := &model.TenantCredentials{TenantID: "custom", Status: model.StatusActive, MaxConcurrentRequests: 7}
	creds.Seal(sealed)
	require.NoError(t, env.repo.Create(context.Background(), creds))
	env.addTenant(t, "default", model.StatusActive)

	m := env.newManager(t, WithDefaultMaxConcurrent(3))

	custom, err := m.GetInstance(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, int64(7), custom.MaxConcurrent())

	def, err := m.GetInstance(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int64(3), def.MaxConcurrent())
}

func TestGetInstance_CallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.ConnectDelay = 200 * time.Millisecond
	}
	m := env.newManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetInstance(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The initialization carries on for the next caller
	inst, err := m.GetInstance(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, inst.IsInitialized())
	assert.Len(t, env.factory.Built("t1"), 1)
}

func TestAdminAccess_RecordsExactlyOneAction(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.addTenant(t, "t2", model.StatusSuspended)
	m := env.newManager(t)
	ctx := context.Background()

	inst, err := m.AdminAccess(ctx, "admin-1", "t1")
	require.NoError(t, err)
	assert.NotNil(t, inst)

	actions, err := env.repo.ListAdminActions(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "admin-1", actions[0].AdminID)
	assert.Equal(t, model.ActionAdminAccess, actions[0].Action)

	// Failed access is audited too
	_, err = m.AdminAccess(ctx, "admin-1", "t2")
	assert.ErrorIs(t, err, model.ErrForbidden)
	actions, err = env.repo.ListAdminActions(ctx, "t2", 10)
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	_, err = m.AdminAccess(ctx, "admin-1", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	actions, err = env.repo.ListAdminActions(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestAdminAccess_AuditFailureDeniesAccess(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	cause := errors.New("admin_actions: insert failed")
	env.repo.auditErr = cause
	m := env.newManager(t)

	inst, err := m.AdminAccess(context.Background(), "admin-1", "t1")
	assert.Nil(t, inst)
	assert.Equal(t, cause, err)
	assert.Empty(t, env.factory.Built("t1"))
}

func TestEvict(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	m := env.newManager(t)
	ctx := context.Background()

	_, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)

	assert.True(t, m.Evict(ctx, "t1"))
	pair := env.factory.Built("t1")[0]
	assert.Equal(t, int32(1), pair.Bot.Closes.Load())
	assert.Equal(t, int32(1), pair.Raw.Closes.Load())
	assert.Equal(t, 0, m.Stats().Active)

	assert.False(t, m.Evict(ctx, "t1"))
	assert.False(t, m.Evict(ctx, "never-seen"))
}

func TestEvict_WaitsForInitialization(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.ConnectDelay = 100 * time.Millisecond
	}
	m := env.newManager(t)
	ctx := context.Background()

	got := make(chan error, 1)
	go func() {
		_, err := m.GetInstance(ctx, "t1")
		got <- err
	}()
	require.Eventually(t, func() bool { return m.Stats().Initializing == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, m.Evict(ctx, "t1"))
	assert.Equal(t, 0, m.Stats().Active)
	assert.Equal(t, int32(1), env.factory.Built("t1")[0].Bot.Closes.Load())

	require.NoError(t, <-got)
}

func TestEvict_SuspendedTenantIsForbiddenAfterwards(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	m := env.newManager(t)
	ctx := context.Background()

	_, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)

	creds, err := env.repo.GetByTenant(ctx, "t1")
	require.NoError(t, err)
	creds.Status = model.StatusSuspended
	require.NoError(t, env.repo.Update(ctx, creds))
	require.True(t, m.Evict(ctx, "t1"))

	_, err = m.GetInstance(ctx, "t1")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestSweep_EvictsOnlyAfterIdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.addTenant(t, "t2", model.StatusActive)
	m := env.newManager(t, WithIdleTimeout(30*time.Minute))
	ctx := context.Background()

	_, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)

	env.clock.Advance(20 * time.Minute)
	t2, err := m.GetInstance(ctx, "t2")
	require.NoError(t, err)
	_, err = t2.Execute(ctx, platformRequest("getMe"))
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, m.Sweep(ctx), "exactly at the timeout nothing is idle yet")

	env.clock.Advance(time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, int32(1), env.factory.Built("t1")[0].Bot.Closes.Load())
	assert.Equal(t, int32(0), env.factory.Built("t2")[0].Bot.Closes.Load())

	env.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, 0, m.Stats().Active)
}

func TestSweep_SkipsInstancesWithCallsInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	block := make(chan struct{})
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.Block = block
	}
	m := env.newManager(t, WithIdleTimeout(time.Minute), WithDefaultRateLimit(0))
	ctx := context.Background()

	inst, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inst.Execute(ctx, platformRequest("getMe"))
	}()
	require.Eventually(t, func() bool { return inst.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(ctx))

	close(block)
	<-done
	assert.Equal(t, 1, m.Sweep(ctx))
}

func TestStart_RunsPeriodicSweep(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	m := env.newManager(t, WithIdleTimeout(time.Minute), WithSweepInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyStarted)

	_, err := m.GetInstance(ctx, "t1")
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool { return m.Stats().Active == 0 }, time.Second, 10*time.Millisecond)
}

func TestStop_ShutsDownEverything(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.addTenant(t, fmt.Sprintf("t%d", i), model.StatusActive)
	}
	m := env.newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	for i := 0; i < 3; i++ {
		_, err := m.GetInstance(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, m.Stop(ctx))
	for i := 0; i < 3; i++ {
		pair := env.factory.Built(fmt.Sprintf("t%d", i))[0]
		assert.Equal(t, int32(1), pair.Bot.Closes.Load())
	}
	assert.Equal(t, 0, m.Stats().Active)

	_, err := m.GetInstance(ctx, "t0")
	assert.ErrorIs(t, err, ErrManagerStopped)
	assert.ErrorIs(t, m.Start(ctx), ErrManagerStopped)
	assert.NoError(t, m.Stop(ctx))
}

func TestStop_DiscardsPendingInitialization(t *testing.T) {
	env := newTestEnv(t)
	env.addTenant(t, "t1", model.StatusActive)
	env.factory.Configure = func(tenantID string, bot, raw *platformtest.Connection) {
		bot.ConnectDelay = 100 * time.Millisecond
	}
	m := env.newManager(t)

	got := make(chan error, 1)
	go func() {
		_, err := m.GetInstance(context.Background(), "t1")
		got <- err
	}()
	require.Eventually(t, func() bool { return m.Stats().Initializing == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	assert.ErrorIs(t, <-got, ErrManagerStopped)
	assert.Equal(t, int32(1), env.factory.Built("t1")[0].Bot.Closes.Load())
}

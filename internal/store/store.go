package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

var (
	ErrNotFound      = errors.New("tenant credentials not found")
	ErrAlreadyExists = errors.New("tenant credentials already exist")
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Page selects a window of a listing
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Repository persists tenant credentials and the admin audit log.
// GetByTenant returns (nil, nil) when a tenant has no record.
type Repository interface {
	GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error)
	Create(ctx context.Context, creds *model.TenantCredentials) error
	Update(ctx context.Context, creds *model.TenantCredentials) error
	Delete(ctx context.Context, tenantID string) error
	ListAll(ctx context.Context, status *model.Status, page Page) ([]*model.TenantCredentials, error)
	TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error
	LogAdminAction(ctx context.Context, action *model.AdminAction) error
	ListAdminActions(ctx context.Context, tenantID string, limit int) ([]*model.AdminAction, error)
	Close() error
}

type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// CachedRepository puts a Redis read-through cache in front of another
// Repository. Only the encrypted record is cached.
//
// Every write bumps a per-tenant generation. A load only fills the cache if
// no write happened since it started, so a read racing an Update cannot put
// the old record back after the invalidation.
type CachedRepository struct {
	Repository
	redis  RedisClient
	ttl    time.Duration
	group  singleflight.Group
	logger zerolog.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

// NewCachedRepository wraps inner with a Redis cache
func NewCachedRepository(inner Repository, rdb RedisClient, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRepository{
		Repository:  inner,
		redis:       rdb,
		ttl:         ttl,
		logger:      logger.With().Str("component", "credential_cache").Logger(),
		generations: make(map[string]uint64),
	}
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("tenant_credentials:%s", tenantID)
}

// GetByTenant checks Redis first; concurrent misses for one tenant share a
// single load from the inner repository.
func (r *CachedRepository) GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	key := cacheKey(tenantID)
	cached, err := r.redis.Get(ctx, key).Result()
	if err == nil {
		creds := &model.TenantCredentials{}
		if err := json.Unmarshal([]byte(cached), creds); err == nil {
			return creds, nil
		}
		r.logger.Warn().Str("tenant_id", tenantID).Msg("Discarding undecodable cache entry")
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Credential cache read failed")
	}

	// Readers arriving after a write never join a load that started before it
	gen := r.generation(tenantID)
	v, err, _ := r.group.Do(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		creds, err := r.Repository.GetByTenant(ctx, tenantID)
		if err != nil || creds == nil {
			return creds, err
		}
		if data, err := json.Marshal(creds); err == nil {
			r.fill(ctx, tenantID, gen, data)
		}
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	creds, _ := v.(*model.TenantCredentials)
	if creds == nil {
		return nil, nil
	}
	// Callers of a shared load each get their own copy
	c := *creds
	return &c, nil
}

func (r *CachedRepository) generation(tenantID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[tenantID]
}

// fill caches a loaded record unless the tenant was written since gen.
// The check and the write hold the lock that guards the generation bump, so
// any entry written here is removed by the next invalidation.
func (r *CachedRepository) fill(ctx context.Context, tenantID string, gen uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generations[tenantID] != gen {
		r.logger.Debug().Str("tenant_id", tenantID).Msg("Skipping cache fill for a record written during the load")
		return
	}
	if err := r.redis.SetEx(ctx, cacheKey(tenantID), data, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Credential cache write failed")
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, tenantID string) {
	r.mu.Lock()
	r.generations[tenantID]++
	r.mu.Unlock()
	if err := r.redis.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Credential cache invalidation failed")
	}
}

func (r *CachedRepository) Create(ctx context.Context, creds *model.TenantCredentials) error {
	if err := r.Repository.Create(ctx, creds); err != nil {
		return err
	}
	r.invalidate(ctx, creds.TenantID)
	return nil
}

func (r *CachedRepository) Update(ctx context.Context, creds *model.TenantCredentials) error {
	if err := r.Repository.Update(ctx, creds); err != nil {
		return err
	}
	r.invalidate(ctx, creds.TenantID)
	return nil
}

func (r *CachedRepository) Delete(ctx context.Context, tenantID string) error {
	if err := r.Repository.Delete(ctx, tenantID); err != nil {
		return err
	}
	r.invalidate(ctx, tenantID)
	return nil
}

func (r *CachedRepository) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	if err := r.Repository.TouchLastUsed(ctx, tenantID, at); err != nil {
		return err
	}
	r.invalidate(ctx, tenantID)
	return nil
}

// Close closes the inner repository and the Redis client
func (r *CachedRepository) Close() error {
	err := r.Repository.Close()
	if rerr := r.redis.Close(); err == nil {
		err = rerr
	}
	return err
}

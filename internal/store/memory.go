package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

// MemoryRepository keeps credentials in process memory. It backs local runs
// without a database and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	creds   map[string]*model.TenantCredentials
	actions []*model.AdminAction
	now     func() time.Time
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		creds: make(map[string]*model.TenantCredentials),
		now:   time.Now,
	}
}

func cloneCredentials(c *model.TenantCredentials) *model.TenantCredentials {
	out := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

func (r *MemoryRepository) GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[tenantID]
	if !ok {
		return nil, nil
	}
	return cloneCredentials(c), nil
}

func (r *MemoryRepository) Create(ctx context.Context, creds *model.TenantCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[creds.TenantID]; ok {
		return ErrAlreadyExists
	}
	if creds.Status == "" {
		creds.Status = model.StatusPending
	}
	creds.CreatedAt = r.now()
	creds.UpdatedAt = creds.CreatedAt
	r.creds[creds.TenantID] = cloneCredentials(creds)
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, creds *model.TenantCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.creds[creds.TenantID]
	if !ok {
		return ErrNotFound
	}
	creds.CreatedAt = existing.CreatedAt
	creds.CreatedBy = existing.CreatedBy
	creds.LastUsedAt = existing.LastUsedAt
	creds.UpdatedAt = r.now()
	r.creds[creds.TenantID] = cloneCredentials(creds)
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[tenantID]; !ok {
		return ErrNotFound
	}
	delete(r.creds, tenantID)
	return nil
}

func (r *MemoryRepository) ListAll(ctx context.Context, status *model.Status, page Page) ([]*model.TenantCredentials, error) {
	page = page.normalize()

	r.mu.RLock()
	ids := make([]string, 0, len(r.creds))
	for id, c := range r.creds {
		if status == nil || c.Status == *status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*model.TenantCredentials
	for i := page.Offset; i < len(ids) && len(out) < page.Limit; i++ {
		out = append(out, cloneCredentials(r.creds[ids[i]]))
	}
	r.mu.RUnlock()
	return out, nil
}

func (r *MemoryRepository) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.creds[tenantID]; ok {
		c.LastUsedAt = &at
	}
	return nil
}

func (r *MemoryRepository) LogAdminAction(ctx context.Context, action *model.AdminAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *action
	r.actions = append(r.actions, &a)
	return nil
}

// ListAdminActions returns the newest audit records for a tenant
func (r *MemoryRepository) ListAdminActions(ctx context.Context, tenantID string, limit int) ([]*model.AdminAction, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.AdminAction
	for i := len(r.actions) - 1; i >= 0 && len(out) < limit; i-- {
		if r.actions[i].TargetTenantID == tenantID {
			a := *r.actions[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

const uniqueViolation = "23505"

// PostgresRepository handles database operations for tenant credentials
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a connection pool and verifies it
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// NewPostgresRepositoryFromPool wraps an existing pool
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const credentialColumns = `tenant_id, primary_token, protocol_api_id, protocol_api_hash, phone, session_blob,
	status, is_verified, rate_limit_rps, max_concurrent_requests,
	created_at, updated_at, last_used_at, created_by, managed_by_admin`

func scanCredentials(row pgx.Row) (*model.TenantCredentials, error) {
	c := &model.TenantCredentials{}
	var status string
	err := row.Scan(
		&c.TenantID, &c.PrimaryToken, &c.ProtocolAPIID, &c.ProtocolAPIHash, &c.Phone, &c.SessionBlob,
		&status, &c.IsVerified, &c.RateLimitRPS, &c.MaxConcurrentRequests,
		&c.CreatedAt, &c.UpdatedAt, &c.LastUsedAt, &c.CreatedBy, &c.ManagedByAdmin,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	return c, nil
}

// Create inserts a new credentials record
func (r *PostgresRepository) Create(ctx context.Context, creds *model.TenantCredentials) error {
	query := `
		INSERT INTO tenant_credentials (tenant_id, primary_token, protocol_api_id, protocol_api_hash, phone, session_blob,
			status, is_verified, rate_limit_rps, max_concurrent_requests, created_at, updated_at, created_by, managed_by_admin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now(), $11, $12)
		RETURNING created_at, updated_at
	`
	if creds.Status == "" {
		creds.Status = model.StatusPending
	}
	err := r.pool.QueryRow(ctx, query,
		creds.TenantID, creds.PrimaryToken, creds.ProtocolAPIID, creds.ProtocolAPIHash, creds.Phone, creds.SessionBlob,
		string(creds.Status), creds.IsVerified, creds.RateLimitRPS, creds.MaxConcurrentRequests,
		creds.CreatedBy, creds.ManagedByAdmin,
	).Scan(&creds.CreatedAt, &creds.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

// GetByTenant retrieves the credentials of a tenant
func (r *PostgresRepository) GetByTenant(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	query := `SELECT ` + credentialColumns + ` FROM tenant_credentials WHERE tenant_id = $1`
	creds, err := scanCredentials(r.pool.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Update rewrites the mutable fields of a credentials record
func (r *PostgresRepository) Update(ctx context.Context, creds *model.TenantCredentials) error {
	query := `
		UPDATE tenant_credentials
		SET primary_token = $2, protocol_api_id = $3, protocol_api_hash = $4, phone = $5, session_blob = $6,
			status = $7, is_verified = $8, rate_limit_rps = $9, max_concurrent_requests = $10,
			managed_by_admin = $11, updated_at = now()
		WHERE tenant_id = $1
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		creds.TenantID, creds.PrimaryToken, creds.ProtocolAPIID, creds.ProtocolAPIHash, creds.Phone, creds.SessionBlob,
		string(creds.Status), creds.IsVerified, creds.RateLimitRPS, creds.MaxConcurrentRequests,
		creds.ManagedByAdmin,
	).Scan(&creds.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Delete removes a credentials record
func (r *PostgresRepository) Delete(ctx context.Context, tenantID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tenant_credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAll returns credentials ordered by tenant, optionally filtered by status
func (r *PostgresRepository) ListAll(ctx context.Context, status *model.Status, page Page) ([]*model.TenantCredentials, error) {
	page = page.normalize()

	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		query := `SELECT ` + credentialColumns + ` FROM tenant_credentials WHERE status = $1 ORDER BY tenant_id LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, query, string(*status), page.Limit, page.Offset)
	} else {
		query := `SELECT ` + credentialColumns + ` FROM tenant_credentials ORDER BY tenant_id LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, query, page.Limit, page.Offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TenantCredentials
	for rows.Next() {
		creds, err := scanCredentials(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, creds)
	}
	return out, rows.Err()
}

// TouchLastUsed records when a tenant's instance was last created
func (r *PostgresRepository) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE tenant_credentials SET last_used_at = $2 WHERE tenant_id = $1`, tenantID, at)
	return err
}

// LogAdminAction appends one audit record
func (r *PostgresRepository) LogAdminAction(ctx context.Context, action *model.AdminAction) error {
	detailsJSON, err := json.Marshal(action.Details)
	if err != nil {
		return err
	}

	query := `INSERT INTO admin_actions (id, admin_id, target_tenant_id, action, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.pool.Exec(ctx, query, action.ID, action.AdminID, action.TargetTenantID, action.Action, detailsJSON, action.Timestamp)
	return err
}

// ListAdminActions returns the newest audit records for a tenant
func (r *PostgresRepository) ListAdminActions(ctx context.Context, tenantID string, limit int) ([]*model.AdminAction, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	query := `
		SELECT id, admin_id, target_tenant_id, action, details, created_at
		FROM admin_actions
		WHERE target_tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AdminAction
	for rows.Next() {
		a := &model.AdminAction{}
		var details []byte
		if err := rows.Scan(&a.ID, &a.AdminID, &a.TargetTenantID, &a.Action, &details, &a.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

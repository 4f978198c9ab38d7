package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/teresa-solution/tenant-client-manager/internal/events"
	"github.com/teresa-solution/tenant-client-manager/internal/instance"
	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/monitoring"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
	"github.com/teresa-solution/tenant-client-manager/internal/store"
)

var ErrInvalidArgument = errors.New("invalid argument")

const defaultValidationTimeout = 30 * time.Second

// Evictor drops a tenant's cached instance
type Evictor interface {
	Evict(ctx context.Context, tenantID string) bool
}

// SecretSealer encrypts and decrypts the secret fields of a record
type SecretSealer interface {
	SealSecrets(s model.Secrets) (model.SealedSecrets, error)
	OpenSecrets(creds *model.TenantCredentials) (model.Secrets, error)
}

// Actor is whoever asked for a change. Admin actors leave an audit record.
type Actor struct {
	ID    string
	Admin bool
}

// SystemActor is used for changes made by the service itself
var SystemActor = Actor{ID: "system"}

// SubmitRequest carries a tenant's plaintext credentials
type SubmitRequest struct {
	TenantID              string
	Secrets               model.Secrets
	RateLimitRPS          float64
	MaxConcurrentRequests int
	Actor                 Actor
}

// Config wires a CredentialService
type Config struct {
	Repo                store.Repository
	Cipher              SecretSealer
	Factory             platform.ConnectorFactory
	Instances           Evictor
	Publisher           events.Publisher
	Logger              zerolog.Logger
	ValidationQueueSize int
	ValidationTimeout   time.Duration
}

// CredentialService manages the lifecycle of tenant credential records and
// keeps the instance cache consistent with it
type CredentialService struct {
	repo       store.Repository
	cipher     SecretSealer
	factory    platform.ConnectorFactory
	instances  Evictor
	publisher  events.Publisher
	logger     zerolog.Logger
	validation *ValidationWorker
}

func NewCredentialService(cfg Config) (*CredentialService, error) {
	if cfg.Repo == nil || cfg.Cipher == nil || cfg.Factory == nil || cfg.Instances == nil {
		return nil, errors.New("repository, cipher, connector factory and instance manager are required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = defaultValidationTimeout
	}

	s := &CredentialService{
		repo:      cfg.Repo,
		cipher:    cfg.Cipher,
		factory:   cfg.Factory,
		instances: cfg.Instances,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With().Str("component", "credential_service").Logger(),
	}
	s.validation = NewValidationWorker(s.Validate, cfg.ValidationQueueSize, cfg.ValidationTimeout, cfg.Logger)
	return s, nil
}

// Start runs the background validation worker
func (s *CredentialService) Start(ctx context.Context) {
	s.validation.Start(ctx)
}

// Stop halts the validation worker. Tenants still queued stay pending.
func (s *CredentialService) Stop() {
	s.validation.Stop()
}

// Submit stores new credentials as pending and queues them for validation
func (s *CredentialService) Submit(ctx context.Context, req SubmitRequest) (*model.TenantCredentials, error) {
	if err := validateSubmitRequest(req); err != nil {
		return nil, err
	}

	sealed, err := s.cipher.SealSecrets(req.Secrets)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to encrypt credentials")
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	creds := &model.TenantCredentials{
		TenantID:              req.TenantID,
		Status:                model.StatusPending,
		RateLimitRPS:          req.RateLimitRPS,
		MaxConcurrentRequests: req.MaxConcurrentRequests,
		CreatedBy:             req.Actor.ID,
	}
	if req.Actor.Admin {
		creds.ManagedByAdmin = req.Actor.ID
	}
	creds.Seal(sealed)

	if err := s.repo.Create(ctx, creds); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to create credentials")
		}
		return nil, err
	}

	s.logger.Info().Str("tenant_id", creds.TenantID).Str("created_by", creds.CreatedBy).Msg("Credentials submitted")
	s.publish(ctx, events.Event{
		Type:     events.TypeSubmitted,
		TenantID: creds.TenantID,
		To:       creds.Status,
		ActorID:  req.Actor.ID,
		Admin:    req.Actor.Admin,
	})
	s.validation.Enqueue(creds.TenantID)
	return creds, nil
}

// Validate probes a pending tenant's credentials against the platform. The
// record moves to active on success and to error on failure; the probe error
// is returned alongside the updated record.
func (s *CredentialService) Validate(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	creds, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if creds.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: validation requires %s, tenant is %s", model.ErrInvalidTransition, model.StatusPending, creds.Status)
	}

	probeErr := s.probe(ctx, creds)
	if probeErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	to := model.StatusActive
	reason := ""
	if probeErr != nil {
		to = model.StatusError
		reason = probeErr.Error()
	}
	creds.Status = to
	creds.IsVerified = probeErr == nil
	if err := s.repo.Update(ctx, creds); err != nil {
		return nil, s.mapStoreError(tenantID, err)
	}

	monitoring.StatusChanges.WithLabelValues(string(to)).Inc()
	logger := s.logger.With().Str("tenant_id", tenantID).Logger()
	if probeErr != nil {
		logger.Warn().Err(probeErr).Msg("Credential validation failed")
	} else {
		logger.Info().Msg("Credentials validated")
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeStatusChanged,
		TenantID: tenantID,
		From:     model.StatusPending,
		To:       to,
		ActorID:  SystemActor.ID,
		Reason:   reason,
	})
	return creds, probeErr
}

// probe connects a throwaway instance and shuts it down again
func (s *CredentialService) probe(ctx context.Context, creds *model.TenantCredentials) error {
	secrets, err := s.cipher.OpenSecrets(creds)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	conns, err := s.factory(creds.TenantID, secrets, s.logger)
	if err != nil {
		return &model.ConnectionError{TenantID: creds.TenantID, Target: "setup", Err: err}
	}

	inst := instance.New(instance.Config{
		TenantID:    creds.TenantID,
		Secrets:     secrets,
		Connections: conns,
		Limits:      model.ClientLimits{MaxConcurrentRequests: 1},
		Logger:      s.logger,
	})
	defer inst.Shutdown(context.Background())
	return inst.Initialize(ctx)
}

// Suspend blocks a tenant and evicts its live instance
func (s *CredentialService) Suspend(ctx context.Context, actor Actor, tenantID, reason string) (*model.TenantCredentials, error) {
	return s.transition(ctx, actor, tenantID, model.StatusSuspended, reason)
}

// Reactivate returns a suspended or rate limited tenant to active
func (s *CredentialService) Reactivate(ctx context.Context, actor Actor, tenantID, reason string) (*model.TenantCredentials, error) {
	return s.transition(ctx, actor, tenantID, model.StatusActive, reason)
}

// MarkRateLimited parks a tenant the platform is throttling
func (s *CredentialService) MarkRateLimited(ctx context.Context, actor Actor, tenantID, reason string) (*model.TenantCredentials, error) {
	return s.transition(ctx, actor, tenantID, model.StatusRateLimited, reason)
}

// Reset moves a failed tenant back to pending and queues it for validation
func (s *CredentialService) Reset(ctx context.Context, actor Actor, tenantID, reason string) (*model.TenantCredentials, error) {
	creds, err := s.transition(ctx, actor, tenantID, model.StatusPending, reason)
	if err != nil {
		return nil, err
	}
	s.validation.Enqueue(tenantID)
	return creds, nil
}

func (s *CredentialService) transition(ctx context.Context, actor Actor, tenantID string, to model.Status, reason string) (*model.TenantCredentials, error) {
	creds, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	from := creds.Status
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	if actor.Admin {
		details := map[string]interface{}{"from": string(from), "to": string(to)}
		if reason != "" {
			details["reason"] = reason
		}
		if err := s.audit(ctx, actor, tenantID, model.ActionStatusChange, details); err != nil {
			return nil, err
		}
	}

	creds.Status = to
	if actor.Admin {
		creds.ManagedByAdmin = actor.ID
	}
	if err := s.repo.Update(ctx, creds); err != nil {
		return nil, s.mapStoreError(tenantID, err)
	}
	if !to.Usable() {
		s.instances.Evict(ctx, tenantID)
	}

	monitoring.StatusChanges.WithLabelValues(string(to)).Inc()
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor.ID).
		Msg("Credential status changed")
	s.publish(ctx, events.Event{
		Type:     events.TypeStatusChanged,
		TenantID: tenantID,
		From:     from,
		To:       to,
		ActorID:  actor.ID,
		Admin:    actor.Admin,
		Reason:   reason,
	})
	return creds, nil
}

// Remove deletes a tenant's credentials and evicts its live instance
func (s *CredentialService) Remove(ctx context.Context, actor Actor, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}
	if actor.Admin {
		if err := s.audit(ctx, actor, tenantID, model.ActionRemove, nil); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(ctx, tenantID); err != nil {
		return s.mapStoreError(tenantID, err)
	}
	s.instances.Evict(ctx, tenantID)

	s.logger.Info().Str("tenant_id", tenantID).Str("actor", actor.ID).Msg("Credentials removed")
	s.publish(ctx, events.Event{
		Type:     events.TypeRemoved,
		TenantID: tenantID,
		ActorID:  actor.ID,
		Admin:    actor.Admin,
	})
	return nil
}

// EvictInstance drops the tenant's cached instance without touching its record
func (s *CredentialService) EvictInstance(ctx context.Context, actor Actor, tenantID string) (bool, error) {
	if actor.Admin {
		if err := s.audit(ctx, actor, tenantID, model.ActionEvict, nil); err != nil {
			return false, err
		}
	}
	return s.instances.Evict(ctx, tenantID), nil
}

// Get returns the stored record. Secret fields stay sealed.
func (s *CredentialService) Get(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	return s.load(ctx, tenantID)
}

// Secrets decrypts a tenant's credentials. Callers must not log the result.
func (s *CredentialService) Secrets(ctx context.Context, tenantID string) (model.Secrets, error) {
	creds, err := s.load(ctx, tenantID)
	if err != nil {
		return model.Secrets{}, err
	}
	return s.cipher.OpenSecrets(creds)
}

// List returns records, optionally filtered by status
func (s *CredentialService) List(ctx context.Context, status *model.Status, page store.Page) ([]*model.TenantCredentials, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, *status)
	}
	return s.repo.ListAll(ctx, status, page)
}

// AuditLog returns the newest admin actions taken on a tenant
func (s *CredentialService) AuditLog(ctx context.Context, tenantID string, limit int) ([]*model.AdminAction, error) {
	return s.repo.ListAdminActions(ctx, tenantID, limit)
}

func (s *CredentialService) load(ctx context.Context, tenantID string) (*model.TenantCredentials, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}
	creds, err := s.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to load credentials")
		return nil, err
	}
	if creds == nil {
		return nil, &model.NotFoundError{TenantID: tenantID}
	}
	return creds, nil
}

func (s *CredentialService) audit(ctx context.Context, actor Actor, tenantID, action string, details map[string]interface{}) error {
	if err := s.repo.LogAdminAction(ctx, model.NewAdminAction(actor.ID, tenantID, action, details)); err != nil {
		s.logger.Error().Err(err).Str("admin_id", actor.ID).Str("tenant_id", tenantID).Str("action", action).Msg("Failed to record admin action")
		return err
	}
	return nil
}

func (s *CredentialService) mapStoreError(tenantID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &model.NotFoundError{TenantID: tenantID}
	}
	s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to write credentials")
	return err
}

// publish is best-effort; a lost event never fails the change that caused it
func (s *CredentialService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", event.TenantID).Str("event_type", event.Type).Msg("Failed to publish event")
		monitoring.Alert("status event lost", map[string]string{"tenant_id": event.TenantID, "event_type": event.Type})
	}
}

func validateSubmitRequest(req SubmitRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}
	if len(req.TenantID) > 128 {
		return fmt.Errorf("%w: tenant id is too long", ErrInvalidArgument)
	}
	if req.Secrets.PrimaryToken == "" {
		return fmt.Errorf("%w: primary token is required", ErrInvalidArgument)
	}
	if (req.Secrets.ProtocolAPIID == 0) != (req.Secrets.ProtocolAPIHash == "") {
		return fmt.Errorf("%w: protocol api id and hash must be given together", ErrInvalidArgument)
	}
	if req.RateLimitRPS < 0 || req.MaxConcurrentRequests < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidArgument)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

const defaultValidationQueueSize = 64

// ValidateFunc checks one tenant's credentials
type ValidateFunc func(ctx context.Context, tenantID string) (*model.TenantCredentials, error)

// ValidationWorker validates newly submitted credentials in the background
type ValidationWorker struct {
	validate ValidateFunc
	queue    chan string
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewValidationWorker creates a worker with a bounded queue. Call Start to
// begin processing.
func NewValidationWorker(validate ValidateFunc, queueSize int, timeout time.Duration, logger zerolog.Logger) *ValidationWorker {
	if queueSize <= 0 {
		queueSize = defaultValidationQueueSize
	}
	return &ValidationWorker{
		validate: validate,
		queue:    make(chan string, queueSize),
		timeout:  timeout,
		logger:   logger.With().Str("component", "validation_worker").Logger(),
	}
}

// Enqueue schedules a tenant for validation. It never blocks; a full queue
// drops the request and leaves the tenant pending for a later retry.
func (w *ValidationWorker) Enqueue(tenantID string) bool {
	select {
	case w.queue <- tenantID:
		return true
	default:
		w.logger.Warn().Str("tenant_id", tenantID).Msg("Validation queue full, tenant left pending")
		return false
	}
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (w *ValidationWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

func (w *ValidationWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-w.queue:
			w.process(ctx, tenantID)
		}
	}
}

func (w *ValidationWorker) process(ctx context.Context, tenantID string) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	logger := w.logger.With().Str("tenant_id", tenantID).Logger()
	logger.Info().Msg("Starting credential validation")

	creds, err := w.validate(ctx, tenantID)
	switch {
	case err == nil:
		logger.Info().Str("status", string(creds.Status)).Msg("Validation finished")
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidTransition):
		// Removed or already handled since it was queued
		logger.Debug().Err(err).Msg("Validation skipped")
	default:
		logger.Error().Err(err).Msg("Validation failed")
	}
}

// Stop cancels the worker and waits for the current validation to return
func (w *ValidationWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

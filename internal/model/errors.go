package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by NotFoundError
	ErrNotFound = errors.New("tenant credentials not found")

	// ErrForbidden is matched by ForbiddenError
	ErrForbidden = errors.New("tenant access forbidden")

	// ErrConnection is matched by ConnectionError
	ErrConnection = errors.New("platform connection failed")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NotFoundError is returned when no credentials exist for a tenant
type NotFoundError struct {
	TenantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no credentials for tenant %s", e.TenantID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ForbiddenError is returned when a tenant's status does not permit use
type ForbiddenError struct {
	TenantID string
	Status   Status
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("tenant %s is %s", e.TenantID, e.Status)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// ConnectionError is returned when a platform connection cannot be established
type ConnectionError struct {
	TenantID string
	Target   string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s: connect %s: %v", e.TenantID, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

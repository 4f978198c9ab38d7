package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a tenant's credentials record
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRateLimited, StatusError:
		return true
	}
	return false
}

// Usable reports whether a client instance may be built for a tenant in this status
func (s Status) Usable() bool {
	return s == StatusActive || s == StatusPending
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusActive, StatusError},
	StatusActive:      {StatusSuspended, StatusRateLimited, StatusError},
	StatusSuspended:   {StatusActive},
	StatusRateLimited: {StatusActive, StatusError},
	StatusError:       {StatusPending},
}

// CanTransition reports whether a record may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TenantCredentials represents the tenant_credentials table.
// Secret fields hold AES-GCM ciphertexts; a nil slice means the field is unset.
type TenantCredentials struct {
	TenantID              string     `json:"tenant_id"`
	PrimaryToken          []byte     `json:"primary_token"`
	ProtocolAPIID         []byte     `json:"protocol_api_id"`
	ProtocolAPIHash       []byte     `json:"protocol_api_hash"`
	Phone                 []byte     `json:"phone,omitempty"`
	SessionBlob           []byte     `json:"session_blob,omitempty"`
	Status                Status     `json:"status"`
	IsVerified            bool       `json:"is_verified"`
	RateLimitRPS          float64    `json:"rate_limit_rps"`
	MaxConcurrentRequests int        `json:"max_concurrent_requests"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastUsedAt            *time.Time `json:"last_used_at,omitempty"`
	CreatedBy             string     `json:"created_by"`
	ManagedByAdmin        string     `json:"managed_by_admin,omitempty"`
}

// Seal copies encrypted secret material into the record
func (c *TenantCredentials) Seal(s SealedSecrets) {
	c.PrimaryToken = s.PrimaryToken
	c.ProtocolAPIID = s.ProtocolAPIID
	c.ProtocolAPIHash = s.ProtocolAPIHash
	c.Phone = s.Phone
	c.SessionBlob = s.SessionBlob
}

// Sealed returns the encrypted secret material of the record
func (c *TenantCredentials) Sealed() SealedSecrets {
	return SealedSecrets{
		PrimaryToken:    c.PrimaryToken,
		ProtocolAPIID:   c.ProtocolAPIID,
		ProtocolAPIHash: c.ProtocolAPIHash,
		Phone:           c.Phone,
		SessionBlob:     c.SessionBlob,
	}
}

// Secrets is the decrypted secret material of a tenant. It lives in memory only.
type Secrets struct {
	PrimaryToken    string
	ProtocolAPIID   int
	ProtocolAPIHash string
	Phone           string
	SessionBlob     []byte
}

// String never renders secret values
func (s Secrets) String() string {
	return "Secrets{redacted}"
}

// MarshalZerologObject logs which secrets are present, never their values
func (s Secrets) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("has_primary_token", s.PrimaryToken != "").
		Bool("has_protocol_api", s.ProtocolAPIID != 0 && s.ProtocolAPIHash != "").
		Bool("has_phone", s.Phone != "").
		Bool("has_session", len(s.SessionBlob) > 0)
}

// SealedSecrets is the encrypted form of Secrets
type SealedSecrets struct {
	PrimaryToken    []byte
	ProtocolAPIID   []byte
	ProtocolAPIHash []byte
	Phone           []byte
	SessionBlob     []byte
}

// ClientLimits are the admission-control settings of a tenant instance
type ClientLimits struct {
	RateLimitRPS          float64
	MaxConcurrentRequests int
}

// Limits returns the record's limits, falling back to defaults for unset values
func (c *TenantCredentials) Limits(defaults ClientLimits) ClientLimits {
	l := ClientLimits{
		RateLimitRPS:          c.RateLimitRPS,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
	}
	if l.RateLimitRPS <= 0 {
		l.RateLimitRPS = defaults.RateLimitRPS
	}
	if l.MaxConcurrentRequests <= 0 {
		l.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	return l
}

// AdminAction represents the admin_actions table (append-only)
type AdminAction struct {
	ID             uuid.UUID              `json:"id"`
	AdminID        string                 `json:"admin_id"`
	TargetTenantID string                 `json:"target_tenant_id"`
	Action         string                 `json:"action"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Admin action names
const (
	ActionAdminAccess  = "admin_access"
	ActionStatusChange = "status_change"
	ActionEvict        = "evict"
	ActionRemove       = "remove"
)

// NewAdminAction builds an audit record stamped with a fresh ID
func NewAdminAction(adminID, tenantID, action string, details map[string]interface{}) *AdminAction {
	return &AdminAction{
		ID:             uuid.New(),
		AdminID:        adminID,
		TargetTenantID: tenantID,
		Action:         action,
		Details:        details,
		Timestamp:      time.Now().UTC(),
	}
}

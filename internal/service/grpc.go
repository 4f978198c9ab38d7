package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/teresa-solution/tenant-client-manager/internal/instance"
	"github.com/teresa-solution/tenant-client-manager/internal/manager"
	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
	"github.com/teresa-solution/tenant-client-manager/internal/store"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "tenantclient.v1.CredentialAdmin"
	// AdminIDHeader carries the calling administrator's identity
	AdminIDHeader = "x-admin-id"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the service run without generated protobuf types. Clients
// select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

// Instances is the part of the instance manager the API uses
type Instances interface {
	GetInstance(ctx context.Context, tenantID string) (*instance.Instance, error)
	AdminAccess(ctx context.Context, adminID, tenantID string) (*instance.Instance, error)
}

type SubmitCredentialsRequest struct {
	TenantID              string  `json:"tenant_id"`
	PrimaryToken          string  `json:"primary_token"`
	ProtocolAPIID         int     `json:"protocol_api_id,omitempty"`
	ProtocolAPIHash       string  `json:"protocol_api_hash,omitempty"`
	Phone                 string  `json:"phone,omitempty"`
	SessionBlob           []byte  `json:"session_blob,omitempty"`
	RateLimitRPS          float64 `json:"rate_limit_rps,omitempty"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests,omitempty"`
}

type TenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type ChangeStatusRequest struct {
	TenantID string       `json:"tenant_id"`
	Status   model.Status `json:"status"`
	Reason   string       `json:"reason,omitempty"`
}

type ListCredentialsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type ExecuteRequest struct {
	TenantID string                 `json:"tenant_id"`
	Target   string                 `json:"target,omitempty"`
	Method   string                 `json:"method"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Credentials is the public view of a record; secret fields never leave the service
type Credentials struct {
	TenantID              string  `json:"tenant_id"`
	Status                string  `json:"status"`
	IsVerified            bool    `json:"is_verified"`
	HasProtocolClient     bool    `json:"has_protocol_client"`
	RateLimitRPS          float64 `json:"rate_limit_rps"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests"`
	CreatedBy             string  `json:"created_by,omitempty"`
	ManagedByAdmin        string  `json:"managed_by_admin,omitempty"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
	LastUsedAt            string  `json:"last_used_at,omitempty"`
}

type CredentialsReply struct {
	Credentials *Credentials `json:"credentials"`
}

type ListCredentialsReply struct {
	Credentials []*Credentials `json:"credentials"`
}

type RemoveReply struct {
	Success bool `json:"success"`
}

type EvictReply struct {
	Evicted bool `json:"evicted"`
}

type ExecuteReply struct {
	Result json.RawMessage `json:"result"`
}

type AuditLogReply struct {
	Actions []*model.AdminAction `json:"actions"`
}

// CredentialAdminServer is the gRPC surface of the service
type CredentialAdminServer interface {
	Submit(context.Context, *SubmitCredentialsRequest) (*CredentialsReply, error)
	Get(context.Context, *TenantRequest) (*CredentialsReply, error)
	List(context.Context, *ListCredentialsRequest) (*ListCredentialsReply, error)
	ChangeStatus(context.Context, *ChangeStatusRequest) (*CredentialsReply, error)
	Remove(context.Context, *TenantRequest) (*RemoveReply, error)
	Evict(context.Context, *TenantRequest) (*EvictReply, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteReply, error)
	AuditLog(context.Context, *TenantRequest) (*AuditLogReply, error)
}

// Server implements CredentialAdminServer on top of the credential service
// and the instance manager
type Server struct {
	svc       *CredentialService
	instances Instances
}

func NewServer(svc *CredentialService, instances Instances) *Server {
	return &Server{svc: svc, instances: instances}
}

// RegisterCredentialAdminServer attaches the service to a gRPC server
func RegisterCredentialAdminServer(s *grpc.Server, srv CredentialAdminServer) {
	s.RegisterService(&credentialAdminDesc, srv)
}

// actorFromContext reads the admin identity from request metadata. Requests
// without it act as the tenant itself.
func actorFromContext(ctx context.Context, tenantID string) Actor {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if ids := md.Get(AdminIDHeader); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			return Actor{ID: strings.TrimSpace(ids[0]), Admin: true}
		}
	}
	return Actor{ID: tenantID}
}

func (s *Server) Submit(ctx context.Context, req *SubmitCredentialsRequest) (*CredentialsReply, error) {
	creds, err := s.svc.Submit(ctx, SubmitRequest{
		TenantID: req.TenantID,
		Secrets: model.Secrets{
			PrimaryToken:    req.PrimaryToken,
			ProtocolAPIID:   req.ProtocolAPIID,
			ProtocolAPIHash: req.ProtocolAPIHash,
			Phone:           req.Phone,
			SessionBlob:     req.SessionBlob,
		},
		RateLimitRPS:          req.RateLimitRPS,
		MaxConcurrentRequests: req.MaxConcurrentRequests,
		Actor:                 actorFromContext(ctx, req.TenantID),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &CredentialsReply{Credentials: toCredentials(creds)}, nil
}

func (s *Server) Get(ctx context.Context, req *TenantRequest) (*CredentialsReply, error) {
	creds, err := s.svc.Get(ctx, req.TenantID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CredentialsReply{Credentials: toCredentials(creds)}, nil
}

func (s *Server) List(ctx context.Context, req *ListCredentialsRequest) (*ListCredentialsReply, error) {
	var filter *model.Status
	if req.Status != "" {
		st := model.Status(req.Status)
		filter = &st
	}
	list, err := s.svc.List(ctx, filter, store.Page{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, toStatus(err)
	}
	reply := &ListCredentialsReply{Credentials: make([]*Credentials, 0, len(list))}
	for _, c := range list {
		reply.Credentials = append(reply.Credentials, toCredentials(c))
	}
	return reply, nil
}

func (s *Server) ChangeStatus(ctx context.Context, req *ChangeStatusRequest) (*CredentialsReply, error) {
	actor := actorFromContext(ctx, req.TenantID)
	if !actor.Admin {
		return nil, status.Error(codes.PermissionDenied, "status changes require an admin identity")
	}

	var (
		creds *model.TenantCredentials
		err   error
	)
	switch req.Status {
	case model.StatusSuspended:
		creds, err = s.svc.Suspend(ctx, actor, req.TenantID, req.Reason)
	case model.StatusActive:
		creds, err = s.svc.Reactivate(ctx, actor, req.TenantID, req.Reason)
	case model.StatusRateLimited:
		creds, err = s.svc.MarkRateLimited(ctx, actor, req.TenantID, req.Reason)
	case model.StatusPending:
		creds, err = s.svc.Reset(ctx, actor, req.TenantID, req.Reason)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "cannot change status to %q", req.Status)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &CredentialsReply{Credentials: toCredentials(creds)}, nil
}

func (s *Server) Remove(ctx context.Context, req *TenantRequest) (*RemoveReply, error) {
	if err := s.svc.Remove(ctx, actorFromContext(ctx, req.TenantID), req.TenantID); err != nil {
		return nil, toStatus(err)
	}
	return &RemoveReply{Success: true}, nil
}

func (s *Server) Evict(ctx context.Context, req *TenantRequest) (*EvictReply, error) {
	if req.TenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant id is required")
	}
	evicted, err := s.svc.EvictInstance(ctx, actorFromContext(ctx, req.TenantID), req.TenantID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EvictReply{Evicted: evicted}, nil
}

// Execute runs one platform call through the tenant's instance. Admin callers
// go through the audited path.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteReply, error) {
	if req.TenantID == "" || req.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant id and method are required")
	}

	actor := actorFromContext(ctx, req.TenantID)
	var (
		inst *instance.Instance
		err  error
	)
	if actor.Admin {
		inst, err = s.instances.AdminAccess(ctx, actor.ID, req.TenantID)
	} else {
		inst, err = s.instances.GetInstance(ctx, req.TenantID)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	call := platform.Request{
		Target: platform.Target(req.Target),
		Method: req.Method,
		Params: req.Params,
	}
	resp, err := inst.Execute(ctx, call)
	if errors.Is(err, instance.ErrInstanceClosed) {
		// Evicted between lookup and call. Admin access is already audited.
		if inst, err = s.instances.GetInstance(ctx, req.TenantID); err == nil {
			resp, err = inst.Execute(ctx, call)
		}
	}
	if err != nil {
		return nil, toStatus(err)
	}
	result, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode result")
	}
	return &ExecuteReply{Result: result}, nil
}

func (s *Server) AuditLog(ctx context.Context, req *TenantRequest) (*AuditLogReply, error) {
	if !actorFromContext(ctx, req.TenantID).Admin {
		return nil, status.Error(codes.PermissionDenied, "audit log requires an admin identity")
	}
	actions, err := s.svc.AuditLog(ctx, req.TenantID, 0)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AuditLogReply{Actions: actions}, nil
}

func toCredentials(c *model.TenantCredentials) *Credentials {
	out := &Credentials{
		TenantID:              c.TenantID,
		Status:                string(c.Status),
		IsVerified:            c.IsVerified,
		HasProtocolClient:     len(c.ProtocolAPIID) > 0 && len(c.ProtocolAPIHash) > 0,
		RateLimitRPS:          c.RateLimitRPS,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		CreatedBy:             c.CreatedBy,
		ManagedByAdmin:        c.ManagedByAdmin,
		CreatedAt:             c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.LastUsedAt != nil {
		out.LastUsedAt = c.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// toStatus maps domain errors onto gRPC status codes
func toStatus(err error) error {
	var forbidden *model.ForbiddenError
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, platform.ErrInvalidParams),
		errors.Is(err, platform.ErrUnsupportedMethod):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, "Tenant credentials not found")
	case errors.As(err, &forbidden):
		return status.Errorf(codes.FailedPrecondition, "Tenant is %s", forbidden.Status)
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, instance.ErrTargetUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "Credentials already exist for tenant")
	case errors.Is(err, platform.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "Platform rejected tenant credentials")
	case errors.Is(err, model.ErrConnection),
		errors.Is(err, manager.ErrManagerStopped),
		errors.Is(err, instance.ErrInstanceClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	log.Error().Err(err).Msg("Unhandled service error")
	return status.Error(codes.Internal, "Internal server error")
}

func unaryHandler[Req any, Resp any](method string, call func(CredentialAdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(CredentialAdminServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

var credentialAdminDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CredentialAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Submit", CredentialAdminServer.Submit),
		unaryHandler("Get", CredentialAdminServer.Get),
		unaryHandler("List", CredentialAdminServer.List),
		unaryHandler("ChangeStatus", CredentialAdminServer.ChangeStatus),
		unaryHandler("Remove", CredentialAdminServer.Remove),
		unaryHandler("Evict", CredentialAdminServer.Evict),
		unaryHandler("Execute", CredentialAdminServer.Execute),
		unaryHandler("AuditLog", CredentialAdminServer.AuditLog),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tenantclient/v1/credential_admin",
}

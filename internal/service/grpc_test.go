package service

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/teresa-solution/tenant-client-manager/internal/instance"
	"github.com/teresa-solution/tenant-client-manager/internal/manager"
	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

func setupGRPC(t *testing.T) (*testEnv, *grpc.ClientConn) {
	t.Helper()
	env := setupTestService(t)
	return env, serveGRPC(t, env, env.manager)
}

func serveGRPC(t *testing.T, env *testEnv, instances Instances) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterCredentialAdminServer(srv, NewServer(env.svc, instances))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// evictingInstances hands out the first instance and then evicts it, as an
// LRU overflow landing between lookup and call would
type evictingInstances struct {
	*manager.Manager
	evicted atomic.Bool
}

func (e *evictingInstances) GetInstance(ctx context.Context, tenantID string) (*instance.Instance, error) {
	inst, err := e.Manager.GetInstance(ctx, tenantID)
	if err == nil && e.evicted.CompareAndSwap(false, true) {
		e.Manager.Evict(ctx, tenantID)
	}
	return inst, err
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, req, reply interface{}) error {
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply)
}

func asAdmin(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, AdminIDHeader, "admin-1")
}

func TestGRPC_SubmitAndGet(t *testing.T) {
	_, conn := setupGRPC(t)
	ctx := context.Background()

	var reply CredentialsReply
	err := call(ctx, conn, "Submit", &SubmitCredentialsRequest{TenantID: "t1", PrimaryToken: "123:abc"}, &reply)
	require.NoError(t, err)
	require.NotNil(t, reply.Credentials)
	assert.Equal(t, "pending", reply.Credentials.Status)
	assert.Equal(t, "t1", reply.Credentials.CreatedBy)
	assert.False(t, reply.Credentials.HasProtocolClient)
	assert.Empty(t, reply.Credentials.ManagedByAdmin)

	err = call(ctx, conn, "Submit", &SubmitCredentialsRequest{TenantID: "t1", PrimaryToken: "123:abc"}, &reply)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	err = call(ctx, conn, "Submit", &SubmitCredentialsRequest{TenantID: "t2"}, &reply)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var got CredentialsReply
	require.NoError(t, call(ctx, conn, "Get", &TenantRequest{TenantID: "t1"}, &got))
	assert.Equal(t, "t1", got.Credentials.TenantID)

	err = call(ctx, conn, "Get", &TenantRequest{TenantID: "missing"}, &got)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_ChangeStatusRequiresAdmin(t *testing.T) {
	env, conn := setupGRPC(t)
	ctx := context.Background()
	submitTenant(t, env, "t1")
	_, err := env.svc.Validate(ctx, "t1")
	require.NoError(t, err)

	var reply CredentialsReply
	err = call(ctx, conn, "ChangeStatus", &ChangeStatusRequest{TenantID: "t1", Status: model.StatusSuspended}, &reply)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	err = call(asAdmin(ctx), conn, "ChangeStatus", &ChangeStatusRequest{TenantID: "t1", Status: model.StatusSuspended, Reason: "chargeback"}, &reply)
	require.NoError(t, err)
	assert.Equal(t, "suspended", reply.Credentials.Status)
	assert.Equal(t, "admin-1", reply.Credentials.ManagedByAdmin)

	err = call(asAdmin(ctx), conn, "ChangeStatus", &ChangeStatusRequest{TenantID: "t1", Status: model.StatusRateLimited}, &reply)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = call(asAdmin(ctx), conn, "ChangeStatus", &ChangeStatusRequest{TenantID: "t1", Status: "deleted"}, &reply)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Execute(t *testing.T) {
	env, conn := setupGRPC(t)
	ctx := context.Background()
	submitTenant(t, env, "t1")
	submitTenant(t, env, "t2")
	_, err := env.svc.Suspend(ctx, admin, "t2", "")
	require.Error(t, err, "pending tenants cannot be suspended")
	_, err = env.svc.Validate(ctx, "t2")
	require.NoError(t, err)
	_, err = env.svc.Suspend(ctx, admin, "t2", "")
	require.NoError(t, err)

	var reply ExecuteReply
	require.NoError(t, call(ctx, conn, "Execute", &ExecuteRequest{TenantID: "t1", Method: "getMe"}, &reply))
	assert.JSONEq(t, `"getMe"`, string(reply.Result))

	// Admin calls are audited, denied ones included
	require.NoError(t, call(asAdmin(ctx), conn, "Execute", &ExecuteRequest{TenantID: "t1", Target: "raw", Method: "help.getConfig"}, &reply))
	err = call(asAdmin(ctx), conn, "Execute", &ExecuteRequest{TenantID: "t2", Method: "getMe"}, &reply)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	var audit AuditLogReply
	require.NoError(t, call(asAdmin(ctx), conn, "AuditLog", &TenantRequest{TenantID: "t1"}, &audit))
	require.Len(t, audit.Actions, 1)
	assert.Equal(t, model.ActionAdminAccess, audit.Actions[0].Action)

	require.NoError(t, call(asAdmin(ctx), conn, "AuditLog", &TenantRequest{TenantID: "t2"}, &audit))
	assert.Len(t, audit.Actions, 2)

	err = call(ctx, conn, "AuditLog", &TenantRequest{TenantID: "t1"}, &audit)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	err = call(ctx, conn, "Execute", &ExecuteRequest{TenantID: "missing", Method: "getMe"}, &reply)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_ExecuteAfterEviction(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	submitTenant(t, env, "t1")
	_, err := env.svc.Validate(ctx, "t1")
	require.NoError(t, err)

	conn := serveGRPC(t, env, &evictingInstances{Manager: env.manager})
	builds := len(env.factory.Built("t1"))

	var reply ExecuteReply
	require.NoError(t, call(ctx, conn, "Execute", &ExecuteRequest{TenantID: "t1", Method: "getMe"}, &reply))
	assert.JSONEq(t, `"getMe"`, string(reply.Result))
	assert.Len(t, env.factory.Built("t1"), builds+2)
}

func TestGRPC_ListEvictRemove(t *testing.T) {
	env, conn := setupGRPC(t)
	ctx := context.Background()
	submitTenant(t, env, "t1")
	submitTenant(t, env, "t2")

	var list ListCredentialsReply
	require.NoError(t, call(ctx, conn, "List", &ListCredentialsRequest{}, &list))
	assert.Len(t, list.Credentials, 2)

	require.NoError(t, call(ctx, conn, "List", &ListCredentialsRequest{Status: "active"}, &list))
	assert.Empty(t, list.Credentials)

	_, err := env.manager.GetInstance(ctx, "t1")
	require.NoError(t, err)

	var evict EvictReply
	require.NoError(t, call(asAdmin(ctx), conn, "Evict", &TenantRequest{TenantID: "t1"}, &evict))
	assert.True(t, evict.Evicted)

	var removed RemoveReply
	require.NoError(t, call(asAdmin(ctx), conn, "Remove", &TenantRequest{TenantID: "t2"}, &removed))
	assert.True(t, removed.Success)

	err = call(asAdmin(ctx), conn, "Remove", &TenantRequest{TenantID: "t2"}, &removed)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

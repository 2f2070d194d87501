package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/infra/auth"
)

const testSecret = "grpc-test-secret"

func startGRPC(t *testing.T, a auth.Authenticator) (*GatewayClient, *routerFixture) {
	t.Helper()
	f := newRouterFixture(t)
	srv := &GRPCGatewayServer{
		router: f.router,
		forward: func(ctx context.Context, req domain.EgressRequest) (domain.EgressResponse, error) {
			err := domain.NewError(domain.KindNoMatchingRule, "no rule for host")
			return domain.EgressResponse{RequestID: "r1", Decision: domain.EgressDenied, Error: err.Error()}, err
		},
	}

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryTraceInterceptor(),
		UnaryAuthInterceptor(a, zap.NewNop()),
	))
	RegisterGatewayServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return NewGatewayClient(cc), f
}

func TestGRPCExecute(t *testing.T) {
	client, f := startGRPC(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-trace-id", "grpc-trace")

	resp, err := client.Execute(ctx, domain.CommandRequest{Action: "echo"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, resp.Status)
	assert.Equal(t, "ok", resp.Result)

	resp, err = client.Execute(ctx, domain.CommandRequest{Action: "nope"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)

	recs := f.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "grpc-trace", recs[0].TraceID)
}

func TestGRPCForward(t *testing.T) {
	client, _ := startGRPC(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Forward(ctx, domain.EgressRequest{Method: "GET", URL: "https://evil.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, domain.EgressDenied, resp.Decision)
	assert.Contains(t, resp.Error, string(domain.KindNoMatchingRule))

	_, err = client.Forward(ctx, domain.EgressRequest{Method: "GET"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCAuth(t *testing.T) {
	client, f := startGRPC(t, auth.NewValidator(testSecret, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Execute(ctx, domain.CommandRequest{Action: "echo"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	egressOnly, err := auth.IssueToken(testSecret, "agent", []string{domain.ScopeEgress}, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = client.Execute(metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+egressOnly.AccessToken),
		domain.CommandRequest{Action: "echo"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	exec, err := auth.IssueToken(testSecret, "agent", []string{domain.ScopeExecute}, time.Hour, time.Now())
	require.NoError(t, err)
	resp, err := client.Execute(metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+exec.AccessToken),
		domain.CommandRequest{Action: "echo"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, resp.Status)

	// Отклоненные на входе вызовы не доходят до Router'а
	assert.Len(t, f.records(), 1)
}

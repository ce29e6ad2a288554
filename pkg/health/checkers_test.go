package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		checker func(url string) *HTTPChecker
		healthy bool
	}{
		{
			name:    "healthy endpoint",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			checker: NewHTTPChecker,
			healthy: true,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			checker: NewHTTPChecker,
		},
		{
			name:    "custom status range",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) },
			checker: func(url string) *HTTPChecker { return NewHTTPChecker(url).WithStatusRange(200, 299) },
			healthy: true,
		},
		{
			name: "custom header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Integrity-Probe") != "pdp-1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
			},
			checker: func(url string) *HTTPChecker { return NewHTTPChecker(url).WithHeader("X-Integrity-Probe", "pdp-1") },
			healthy: true,
		},
		{
			name: "client timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
			checker: func(url string) *HTTPChecker { return NewHTTPChecker(url).WithTimeout(50 * time.Millisecond) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			result := tt.checker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.True(t, result.Duration > 0)
		})
	}
}

func TestHTTPChecker_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	require.NoError(t, ln.Close())
	result = NewTCPChecker(addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeTCP, NewTCPChecker(addr).Type())
}

func startBufconnHealth(t *testing.T) (*grpchealth.Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return hs, dialer
}

func TestGRPCChecker(t *testing.T) {
	hs, dialer := startBufconnHealth(t)
	checker := NewGRPCChecker("passthrough:///bufnet", "integrity").
		WithDialOptions(dialer, grpc.WithTransportCredentials(insecure.NewCredentials())).
		WithTimeout(time.Second)

	hs.SetServingStatus("integrity", healthpb.HealthCheckResponse_SERVING)
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	hs.SetServingStatus("integrity", healthpb.HealthCheckResponse_NOT_SERVING)
	result = checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "NOT_SERVING")

	unknown := NewGRPCChecker("passthrough:///bufnet", "other").
		WithDialOptions(dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	assert.False(t, unknown.Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeGRPC, unknown.Type())
}

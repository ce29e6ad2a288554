package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor records request metrics for every unary gRPC call and
// logs the failing ones
func UnaryInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)

		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		if err != nil {
			logger.Debug().Err(err).Str("method", info.FullMethod).Str("code", code.String()).Msg("gRPC request failed")
		}
		return resp, err
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps an HTTP handler with the same request metrics
func instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, path)
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
	})
}

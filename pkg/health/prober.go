package health

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// ProbeStatus is the outcome of probing a dependency
type ProbeStatus string

const (
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeUnhealthy ProbeStatus = "unhealthy"
	ProbeTimeout   ProbeStatus = "timeout"
)

// ProbeResult describes one dependency probe
type ProbeResult struct {
	Target   string        `json:"target"`
	Status   ProbeStatus   `json:"status"`
	Message  string        `json:"message,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Healthy reports whether the target answered healthy
func (r ProbeResult) Healthy() bool {
	return r.Status == ProbeHealthy
}

// Prober checks whether a named resource is reachable and healthy. A probe
// never outlives ctx; a probe that runs out of time counts as failed.
type Prober interface {
	Probe(ctx context.Context, target string) ProbeResult
}

// Resolver looks up the registration of a resource
type Resolver interface {
	GetResource(name string) (*types.Resource, error)
}

// DefaultProbeTimeout bounds a probe whose context carries no deadline
const DefaultProbeTimeout = 5 * time.Second

// EndpointProber probes the endpoint a resource registered for itself,
// retrying with exponential backoff until the context deadline
type EndpointProber struct {
	resolver        Resolver
	timeout         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	grpcDialOptions []grpc.DialOption
	logger          zerolog.Logger
}

// ProberOption configures an EndpointProber
type ProberOption func(*EndpointProber)

// WithProbeTimeout sets the budget used when the caller's context has no
// deadline
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *EndpointProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRetryIntervals sets the backoff bounds between attempts
func WithRetryIntervals(initial, max time.Duration) ProberOption {
	return func(p *EndpointProber) {
		p.initialInterval = initial
		p.maxInterval = max
	}
}

// WithGRPCDialOptions sets the dial options for grpc:// endpoints
func WithGRPCDialOptions(opts ...grpc.DialOption) ProberOption {
	return func(p *EndpointProber) {
		p.grpcDialOptions = opts
	}
}

// NewEndpointProber creates a prober that resolves targets through resolver
func NewEndpointProber(resolver Resolver, opts ...ProberOption) *EndpointProber {
	p := &EndpointProber{
		resolver:        resolver,
		timeout:         DefaultProbeTimeout,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     time.Second,
		logger:          log.WithComponent("prober"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks target's registered endpoint
func (p *EndpointProber) Probe(ctx context.Context, target string) ProbeResult {
	start := time.Now()
	result := ProbeResult{Target: target, Status: ProbeUnhealthy}

	res, err := p.resolver.GetResource(target)
	if err != nil {
		if errors.Is(err, types.ErrStore) {
			metrics.UpdateComponent(metrics.ComponentProber, false, err.Error())
		}
		result.Message = fmt.Sprintf("resolve %s: %v", target, err)
		return p.finish(result, "none", start)
	}
	metrics.UpdateComponent(metrics.ComponentProber, true, "")
	checker, err := CheckerFor(res.ProbeURL, p.grpcDialOptions...)
	if err != nil {
		result.Message = err.Error()
		return p.finish(result, "none", start)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = 0

	var last Result
	err = backoff.Retry(func() error {
		result.Attempts++
		last = checker.Check(ctx)
		if !last.Healthy {
			return fmt.Errorf("%w: %s", types.ErrProbe, last.Message)
		}
		return nil
	}, backoff.WithContext(b, ctx))

	result.Message = last.Message
	switch {
	case err == nil:
		result.Status = ProbeHealthy
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = ProbeTimeout
		if result.Message == "" {
			result.Message = err.Error()
		}
	}

	return p.finish(result, string(checker.Type()), start)
}

func (p *EndpointProber) finish(result ProbeResult, probeType string, start time.Time) ProbeResult {
	result.Duration = time.Since(start)
	metrics.ProbeDuration.WithLabelValues(probeType).Observe(result.Duration.Seconds())
	metrics.ProbesTotal.WithLabelValues(probeType, string(result.Status)).Inc()

	if !result.Healthy() {
		p.logger.Debug().
			Str("target", result.Target).
			Str("status", string(result.Status)).
			Int("attempts", result.Attempts).
			Str("detail", result.Message).
			Msg("probe failed")
	}
	return result
}

// CheckerFor builds the checker for a probe URL. Supported schemes are
// http, https, tcp and grpc; for grpc the path names the health service.
func CheckerFor(rawURL string, grpcOpts ...grpc.DialOption) (Checker, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: no probe endpoint registered", types.ErrInvalidArgument)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: probe url %q: %v", types.ErrInvalidArgument, rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPChecker(rawURL), nil
	case "tcp":
		return NewTCPChecker(u.Host), nil
	case "grpc":
		return NewGRPCChecker(u.Host, strings.TrimPrefix(u.Path, "/")).WithDialOptions(grpcOpts...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported probe scheme %q", types.ErrInvalidArgument, u.Scheme)
	}
}

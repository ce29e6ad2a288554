package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State metrics
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_state_transitions_total",
			Help: "Total number of actions applied to a resource by action and outcome",
		},
		[]string{"resource", "action", "outcome"},
	)

	NonCanonicalInputsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_noncanonical_inputs_total",
			Help: "Total number of transitions that started from an inconsistent state",
		},
	)

	ResourceActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_resource_active",
			Help: "Whether the resource is unlocked and enabled (1) or not (0)",
		},
		[]string{"resource"},
	)

	ResourceStandby = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_resource_standby",
			Help: "Current standby status of a resource (1 for the current status)",
		},
		[]string{"resource", "standby"},
	)

	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_resources_total",
			Help: "Number of resources recorded in the store by admin, operational and standby state",
		},
		[]string{"admin", "operational", "standby"},
	)

	// Monitor metrics
	ForwardProgressCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_forward_progress_counter",
			Help: "Current in-memory forward progress counter",
		},
		[]string{"resource"},
	)

	StaleResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "integrity_stale_resources",
			Help: "Number of resources whose forward progress record is stale",
		},
	)

	DependencyHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_dependency_healthy",
			Help: "Whether at least one dependency group is healthy (1) or not (0)",
		},
		[]string{"resource"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integrity_cycle_duration_seconds",
			Help:    "Time taken by one monitor loop iteration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	CycleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_cycle_errors_total",
			Help: "Infrastructure errors met by the monitor loop by behavior",
		},
		[]string{"resource", "behavior"},
	)

	AuditCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_audit_corrections_total",
			Help: "State corrections applied by the cluster audit by action",
		},
		[]string{"action"},
	)

	// Probe metrics
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integrity_probe_duration_seconds",
			Help:    "Dependency probe latency by probe type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_probes_total",
			Help: "Total number of dependency probes by type and status",
		},
		[]string{"type", "status"},
	)

	// Gate metrics
	GateRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_gate_refusals_total",
			Help: "Refusals of sanity and transaction checks by gate",
		},
		[]string{"gate"},
	)

	HealthReports = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "integrity_health_reports",
			Help: "Current number of health reports by kind",
		},
		[]string{"resource", "kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_api_requests_total",
			Help: "Total number of API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integrity_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(NonCanonicalInputsTotal)
	prometheus.MustRegister(ResourceActive)
	prometheus.MustRegister(ResourceStandby)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ForwardProgressCounter)
	prometheus.MustRegister(StaleResources)
	prometheus.MustRegister(DependencyHealthy)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CycleErrorsTotal)
	prometheus.MustRegister(AuditCorrectionsTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(GateRefusalsTotal)
	prometheus.MustRegister(HealthReports)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

var standbyValues = []string{"null", "hotstandby", "coldstandby", "providingservice"}

// SetStandby marks standby as the current status of resource and clears the
// others
func SetStandby(resource, standby string) {
	for _, s := range standbyValues {
		v := 0.0
		if s == standby {
			v = 1
		}
		ResourceStandby.WithLabelValues(resource, s).Set(v)
	}
}

// BoolGauge converts b into a gauge value
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

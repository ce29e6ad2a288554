/*
Package metrics exposes Prometheus metrics and component health for an
integrity node.

Metrics are package level collectors registered with the default registry
in init; Handler serves them on /metrics. The main series are:

	integrity_state_transitions_total{resource,action,outcome}
	integrity_resource_active{resource}
	integrity_resource_standby{resource,standby}
	integrity_forward_progress_counter{resource}
	integrity_dependency_healthy{resource}
	integrity_cycle_duration_seconds{resource}
	integrity_probe_duration_seconds{type}
	integrity_audit_corrections_total{action}

Collector derives cluster wide gauges (resources per state, stale forward
progress records) from the shared store on an interval.

The health registry tracks named components (store, monitor, api, prober).
/health fails when any registered component is unhealthy and /ready waits
until every critical component has reported healthy.
*/
package metrics

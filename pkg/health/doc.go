/*
Package health probes the endpoints of monitored resources.

# Checkers

A Checker performs one check against one endpoint:

  - HTTPChecker: GET, healthy on a 2xx or 3xx answer
  - TCPChecker: healthy when a connection can be opened
  - GRPCChecker: the standard grpc.health.v1 protocol, healthy when SERVING

CheckerFor builds the right checker from a probe URL:

	http://10.0.0.7:8080/healthz
	tcp://10.0.0.7:5432
	grpc://10.0.0.7:9091/pdp-1     (the path is the health service name)

# Prober

Prober resolves a resource name to its registered probe URL and checks it,
retrying with exponential backoff until the check succeeds or the probe
timeout expires. A probe that runs out of time reports ProbeTimeout so
callers can tell a slow dependency from a failing one.
*/
package health

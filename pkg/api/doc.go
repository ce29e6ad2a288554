/*
Package api serves a node's integrity monitor to operators and peers.

HealthServer is the HTTP surface:

	GET  /health    component health
	GET  /live      liveness
	GET  /ready     200 only while the node is sane and admits transactions
	GET  /metrics   Prometheus metrics
	GET  /state     monitor status (composite state, forward progress, reports)
	POST /actions   {"action": "lock"} applies one state action
	GET  /reports   current health reports
	POST /reports   {"reporter": "db-pool", "well": false, "message": "..."}

A rejected promotion answers 409 with the resulting cold standby state, a
malformed request 400 and a store failure 503.

GRPCHealth serves grpc.health.v1. The empty service and the resource name
report SERVING while EvaluateSanity passes, so a peer configured with a
grpc:// probe URL sees exactly what the node's own integrity check sees.
*/
package api

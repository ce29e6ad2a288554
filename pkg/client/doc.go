// Package client is the HTTP client used by the integrity CLI to talk to a
// running node.
package client

// Package metrics exposes prometheus collectors for the monitor (nodes by
// state and health, state transitions, failovers, raft, API latency) plus
// the /healthz and /readyz component-health endpoints.
package metrics

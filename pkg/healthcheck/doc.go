// Package healthcheck probes registered nodes over TCP on a fixed cadence
// and reports good/bad verdicts to the monitor. It is a collaborator of the
// failover core, not part of it: the core only consumes health reports.
package healthcheck

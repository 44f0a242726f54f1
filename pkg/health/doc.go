// Package health classifies node health for the failover core. The Oracle
// is a pure function of the node row and the current wall clock: it decides
// healthy, unhealthy, still-reporting and drain-expired from the last
// report time, last health-check verdict and the configured timeouts. The
// probing that feeds those fields lives in pkg/healthcheck.
package health

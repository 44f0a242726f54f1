package health

import (
	"time"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// Oracle classifies node health from the fields keepers and the health
// checks already reported. It never probes anything itself; every verdict
// is a pure function of (node, now), which keeps failover decisions
// deterministic under test.
type Oracle struct {
	thresholds config.Thresholds

	// startTime is when this monitor process came up. Verdicts of
	// "unhealthy" that rest on failed health checks are suppressed during
	// the startup grace period so a restarted monitor does not fail over on
	// stale health rows; a node reporting postgres down is unhealthy
	// regardless.
	startTime time.Time
}

// NewOracle builds a classifier over the configured thresholds.
func NewOracle(thresholds config.Thresholds, startTime time.Time) *Oracle {
	return &Oracle{thresholds: thresholds, startTime: startTime}
}

// IsHealthy reports whether the node passed its last health check with
// postgres running.
func (o *Oracle) IsHealthy(node *types.Node) bool {
	return node.Health == types.NodeHealthGood && node.PGIsRunning
}

// IsUnhealthy reports whether the node should be treated as gone: postgres
// is known down, or the keeper stopped reporting, its health checks failed,
// and the monitor has been up long enough to trust its own checks.
func (o *Oracle) IsUnhealthy(node *types.Node, now time.Time) bool {
	if !node.PGIsRunning {
		return true
	}

	return now.Sub(node.ReportTime) > o.thresholds.UnhealthyTimeout.Std() &&
		node.Health == types.NodeHealthBad &&
		o.startTime.Before(node.HealthCheckTime) &&
		now.Sub(o.startTime) > o.thresholds.StartupGracePeriod.Std()
}

// IsReporting reports whether the keeper agent is still calling in, even if
// postgres is down. A reporting node can still participate in report_lsn.
func (o *Oracle) IsReporting(node *types.Node, now time.Time) bool {
	return now.Sub(node.ReportTime) <= o.thresholds.UnhealthyTimeout.Std()
}

// IsDrainExpired reports whether a draining primary has exceeded the drain
// timeout without acknowledging demote_timeout.
func (o *Oracle) IsDrainExpired(node *types.Node, now time.Time) bool {
	return node.GoalState == types.StateDemoteTimeout &&
		now.Sub(node.StateChangeTime) > o.thresholds.DrainTimeout.Std()
}

// Thresholds returns the thresholds the oracle was built with.
func (o *Oracle) Thresholds() config.Thresholds {
	return o.thresholds
}

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/types"
)

func testThresholds() config.Thresholds {
	return config.Thresholds{
		UnhealthyTimeout:       config.Duration(20 * time.Second),
		StartupGracePeriod:     config.Duration(10 * time.Second),
		DrainTimeout:           config.Duration(30 * time.Second),
		EnableSyncWalThreshold: types.WalSegmentSize,
		PromoteWalThreshold:    types.WalSegmentSize,
	}
}

func TestIsHealthy(t *testing.T) {
	oracle := NewOracle(testThresholds(), time.Now())

	tests := []struct {
		name string
		node *types.Node
		want bool
	}{
		{
			name: "good and running",
			node: &types.Node{Health: types.NodeHealthGood, PGIsRunning: true},
			want: true,
		},
		{
			name: "good but postgres down",
			node: &types.Node{Health: types.NodeHealthGood, PGIsRunning: false},
			want: false,
		},
		{
			name: "bad health",
			node: &types.Node{Health: types.NodeHealthBad, PGIsRunning: true},
			want: false,
		},
		{
			name: "unknown health",
			node: &types.Node{Health: types.NodeHealthUnknown, PGIsRunning: true},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, oracle.IsHealthy(tt.node))
		})
	}
}

func TestIsUnhealthy(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)
	oracle := NewOracle(testThresholds(), start)

	// Postgres down is unhealthy no matter what.
	assert.True(t, oracle.IsUnhealthy(&types.Node{PGIsRunning: false}, now))

	// Silent, failing checks after the grace period.
	node := &types.Node{
		PGIsRunning:     true,
		Health:          types.NodeHealthBad,
		ReportTime:      now.Add(-30 * time.Second),
		HealthCheckTime: now.Add(-time.Second),
	}
	assert.True(t, oracle.IsUnhealthy(node, now))

	// Still reporting within the timeout: not unhealthy.
	node.ReportTime = now.Add(-5 * time.Second)
	assert.False(t, oracle.IsUnhealthy(node, now))

	// During the startup grace period old health rows are not trusted.
	young := NewOracle(testThresholds(), now.Add(-5*time.Second))
	node.ReportTime = now.Add(-30 * time.Second)
	node.HealthCheckTime = now.Add(-time.Minute)
	assert.False(t, young.IsUnhealthy(node, now))
}

func TestIsReporting(t *testing.T) {
	now := time.Now()
	oracle := NewOracle(testThresholds(), now.Add(-time.Hour))

	assert.True(t, oracle.IsReporting(&types.Node{ReportTime: now.Add(-10 * time.Second)}, now))
	assert.False(t, oracle.IsReporting(&types.Node{ReportTime: now.Add(-21 * time.Second)}, now))
}

func TestIsDrainExpired(t *testing.T) {
	now := time.Now()
	oracle := NewOracle(testThresholds(), now.Add(-time.Hour))

	node := &types.Node{
		GoalState:       types.StateDemoteTimeout,
		StateChangeTime: now.Add(-31 * time.Second),
	}
	assert.True(t, oracle.IsDrainExpired(node, now))

	node.StateChangeTime = now.Add(-10 * time.Second)
	assert.False(t, oracle.IsDrainExpired(node, now))

	node.GoalState = types.StateDraining
	node.StateChangeTime = now.Add(-time.Minute)
	assert.False(t, oracle.IsDrainExpired(node, now))
}

package healthcheck

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/log"
	"github.com/pgpilot/pgpilot/pkg/monitor"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// TCPChecker performs TCP-based reachability checks against a node.
type TCPChecker struct {
	// Address is the TCP address to connect to (e.g., "db1:5432")
	Address string

	// Timeout is the connection timeout
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string, timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: timeout,
	}
}

// Check attempts the TCP connection and returns nil when it succeeds.
func (t *TCPChecker) Check(ctx context.Context) error {
	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return fmt.Errorf("connection to %s failed: %w", t.Address, err)
	}
	return conn.Close()
}

// Prober drives the monitor-side health checks: on a fixed cadence it
// probes every registered node and feeds the verdicts back into the
// monitor, which reacts through the group state machine. The failover core
// itself never probes; it only consumes these reports.
type Prober struct {
	monitor *monitor.Monitor
	cfg     config.HealthCheck
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewProber creates the prober over the monitor's node list.
func NewProber(m *monitor.Monitor, cfg config.HealthCheck) *Prober {
	return &Prober{
		monitor: m,
		cfg:     cfg,
		logger:  log.WithComponent("healthcheck"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the probe loop.
func (p *Prober) Start() {
	go p.run()
}

// Stop stops the probe loop.
func (p *Prober) Stop() {
	close(p.stopCh)
}

func (p *Prober) run() {
	ticker := time.NewTicker(p.cfg.Interval.Std())
	defer ticker.Stop()

	p.logger.Info().
		Dur("interval", p.cfg.Interval.Std()).
		Msg("health check prober started")

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stopCh:
			p.logger.Info().Msg("health check prober stopped")
			return
		}
	}
}

func (p *Prober) probeAll() {
	// Only the monitor serving writes checks health; a raft standby
	// would race the leader's verdicts.
	if !p.monitor.IsLeader() {
		return
	}

	nodes, err := p.monitor.Store().ListNodes()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list nodes for health checks")
		return
	}

	for _, node := range nodes {
		verdict := p.probe(node)
		if err := p.monitor.ReportNodeHealth(node.ID, verdict); err != nil {
			p.logger.Error().
				Err(err).
				Int64("node_id", node.ID).
				Msg("failed to report node health")
		}
	}
}

// probe retries the TCP check a few times before calling a node bad.
func (p *Prober) probe(node *types.Node) types.NodeHealth {
	checker := NewTCPChecker(node.Addr(), p.cfg.Timeout.Std())

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(p.cfg.Retries+1)*p.cfg.Timeout.Std())
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if err = checker.Check(ctx); err == nil {
			return types.NodeHealthGood
		}
	}

	p.logger.Debug().
		Err(err).
		Int64("node_id", node.ID).
		Str("address", node.Addr()).
		Msg("node failed health check")
	return types.NodeHealthBad
}

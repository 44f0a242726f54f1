package monitor

import (
	"strconv"
	"time"

	"github.com/pgpilot/pgpilot/pkg/metrics"
)

// MetricsCollector samples the metadata store into the prometheus gauges.
type MetricsCollector struct {
	monitor *Monitor
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(m *Monitor) *MetricsCollector {
	return &MetricsCollector{
		monitor: m,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectNodeMetrics()
	c.collectFormationMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes, err := c.monitor.store.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[[2]string]int)
	groups := make(map[string]bool)
	for _, node := range nodes {
		counts[[2]string{string(node.ReportedState), string(node.Health)}]++
		groups[node.Formation+"/"+strconv.Itoa(node.GroupID)] = true
	}

	metrics.NodesTotal.Reset()
	for key, count := range counts {
		metrics.NodesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	metrics.GroupsTotal.Set(float64(len(groups)))
}

func (c *MetricsCollector) collectFormationMetrics() {
	formations, err := c.monitor.store.ListFormations()
	if err != nil {
		return
	}
	metrics.FormationsTotal.Set(float64(len(formations)))
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.monitor.raft == nil {
		return
	}
	if c.monitor.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	future := c.monitor.raft.GetConfiguration()
	if err := future.Error(); err == nil {
		metrics.RaftPeers.Set(float64(len(future.Configuration().Servers)))
	}
}

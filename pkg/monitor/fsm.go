package monitor

import (
	"fmt"
	"time"

	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// Internal election adjustments. The two constants are distinct on purpose:
// perform_promotion pushes the target above every user-settable priority,
// while perform_failover only disadvantages the outgoing primary.
const (
	promotionBoost  = 101
	failoverPenalty = 100
)

// groupContext is one consistent snapshot of a replication group, loaded
// fresh under the group lock at the start of every state machine run.
type groupContext struct {
	formation *types.Formation
	nodes     []*types.Node
	active    *types.Node
	now       time.Time
}

// others returns the group members other than n, in node id order.
func (g *groupContext) others(n *types.Node) []*types.Node {
	var out []*types.Node
	for _, peer := range g.nodes {
		if peer.ID != n.ID {
			out = append(out, peer)
		}
	}
	return out
}

// primaryNode finds the member holding the writable role, preferring the
// assigned goal over a possibly stale reported state.
func (g *groupContext) primaryNode() *types.Node {
	for _, n := range g.nodes {
		if n.GoalState.IsWritable() {
			return n
		}
	}
	for _, n := range g.nodes {
		if n.ReportedState.IsWritable() && n.GoalState != types.StateDropped {
			return n
		}
	}
	return nil
}

// demotingNode finds the member on its way out of the writable role.
func (g *groupContext) demotingNode() *types.Node {
	for _, n := range g.nodes {
		switch n.GoalState {
		case types.StateDraining, types.StateDemoteTimeout,
			types.StatePrepareMaintenance:
			return n
		}
	}
	return nil
}

// activeMembers counts the nodes that take part in failover decisions:
// everyone except maintenance and dropped nodes.
func (g *groupContext) activeMembers() []*types.Node {
	var out []*types.Node
	for _, n := range g.nodes {
		if n.IsInMaintenance() || n.GoalState == types.StateDropped {
			continue
		}
		out = append(out, n)
	}
	return out
}

// selectedCandidate finds the standby already chosen by a running election.
func (g *groupContext) selectedCandidate() *types.Node {
	for _, n := range g.nodes {
		switch n.GoalState {
		case types.StateFastForward, types.StatePreparePromotion,
			types.StateStopReplication:
			return n
		case types.StateWaitPrimary:
			if !n.ReportedState.IsWritable() {
				return n
			}
		}
	}
	return nil
}

// ProceedGroupState runs one invocation of the group state machine for the
// group containing the given node. The caller holds the group lock. At most
// a small bounded number of goal transitions are applied; everything else
// waits for the next heartbeat.
func (m *Monitor) ProceedGroupState(node *types.Node) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FSMDuration)

	formation, err := m.store.GetFormation(node.Formation)
	if err != nil {
		return NewError(ClassUndefinedObject, "formation %q is not known", node.Formation)
	}

	nodes, err := m.store.ListGroupNodes(node.Formation, node.GroupID)
	if err != nil {
		return fmt.Errorf("failed to list group nodes: %w", err)
	}

	g := &groupContext{
		formation: formation,
		nodes:     nodes,
		now:       m.now(),
	}
	for _, n := range nodes {
		if n.ID == node.ID {
			g.active = n
		}
	}
	if g.active == nil {
		// Row deleted while we were waiting on the lock.
		return nil
	}

	if len(g.nodes) == 1 {
		return m.proceedSingleNode(g)
	}

	switch g.active.ReportedState {
	case types.StateSingle, types.StateWaitPrimary, types.StateJoinPrimary,
		types.StatePrimary:
		return m.proceedPrimary(g)

	case types.StateApplySettings:
		return m.proceedApplySettings(g)

	case types.StateInit:
		// A freshly registered standby has not reported yet, but the
		// group reacts to its assignment right away.
		if g.active.GoalState == types.StateWaitStandby {
			return m.proceedWaitStandby(g)
		}
		return nil

	case types.StateWaitStandby:
		return m.proceedWaitStandby(g)

	case types.StateCatchingUp:
		return m.proceedCatchingUp(g)

	case types.StateSecondary:
		return m.proceedSecondary(g)

	case types.StateReportLSN:
		return m.proceedReportLSN(g)

	case types.StateFastForward:
		return m.proceedFastForward(g)

	case types.StatePreparePromotion:
		return m.proceedPreparePromotion(g)

	case types.StateStopReplication:
		return m.proceedStopReplication(g)

	case types.StateDemoted:
		return m.proceedDemoted(g)

	case types.StateWaitMaintenance:
		return m.proceedWaitMaintenance(g)

	case types.StateJoinSecondary:
		return m.proceedJoinSecondary(g)
	}

	// draining, demote_timeout, prepare_maintenance, maintenance, dropped,
	// unknown: these states wait for their peers (or the keeper) to move
	// first.
	return nil
}

// proceedSingleNode degenerates a one-node group back to single.
func (m *Monitor) proceedSingleNode(g *groupContext) error {
	n := g.active
	if n.GoalState == types.StateDropped || n.IsInMaintenance() {
		return nil
	}
	if n.GoalState != types.StateSingle && n.CandidatePriority > 0 {
		return m.setGoalState(n, types.StateSingle,
			"group has a single node left: assigning single")
	}
	return nil
}

// proceedPrimary handles the member currently holding the writable role.
func (m *Monitor) proceedPrimary(g *groupContext) error {
	primary := g.active

	// A primary reporting its own postgres down starts the failover
	// without waiting for a standby heartbeat.
	if m.oracle.IsUnhealthy(primary, g.now) && primary.GoalState.IsWritable() {
		return m.startFailover(g, primary, "primary is unhealthy")
	}

	// Onboarding: react to standbys waiting at the gate.
	for _, sb := range g.others(primary) {
		if sb.GoalState != types.StateWaitStandby {
			continue
		}
		switch {
		case primary.ReportedState == types.StateSingle && primary.GoalState == types.StateSingle:
			return m.setGoalState(primary, types.StateWaitPrimary,
				"a new standby was registered: opening replication")
		case primary.ReportedState == types.StatePrimary && primary.GoalState == types.StatePrimary:
			return m.setGoalState(primary, types.StateJoinPrimary,
				"a new standby was registered: adding replication slot")
		case primary.ReportedState == types.StateWaitPrimary || primary.ReportedState == types.StateJoinPrimary:
			if sb.ReportedState == types.StateWaitStandby {
				if err := m.setGoalState(sb, types.StateCatchingUp,
					"primary is ready for replication"); err != nil {
					return err
				}
			}
		}
	}

	// Standbys that stopped being healthy leave the replication quorum.
	if m.oracle.IsHealthy(primary) {
		if err := m.demoteUnhealthySecondaries(g, primary); err != nil {
			return err
		}
	}

	// A former primary waiting in demoted rejoins as a standby.
	for _, peer := range g.others(primary) {
		if peer.ReportedState == types.StateDemoted && peer.GoalState == types.StateDemoted &&
			(primary.ReportedState == types.StateWaitPrimary || primary.ReportedState == types.StatePrimary) {
			peer.PriorityBoost = 0
			if err := m.setGoalState(peer, types.StateCatchingUp,
				"former primary is rejoining as a standby"); err != nil {
				return err
			}
			if primary.ReportedState == types.StatePrimary && primary.GoalState == types.StatePrimary {
				return m.setGoalState(primary, types.StateJoinPrimary,
					"former primary is rejoining: adding replication slot")
			}
			return nil
		}
	}

	// join_secondary standbys finish once we hold the writable role.
	for _, peer := range g.others(primary) {
		if peer.ReportedState == types.StateJoinSecondary && peer.GoalState == types.StateJoinSecondary {
			if err := m.setGoalState(peer, types.StateSecondary,
				"standby joined the new primary"); err != nil {
				return err
			}
		}
	}

	// Maintenance handshake: the standby may stop once we adjusted.
	for _, peer := range g.others(primary) {
		if peer.GoalState == types.StateWaitMaintenance &&
			(primary.ReportedState == types.StatePrimary || primary.ReportedState == types.StateWaitPrimary) {
			if err := m.setGoalState(peer, types.StateMaintenance,
				"primary has adjusted: standby may enter maintenance"); err != nil {
				return err
			}
		}
	}

	// Converge to primary once the standbys are in place.
	if (primary.ReportedState == types.StateWaitPrimary || primary.ReportedState == types.StateJoinPrimary) &&
		primary.GoalState == primary.ReportedState {
		if m.standbysConverged(g, primary) {
			return m.setGoalState(primary, types.StatePrimary,
				"standbys are healthy and in sync: enabling synchronous replication")
		}
	}

	return nil
}

// demoteUnhealthySecondaries removes failed standbys from the quorum and,
// when none is left with number_sync_standbys at 0, gives up synchronous
// replication so the primary keeps accepting writes.
func (m *Monitor) demoteUnhealthySecondaries(g *groupContext, primary *types.Node) error {
	for _, sb := range g.others(primary) {
		if sb.ReportedState == types.StateSecondary && sb.GoalState == types.StateSecondary &&
			m.oracle.IsUnhealthy(sb, g.now) {
			if err := m.setGoalState(sb, types.StateCatchingUp,
				"standby is unhealthy: removing it from the replication quorum"); err != nil {
				return err
			}
		}
	}

	if primary.GoalState != types.StatePrimary || g.formation.NumberSyncStandbys != 0 {
		return nil
	}

	anyQuorum, healthySync := false, 0
	for _, sb := range g.others(primary) {
		if !sb.ReplicationQuorum {
			continue
		}
		anyQuorum = true
		if sb.GoalState == types.StateSecondary && m.oracle.IsHealthy(sb) {
			healthySync++
		}
	}
	if anyQuorum && healthySync == 0 {
		return m.setGoalState(primary, types.StateWaitPrimary,
			"no healthy synchronous standby left: disabling synchronous replication to keep accepting writes")
	}
	return nil
}

// standbysConverged reports whether every standby the primary waits on has
// reached secondary, with at least one healthy quorum member (or none
// expected at all).
func (m *Monitor) standbysConverged(g *groupContext, primary *types.Node) bool {
	anyQuorum, healthySync := false, 0
	for _, sb := range g.others(primary) {
		if sb.IsInMaintenance() || sb.GoalState == types.StateDropped {
			continue
		}
		switch sb.GoalState {
		case types.StateWaitStandby, types.StateCatchingUp:
			// Still converging: only blocks the primary while healthy or
			// still reporting, a dead catching-up standby must not wedge
			// the group.
			if m.oracle.IsHealthy(sb) || m.oracle.IsReporting(sb, g.now) {
				return false
			}
		case types.StateSecondary:
			if sb.ReportedState != types.StateSecondary {
				return false
			}
			if sb.ReplicationQuorum {
				anyQuorum = true
				if m.oracle.IsHealthy(sb) {
					healthySync++
				}
			}
		}
	}
	if anyQuorum {
		return healthySync > 0
	}
	// No quorum standby reached secondary: the primary can only leave
	// wait_primary when synchronous replication is not expected.
	for _, sb := range g.others(primary) {
		if sb.ReplicationQuorum && !sb.IsInMaintenance() && sb.GoalState != types.StateDropped {
			return false
		}
	}
	return true
}

// proceedApplySettings finishes a settings reload.
func (m *Monitor) proceedApplySettings(g *groupContext) error {
	if g.active.GoalState == types.StateApplySettings {
		return m.setGoalState(g.active, types.StatePrimary,
			"replication settings applied")
	}
	return nil
}

// proceedWaitStandby moves the registration handshake forward from the
// standby side.
func (m *Monitor) proceedWaitStandby(g *groupContext) error {
	sb := g.active
	primary := g.primaryNode()
	if primary == nil {
		return nil
	}

	switch {
	case primary.ReportedState == types.StateSingle && primary.GoalState == types.StateSingle:
		return m.setGoalState(primary, types.StateWaitPrimary,
			"a new standby was registered: opening replication")
	case primary.ReportedState == types.StatePrimary && primary.GoalState == types.StatePrimary:
		return m.setGoalState(primary, types.StateJoinPrimary,
			"a new standby was registered: adding replication slot")
	case primary.ReportedState == types.StateWaitPrimary || primary.ReportedState == types.StateJoinPrimary:
		if sb.GoalState == types.StateWaitStandby && sb.ReportedState == types.StateWaitStandby {
			return m.setGoalState(sb, types.StateCatchingUp,
				"primary is ready for replication")
		}
	}
	return nil
}

// proceedCatchingUp promotes a caught-up standby into the quorum, or joins
// a failover when the primary is gone.
func (m *Monitor) proceedCatchingUp(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StateCatchingUp {
		return nil
	}

	primary := g.primaryNode()
	if primary == nil || primary.ID == sb.ID {
		return nil
	}

	if m.oracle.IsUnhealthy(primary, g.now) && primary.GoalState.IsWritable() {
		return m.startFailover(g, primary, "primary is unhealthy")
	}

	switch primary.ReportedState {
	case types.StateWaitPrimary, types.StateJoinPrimary, types.StatePrimary:
	default:
		return nil
	}

	if !m.oracle.IsHealthy(sb) || !sb.ReportedLSN.IsValid() {
		return nil
	}

	lag := sb.ReportedLSN.DistanceBehind(primary.ReportedLSN)
	if lag > m.oracle.Thresholds().EnableSyncWalThreshold {
		return nil
	}

	return m.setGoalState(sb, types.StateSecondary,
		"standby caught up: enabling synchronous replication")
}

// proceedSecondary watches the primary from a settled standby.
func (m *Monitor) proceedSecondary(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StateSecondary {
		return nil
	}

	primary := g.primaryNode()
	if primary == nil || primary.ID == sb.ID {
		return nil
	}

	if m.oracle.IsUnhealthy(primary, g.now) && primary.GoalState.IsWritable() {
		return m.startFailover(g, primary, "primary is unhealthy")
	}

	// This standby reaching secondary may be what the primary waits on.
	if (primary.ReportedState == types.StateWaitPrimary || primary.ReportedState == types.StateJoinPrimary) &&
		primary.GoalState == primary.ReportedState && m.standbysConverged(g, primary) {
		return m.setGoalState(primary, types.StatePrimary,
			"standbys are healthy and in sync: enabling synchronous replication")
	}

	return nil
}

// startFailover begins the failover of an unhealthy or vacating primary:
// the two-member handshake when a single standby is in play, the
// multi-standby election otherwise.
func (m *Monitor) startFailover(g *groupContext, primary *types.Node, reason string) error {
	return m.startFailoverWithTrigger(g, primary, reason, "unhealthy")
}

func (m *Monitor) startFailoverWithTrigger(g *groupContext, primary *types.Node, reason, trigger string) error {
	members := g.activeMembers()

	var standbys []*types.Node
	for _, n := range members {
		if n.ID == primary.ID {
			continue
		}
		switch n.GoalState {
		case types.StateSecondary, types.StateCatchingUp:
			standbys = append(standbys, n)
		}
	}
	if len(standbys) == 0 {
		return m.emitEvent(primary, reason+": no standby can take over")
	}

	if len(standbys) == 1 && len(members) == 2 {
		return m.startTwoNodeFailover(g, primary, standbys[0], reason, trigger)
	}

	metrics.FailoversTotal.WithLabelValues(trigger).Inc()

	if err := m.setGoalState(primary, types.StateDraining,
		reason+": draining before demotion"); err != nil {
		return err
	}

	for _, sb := range standbys {
		// A standby whose postgres is down but whose keeper is alive can
		// still tell us its last received position. One that is neither
		// healthy nor reporting is skipped and not waited for.
		if !m.oracle.IsHealthy(sb) && !m.oracle.IsReporting(sb, g.now) {
			continue
		}
		if err := m.setGoalState(sb, types.StateReportLSN,
			"failover in progress: report the last received LSN"); err != nil {
			return err
		}
	}
	return nil
}

// startTwoNodeFailover runs the single-standby handshake.
func (m *Monitor) startTwoNodeFailover(g *groupContext, primary, sb *types.Node, reason, trigger string) error {
	if sb.GoalState != types.StateSecondary || sb.ReportedState != types.StateSecondary {
		return m.emitEvent(sb, reason+": only standby is not a settled secondary yet")
	}
	if !m.oracle.IsHealthy(sb) || sb.ElectionPriority() <= 0 {
		return m.emitEvent(sb, reason+": only standby cannot be promoted")
	}

	lag := sb.ReportedLSN.DistanceBehind(primary.ReportedLSN)
	if lag > m.oracle.Thresholds().PromoteWalThreshold {
		metrics.PromotionRefusalsTotal.Inc()
		return m.emitEvent(sb, fmt.Sprintf(
			"%s: promotion refused, standby is %d bytes behind the primary (threshold %d)",
			reason, lag, m.oracle.Thresholds().PromoteWalThreshold))
	}

	metrics.FailoversTotal.WithLabelValues(trigger).Inc()

	if err := m.setGoalState(primary, types.StateDraining,
		reason+": draining before demotion"); err != nil {
		return err
	}
	return m.setGoalState(sb, types.StatePreparePromotion,
		"promoting the only standby")
}

// proceedReportLSN advances the multi-standby election from a participant's
// heartbeat: wait for every expected report, elect, or cascade behind an
// already elected candidate.
func (m *Monitor) proceedReportLSN(g *groupContext) error {
	// The failover may have settled while this node was parked in
	// report_lsn (maintenance exit, late rejoin): no election then, just
	// catch up with whoever won.
	if primary := g.primaryNode(); primary != nil && primary.ID != g.active.ID &&
		primary.GoalState.IsWritable() && primary.ReportedState.IsWritable() {
		if g.active.GoalState == types.StateReportLSN {
			return m.setGoalState(g.active, types.StateCatchingUp,
				"failover is over: catching up with the current primary")
		}
		return nil
	}

	// An election may already have a winner; everyone else lines up
	// behind it once it starts promoting.
	if selected := g.selectedCandidate(); selected != nil {
		return m.cascadeBehindCandidate(g, selected)
	}

	var expected, participants []*types.Node
	for _, n := range g.nodes {
		if n.GoalState != types.StateReportLSN {
			continue
		}
		if n.ReportedState == types.StateReportLSN {
			participants = append(participants, n)
			continue
		}
		if m.oracle.IsHealthy(n) || m.oracle.IsReporting(n, g.now) {
			expected = append(expected, n)
		}
	}

	if len(expected) > 0 {
		return m.emitEvent(g.active, fmt.Sprintf(
			"failover in progress: waiting for %d node(s) to report their LSN", len(expected)))
	}
	if len(participants) == 0 {
		return nil
	}

	candidates := make([]Candidate, 0, len(participants))
	for _, n := range participants {
		candidates = append(candidates, Candidate{
			Node: n,
			// Postgres must be running on the target for a promotion,
			// but a reporting node still contributes its position.
			Healthy: m.oracle.IsHealthy(n) ||
				(n.PGIsRunning && m.oracle.IsReporting(n, g.now)),
		})
	}

	primaryLSN := types.InvalidLSN
	if demoting := g.demotingNode(); demoting != nil {
		primaryLSN = demoting.ReportedLSN
	}

	selection, err := SelectCandidate(candidates, primaryLSN,
		m.oracle.Thresholds().PromoteWalThreshold)
	if err != nil {
		metrics.PromotionRefusalsTotal.Inc()
		return m.emitEvent(g.active, err.Error())
	}
	if selection == nil {
		return m.emitEvent(g.active,
			"failover in progress: no promotion candidate available yet")
	}

	if selection.NeedsFastForward {
		return m.setGoalState(selection.Node, types.StateFastForward, fmt.Sprintf(
			"elected for promotion: fast forwarding to %s from a more advanced standby",
			selection.MaxLSN))
	}
	return m.setGoalState(selection.Node, types.StatePreparePromotion,
		"elected for promotion")
}

// cascadeBehindCandidate parks the remaining report_lsn nodes behind the
// elected candidate, and restarts the election if the candidate died before
// promoting.
func (m *Monitor) cascadeBehindCandidate(g *groupContext, selected *types.Node) error {
	// Candidate gone quiet before reaching prepare_promotion: put it back
	// into the election pool and re-elect on the next heartbeat.
	if (selected.GoalState == types.StateFastForward || selected.GoalState == types.StatePreparePromotion) &&
		selected.ReportedState != types.StatePreparePromotion &&
		selected.ReportedState != types.StateStopReplication &&
		!m.oracle.IsHealthy(selected) && !m.oracle.IsReporting(selected, g.now) {
		return m.setGoalState(selected, types.StateReportLSN,
			"elected candidate stopped responding: re-entering the election")
	}

	switch selected.ReportedState {
	case types.StatePreparePromotion, types.StateStopReplication,
		types.StateWaitPrimary, types.StatePrimary:
	default:
		return nil
	}

	sb := g.active
	if sb.ID != selected.ID && sb.GoalState == types.StateReportLSN {
		return m.setGoalState(sb, types.StateJoinSecondary,
			"a new primary is being promoted: rejoining as a standby")
	}
	return nil
}

// proceedFastForward finishes the missing-WAL fetch.
func (m *Monitor) proceedFastForward(g *groupContext) error {
	if g.active.GoalState == types.StateFastForward {
		return m.setGoalState(g.active, types.StatePreparePromotion,
			"fast forward complete: promoting")
	}
	return nil
}

// proceedPreparePromotion continues the promotion handshake once the
// candidate is ready to be promoted.
func (m *Monitor) proceedPreparePromotion(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StatePreparePromotion {
		return nil
	}

	primary := g.demotingNode()
	if primary == nil {
		primary = g.primaryNode()
		if primary != nil && primary.ID == sb.ID {
			primary = nil
		}
	}

	// Maintenance hand-over skips the demote handshake: the old primary
	// shuts down under keeper control.
	if primary != nil && primary.IsInMaintenance() {
		if primary.GoalState == types.StatePrepareMaintenance {
			if err := m.setGoalState(primary, types.StateMaintenance,
				"primary handed over: entering maintenance"); err != nil {
				return err
			}
		}
		sb.PriorityBoost = 0
		return m.setGoalState(sb, types.StateWaitPrimary,
			"promoting standby while the old primary is in maintenance")
	}

	if primary == nil {
		// Old primary row is gone (removed): promote directly.
		sb.PriorityBoost = 0
		return m.setGoalState(sb, types.StateWaitPrimary, "promoting standby")
	}

	if err := m.setGoalState(primary, types.StateDemoteTimeout,
		"asking primary to demote"); err != nil {
		return err
	}
	return m.setGoalState(sb, types.StateStopReplication,
		"stopping replication before promotion")
}

// proceedStopReplication completes the promotion once the old primary
// demoted or the drain timeout expired.
func (m *Monitor) proceedStopReplication(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StateStopReplication {
		return nil
	}

	primary := g.demotingNode()
	drained := primary == nil ||
		primary.ReportedState == types.StateDemoteTimeout ||
		m.oracle.IsDrainExpired(primary, g.now)
	if !drained {
		return nil
	}

	if primary != nil && primary.GoalState == types.StateDemoteTimeout {
		if err := m.setGoalState(primary, types.StateDemoted,
			"primary has drained: demoted"); err != nil {
			return err
		}
	}

	sb.PriorityBoost = 0
	return m.setGoalState(sb, types.StateWaitPrimary, "promoting standby")
}

// proceedDemoted rejoins a demoted primary as a standby of the new one.
func (m *Monitor) proceedDemoted(g *groupContext) error {
	old := g.active
	if old.GoalState != types.StateDemoted {
		return nil
	}

	peer := g.primaryNode()
	if peer == nil || peer.ID == old.ID {
		return nil
	}

	switch peer.ReportedState {
	case types.StateWaitPrimary, types.StatePrimary:
	default:
		return nil
	}

	old.PriorityBoost = 0
	if err := m.setGoalState(old, types.StateCatchingUp,
		"rejoining the group as a standby"); err != nil {
		return err
	}

	if peer.ReportedState == types.StatePrimary && peer.GoalState == types.StatePrimary {
		return m.setGoalState(peer, types.StateJoinPrimary,
			"former primary is rejoining: adding replication slot")
	}
	return nil
}

// proceedWaitMaintenance lets the standby stop once the primary adjusted.
func (m *Monitor) proceedWaitMaintenance(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StateWaitMaintenance {
		return nil
	}
	primary := g.primaryNode()
	if primary == nil {
		return nil
	}
	switch primary.ReportedState {
	case types.StatePrimary, types.StateWaitPrimary, types.StateJoinPrimary:
		return m.setGoalState(sb, types.StateMaintenance,
			"primary has adjusted: standby may enter maintenance")
	}
	return nil
}

// proceedJoinSecondary settles a cascaded standby under the new primary.
func (m *Monitor) proceedJoinSecondary(g *groupContext) error {
	sb := g.active
	if sb.GoalState != types.StateJoinSecondary {
		return nil
	}
	primary := g.primaryNode()
	if primary == nil || primary.ID == sb.ID {
		return nil
	}
	switch primary.ReportedState {
	case types.StateWaitPrimary, types.StatePrimary:
		return m.setGoalState(sb, types.StateSecondary,
			"standby joined the new primary")
	}
	return nil
}

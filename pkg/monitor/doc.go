/*
Package monitor implements the failover coordination core.

The Monitor owns the authoritative metadata (formations, nodes, events) and
decides, as keeper heartbeats and health reports come in, which node of
each replication group should be primary, which should be standbys, and how
to orchestrate a failover when the primary goes away.

# Group state machine

Every node carries a reported state (what its keeper last achieved) and an
assigned goal state. ProceedGroupState is the decision procedure: invoked
under the group's exclusive lock on every node_active call and health
report, and after each registration, it pattern-matches on the reporting
node's state, the primary's state and the group shape, and applies a small
bounded number of goal transitions. Keepers converge toward their goal and
report back; liveness is bounded by the heartbeat cadence. Administrative
operations (failover, promotion, maintenance, removal, settings changes)
assign their goal states directly and do not invoke ProceedGroupState;
further transitions wait for the next heartbeat.

Failovers come in two shapes. With a single standby the monitor runs the
direct handshake (prepare_promotion, stop_replication, wait_primary while
the primary drains through demote_timeout into demoted). With several
standbys it first parks every reachable standby in report_lsn, then elects
a candidate by (priority, position, node id), refusing the election
entirely when even the best position would lose more WAL than
promote_wal_threshold allows.

# Replication of the monitor's own state

Every metadata write is a Command. Standalone monitors apply commands
straight to the local bolt store; with raft enabled commands go through the
replicated log and only the leader serves write procedures.
*/
package monitor

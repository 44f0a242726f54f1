/*
Package types defines the shared domain model for pgpilot: formations,
nodes, the canonical replication state enum, events, and the LSN value type.

The replication state enum is kept canonical inside the process and only
serialized as its stable string tags at API and storage boundaries. A node
carries both a reported state (what its keeper last claimed) and a goal
state (what the monitor last assigned); the group state machine in
pkg/monitor is the only writer of goal states.
*/
package types

/*
Package storage provides the authoritative metadata store for the monitor.

The Store interface covers formations, nodes and the append-only event log;
BoltStore implements it on a single BoltDB file with JSON values. Node and
event ids are allocated from bucket sequences, so node listings and event
queries come back in id order without extra indexes.

The store itself is oblivious to locking: pkg/monitor serializes writes per
group before touching it, and when raft replication is enabled every write
reaches the store through the replicated command log.
*/
package storage

// Package config loads the monitor configuration from YAML and carries the
// failover thresholds as one immutable value handed to the health oracle
// and the group state machine.
package config

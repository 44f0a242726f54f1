// Package events distributes "state" notifications to in-process
// subscribers. Every goal-state change published by pkg/monitor fans out to
// buffered subscriber channels; a slow subscriber drops notifications
// rather than blocking the monitor.
package events

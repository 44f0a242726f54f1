// Package log wraps zerolog with a process-global logger and child-logger
// helpers carrying the fields used across pgpilot (component, formation,
// group, node).
package log

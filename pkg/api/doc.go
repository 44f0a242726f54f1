// Package api exposes the monitor procedures over HTTP/JSON: keeper
// registration and heartbeats, operator administration, state queries, and
// a server-sent-events stream of state notifications. Error responses carry
// the same classified payload everywhere so clients can tell retryable
// conditions from hard failures.
package api

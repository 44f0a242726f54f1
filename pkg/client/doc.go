// Package client is the Go client for the monitor's procedure surface,
// used by keeper agents and the operator CLI. Retries are limited to
// transport failures and errors the server marks retryable (HTTP 503:
// connection_exception and retryable prerequisite-state errors); everything
// else surfaces the server's classified error.
package client

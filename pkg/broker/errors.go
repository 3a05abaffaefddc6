// Package broker wraps the Kafka client layer: a transactional validating
// producer, per-topic group consumers with reconnect logic, and an idempotent
// topic admin client.
package broker

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by administrative consumer operations invoked
// while the consumer is stopped.
var ErrNotRunning = errors.New("consumer is not running")

// ErrClosed is returned by operations on a closed producer.
var ErrClosed = errors.New("producer is closed")

// ErrNoTransaction is returned when committing or aborting without an open
// transactional scope.
var ErrNoTransaction = errors.New("no transaction in progress")

// ConnectivityError indicates the broker was unreachable. Callers retry with
// backoff at the component level; health checks surface it as unhealthy.
type ConnectivityError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker unreachable during %s: %v", e.Op, e.Cause)
}

// Unwrap exposes the wrapped cause.
func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

// TransactionError indicates a transactional scope failed. The transaction is
// aborted before this error propagates to the caller.
type TransactionError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Cause)
}

// Unwrap exposes the wrapped cause.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}

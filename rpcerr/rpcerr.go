// Package rpcerr defines the failure taxonomy shared by the transport, the
// correlator, the retry policy and the call surface.
//
//	ConnectionError      transport open / dial / teardown failure   (transient)
//	ErrNotConnected      send attempted while the transport is not open (transient)
//	TimeoutError         no response within the per-call deadline      (transient)
//	RPCError             explicit error object returned by the engine  (permanent)
//	RetryExhaustedError  every bounded attempt failed; wraps the last cause
//
// Malformed inbound frames are dropped by the transport and never surface here.
package rpcerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("rpc: not connected")

// ConnectionError reports a failure to open, or the loss of, the connection.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("rpc: connection: %v", e.Err)
	}
	return fmt.Sprintf("rpc: connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a request that was not answered in time. Its id has
// already been removed from the pending set when the error is delivered.
type TimeoutError struct {
	ID    uint64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: request %d timed out after %s", e.ID, e.After)
}

// Timeout lets TimeoutError satisfy net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// RPCError is a well-formed rejection returned by the remote engine.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

// RetryExhaustedError is returned once every attempt of a retried operation failed.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("rpc: giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Retryable reports whether err is a transport-level condition that a fresh
// connection and a re-issued request may clear.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var connErr *ConnectionError
	var timeoutErr *TimeoutError
	return errors.Is(err, ErrNotConnected) ||
		errors.As(err, &connErr) ||
		errors.As(err, &timeoutErr)
}

// Permanent reports whether err is a rejection by the engine rather than a
// transient failure that has already been retried.
func Permanent(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

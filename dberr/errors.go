// Package dberr defines the error taxonomy surfaced by the driver. It is a
// leaf package so both the internal protocol/pool layers and the public
// driver facade can reference the same concrete types without a cycle.
//
// Every kind is a concrete struct satisfying error, wrapped with %w at each
// hop so callers can use errors.Is / errors.As against the exported types.
package dberr

import (
	"fmt"
	"strings"
)

// ServerError represents a FAILURE response from the server: a Cypher
// syntax error, a constraint violation, a transient cluster condition, and
// so on. Classification, Category and Title follow Neo4j's
// "Neo.<Classification>.<Category>.<Title>" status code scheme; GQLStatus
// and friends are only populated by servers speaking Bolt 5.7+.
type ServerError struct {
	Code                 string
	Message              string
	GQLStatus            string
	GQLStatusDescription string
	GQLClassification    string
	Diagnostic           map[string]any
	Classification       string
	Category             string
	Title                string
	Cause                *ServerError
}

func (e *ServerError) Error() string {
	if e.GQLStatus != "" {
		return fmt.Sprintf("server error %s (%s): %s", e.Code, e.GQLStatus, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a managed transaction should retry after this
// error: transient conditions, cluster role changes, expired authorization
// and deadlock victims are retryable; other client errors and
// schema/security errors are not.
func (e *ServerError) IsRetryable() bool {
	switch e.Code {
	case "Neo.TransientError.Transaction.Terminated",
		"Neo.TransientError.Transaction.LockClientStopped":
		return false
	case "Neo.ClientError.Cluster.NotALeader",
		"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase",
		"Neo.ClientError.Security.AuthorizationExpired",
		"Neo.DatabaseError.Transaction.DeadlockDetected":
		return true
	}
	return e.Classification == "TransientError"
}

// IsClusterRoleError reports whether the server rejected a write because
// the member is not (or is no longer) the leader for the database. The
// routing layer reacts by marking the writer bad and forcing a refresh.
func (e *ServerError) IsClusterRoleError() bool {
	return e.Code == "Neo.ClientError.Cluster.NotALeader" ||
		e.Code == "Neo.ClientError.General.ForbiddenOnReadOnlyDatabase"
}

// IsInvalidatedAuth reports whether the server rejected the connection's
// authentication token, meaning the driver must discard cached credentials
// rather than retry as-is.
func (e *ServerError) IsInvalidatedAuth() bool {
	return e.Code == "Neo.ClientError.Security.AuthorizationExpired" ||
		e.Code == "Neo.ClientError.Security.TokenExpired" ||
		e.Code == "Neo.ClientError.Security.Unauthorized"
}

// NewServerErrorFromMeta builds a ServerError from a FAILURE message's
// metadata map, including the optional GQL-status fields and cause chain.
func NewServerErrorFromMeta(meta map[string]any) *ServerError {
	e := &ServerError{}
	e.Code, _ = meta["code"].(string)
	e.Message, _ = meta["message"].(string)
	e.GQLStatus, _ = meta["gql_status"].(string)
	e.GQLStatusDescription, _ = meta["description"].(string)
	e.Diagnostic, _ = meta["diagnostic_record"].(map[string]any)
	if c, ok := e.Diagnostic["_classification"].(string); ok {
		e.GQLClassification = c
	}
	e.Classification, e.Category, e.Title = classifyCode(e.Code)
	if cause, ok := meta["cause"].(map[string]any); ok {
		e.Cause = NewServerErrorFromMeta(cause)
	}
	return e
}

// classifyCode splits a "Neo.<Classification>.<Category>.<Title>" status
// code into its three components.
func classifyCode(code string) (classification, category, title string) {
	parts := strings.Split(code, ".")
	if len(parts) != 4 || parts[0] != "Neo" {
		return "", "", ""
	}
	return parts[1], parts[2], parts[3]
}

// TransportError wraps a network-level failure (dial, read, write,
// handshake) that leaves the connection unusable. Always fatal for the
// connection, usually retryable at the transaction level.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation indicates the server sent a message illegal for the
// connection's current state (the client's own bookkeeping bug, a
// misbehaving server, or a desync after a prior unhandled error). The
// connection becomes Defunct.
type ProtocolViolation struct {
	State   string
	Message string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in state %s: %s", e.State, e.Message)
}

// SerializationError indicates a value could not be encoded for the wire,
// e.g. an oversized structure or an unsupported Go type in parameters.
type SerializationError struct {
	Reason string
}

func (e *SerializationError) Error() string { return "serialization: " + e.Reason }

// UsageError indicates the caller violated an API contract: Single() on a
// result with zero or many records, running on a closed session, and so
// on. Never retried.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return "usage: " + e.Message }

// ConfigurationError is detected at driver construction time: a bad URI,
// an invalid option combination.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Message }

// TimeoutKind distinguishes which deadline elapsed.
type TimeoutKind string

const (
	TimeoutAcquisition TimeoutKind = "acquisition"
	TimeoutConnect     TimeoutKind = "connect"
	TimeoutRead        TimeoutKind = "read"
)

// TimeoutError reports an acquisition, connect or read deadline elapsing.
// Retryable iff the operation had not yet written a request that may have
// committed server-side.
type TimeoutError struct {
	Kind TimeoutKind
	Err  error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s timeout: %v", e.Kind, e.Err)
	}
	return string(e.Kind) + " timeout"
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ServiceUnavailableError reports that no server could satisfy the
// request: every known router failed discovery, or no member of the
// required role is available. Retryable at the transaction level.
type ServiceUnavailableError struct {
	Message string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service unavailable: %s: %v", e.Message, e.Err)
	}
	return "service unavailable: " + e.Message
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// InvalidatedAuthError reports that an auth manager's credentials are
// stale; the next acquisition must re-authenticate.
type InvalidatedAuthError struct {
	Err error
}

func (e *InvalidatedAuthError) Error() string { return fmt.Sprintf("auth invalidated: %v", e.Err) }
func (e *InvalidatedAuthError) Unwrap() error { return e.Err }

// IsRetryable classifies any driver error for the managed-transaction
// retry loop: server errors per their own classification, transport and
// service-availability failures, and acquisition and connect timeouts
// (nothing was written yet) retry; everything else propagates unchanged.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case *ServerError:
		return e.IsRetryable()
	case *TransportError:
		return true
	case *ServiceUnavailableError:
		return true
	case *TimeoutError:
		return e.Kind == TimeoutAcquisition || e.Kind == TimeoutConnect
	case interface{ Unwrap() error }:
		if inner := e.Unwrap(); inner != nil {
			return IsRetryable(inner)
		}
	}
	return false
}

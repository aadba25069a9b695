// Package errs provides the unified error type used across all of tsgate.
//
// Every subsystem (transport, detector, drivers, pool, manager) wraps its
// native errors into *errs.Error before returning them to callers. Callers use
// the Is* predicates to handle errors without importing driver-specific
// packages.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindTimeout, "query timed out", err)
//
//	// In the command layer, check the error kind:
//	if errs.IsUnsupported(err) {
//	    fmt.Println("server cannot do that:", err)
//	}
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind categorises an error without exposing protocol-specific codes.
// All backends (InfluxDB HTTP, Flight, IoTDB RPC, …) map their native errors
// to one of these kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown        ErrKind = iota
	ErrKindConnection             // unreachable, refused, broken socket
	ErrKindAuthentication         // bad credentials or token
	ErrKindQuery                  // malformed or rejected by the server
	ErrKindWrite                  // payload rejected, partially or fully
	ErrKindUnsupported            // capability says no
	ErrKindTimeout                // deadline exceeded or cancelled
	ErrKindConfiguration          // bad input before any I/O
	ErrKindInternal               // serialization / framing bugs
	ErrKindNotFound               // unknown connection id, database, measurement
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindConnection:
		return "connection"
	case ErrKindAuthentication:
		return "authentication"
	case ErrKindQuery:
		return "query"
	case ErrKindWrite:
		return "write"
	case ErrKindUnsupported:
		return "unsupported"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindInternal:
		return "internal"
	case ErrKindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all tsgate subsystems.
// Drivers produce it; the manager annotates it with the connection id.
type Error struct {
	Kind         ErrKind
	Op           string // operation, e.g. "query", "connect", "detect"
	ConnectionID string
	Message      string
	Cause        error // original protocol-level error, preserved for logging
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.Kind.String())
	sb.WriteString("]")
	if e.Op != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Op)
	}
	if e.ConnectionID != "" {
		fmt.Fprintf(&sb, " (conn=%s)", e.ConnectionID)
	}
	if e.Op != "" || e.ConnectionID != "" {
		sb.WriteString(":")
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Unsupported reports a missing server capability by name.
func Unsupported(capability string) *Error {
	return &Error{Kind: ErrKindUnsupported, Message: "server lacks capability " + capability}
}

// WithOp returns err annotated with the operation name. A *WriteError passes
// through unchanged; other non-*Error values are wrapped with ErrKindUnknown.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we
	}
	e := annotate(err)
	if e.Op == "" {
		e.Op = op
	}
	return e
}

// WithConnection returns err annotated with the connection id. The manager
// calls it on every error leaving the registry.
func WithConnection(err error, id string) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		we.ConnectionID = id
		return we
	}
	e := annotate(err)
	if e.ConnectionID == "" {
		e.ConnectionID = id
	}
	return e
}

func annotate(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		return &cp
	}
	return &Error{Kind: ErrKindUnknown, Message: "unexpected error", Cause: err}
}

// --- Predicates ---

// IsConnection reports whether err is a connectivity failure.
func IsConnection(err error) bool { return KindOf(err) == ErrKindConnection }

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool { return KindOf(err) == ErrKindAuthentication }

// IsQuery reports whether err is a server-side query rejection.
func IsQuery(err error) bool { return KindOf(err) == ErrKindQuery }

// IsWrite reports whether err is a (partial) write rejection.
func IsWrite(err error) bool { return KindOf(err) == ErrKindWrite }

// IsUnsupported reports whether the server lacks a needed capability.
func IsUnsupported(err error) bool { return KindOf(err) == ErrKindUnsupported }

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool { return KindOf(err) == ErrKindTimeout }

// IsConfiguration reports whether err was caused by bad input from the caller.
func IsConfiguration(err error) bool { return KindOf(err) == ErrKindConfiguration }

// IsInternal reports whether err is a serialization or framing bug.
func IsInternal(err error) bool { return KindOf(err) == ErrKindInternal }

// IsNotFound reports whether err represents a missing connection or object.
func IsNotFound(err error) bool { return KindOf(err) == ErrKindNotFound }

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var we *WriteError
	if errors.As(err, &we) {
		return ErrKindWrite
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}

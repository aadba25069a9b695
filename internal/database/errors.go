package database

import (
	"context"
	"errors"
	"net"

	"github.com/koustreak/tsgate/internal/errs"
)

// ContextError maps context cancellation and deadline errors onto Timeout.
// It returns nil for anything else so callers can fall through to their own
// mapping.
func ContextError(err error, op string) *errs.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &errs.Error{Kind: errs.ErrKindTimeout, Op: op, Message: "deadline exceeded", Cause: err}
	case errors.Is(err, context.Canceled):
		return &errs.Error{Kind: errs.ErrKindTimeout, Op: op, Message: "cancelled", Cause: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &errs.Error{Kind: errs.ErrKindTimeout, Op: op, Message: "i/o timeout", Cause: err}
	}
	return nil
}

// IsBroken reports whether err leaves the underlying connection in an
// unknown state. The pool discards such connections instead of reusing them.
func IsBroken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if e, ok := err.(*errs.Error); ok && (e.Kind == errs.ErrKindTimeout || e.Kind == errs.ErrKindConnection) {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, c := range u.Unwrap() {
			if IsBroken(c) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsBroken(u.Unwrap())
	}
	return false
}

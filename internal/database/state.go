package database

import (
	"sync"

	"github.com/koustreak/tsgate/internal/errs"
)

// State is a driver's position in its lifecycle:
// Unconnected -> Connected -> (Authenticated) -> Closed.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateAuthenticated // session-based protocols only
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unconnected"
	}
}

// Ready reports whether queries and writes are allowed.
func (s State) Ready() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Lifecycle is embedded by drivers to track State.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Set moves to s unconditionally.
func (l *Lifecycle) Set(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Require returns a Connection error unless the driver is ready.
func (l *Lifecycle) Require(op string) error {
	switch st := l.State(); {
	case st.Ready():
		return nil
	case st == StateClosed:
		return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "driver is closed"}
	default:
		return ErrNotConnected(op)
	}
}

// BeginConnect reports whether Connect has work to do. It returns false with
// a nil error when already connected, and an error when closed.
func (l *Lifecycle) BeginConnect() (bool, error) {
	switch st := l.State(); {
	case st.Ready():
		return false, nil
	case st == StateClosed:
		return false, &errs.Error{Kind: errs.ErrKindConnection, Op: "connect", Message: "driver is closed"}
	}
	return true, nil
}

// BeginDisconnect reports whether Disconnect has work to do and, if so,
// marks the driver Closed. A never-connected driver stays Unconnected.
func (l *Lifecycle) BeginDisconnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.Ready() {
		return false
	}
	l.state = StateClosed
	return true
}

// ErrNotConnected is returned by operations attempted before Connect.
func ErrNotConnected(op string) error {
	return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "not connected"}
}

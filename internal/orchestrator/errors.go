package orchestrator

import (
	"errors"
	"fmt"

	"github.com/igoryan-dao/pitstop/internal/session"
)

var (
	// ErrActiveSession is returned by Submit when the owner already has a
	// session that has not reached a terminal state.
	ErrActiveSession = errors.New("owner already has an active session")
	ErrTerminal      = errors.New("session already finished")
	ErrQueueFull     = errors.New("session queue is full")
)

// errOperatorCancel interrupts a parked waiter on Cancel.
var errOperatorCancel = errors.New("cancelled by operator")

// InvariantError reports a state the orchestrator should never observe, such as
// an illegal transition or a paused session dequeued without input. It is kept
// apart from domain failures and logged with invariant=true.
type InvariantError struct {
	SessionID string
	State     session.State
	Msg       string
	Err       error
}

func (e *InvariantError) Error() string {
	s := fmt.Sprintf("invariant violated for session %s in %s: %s", e.SessionID, e.State, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *InvariantError) Unwrap() error { return e.Err }

package session

import (
	"fmt"
)

// Kind is the lifecycle phase of a session.
type Kind string

const (
	KindQueued    Kind = "queued"
	KindRunning   Kind = "running"
	KindPaused    Kind = "paused"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
)

// Failure reasons produced by the orchestrator itself. Driver failures carry
// free-form reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
	ReasonInternalError = "internal_error"
)

// State is the tagged session state. InputKind is only meaningful for
// KindPaused and Reason only for KindFailed.
type State struct {
	Kind      Kind   `json:"kind"`
	InputKind string `json:"input_kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func Queued() State  { return State{Kind: KindQueued} }
func Running() State { return State{Kind: KindRunning} }

// Paused builds the awaiting-input state for the given input kind (e.g. "captcha", "otp").
func Paused(inputKind string) State { return State{Kind: KindPaused, InputKind: inputKind} }

func Succeeded() State { return State{Kind: KindSucceeded} }

// Failed builds a terminal failure state.
func Failed(reason string) State { return State{Kind: KindFailed, Reason: reason} }

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s.Kind == KindSucceeded || s.Kind == KindFailed
}

func (s State) String() string {
	switch s.Kind {
	case KindPaused:
		return fmt.Sprintf("paused(%s)", s.InputKind)
	case KindFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return string(s.Kind)
	}
}

// edges lists every legal transition. Anything else is a programming error.
var edges = map[Kind][]Kind{
	KindQueued:  {KindRunning},
	KindRunning: {KindSucceeded, KindFailed, KindPaused},
	KindPaused:  {KindRunning, KindFailed},
}

// CanTransition reports whether from -> to is an edge of the session state machine.
func CanTransition(from, to State) bool {
	if !to.valid() {
		return false
	}
	for _, k := range edges[from.Kind] {
		if k == to.Kind {
			return true
		}
	}
	return false
}

// ValidatePath checks that a recorded history is a connected walk through the
// state machine starting at queued.
func ValidatePath(history []Transition) error {
	prev := Queued()
	for i, t := range history {
		if t.From != prev {
			return fmt.Errorf("transition %d starts at %s, expected %s", i, t.From, prev)
		}
		if !CanTransition(t.From, t.To) {
			return fmt.Errorf("transition %d: %w: %s -> %s", i, ErrIllegalTransition, t.From, t.To)
		}
		prev = t.To
	}
	return nil
}

func (s State) valid() bool {
	switch s.Kind {
	case KindQueued, KindRunning, KindSucceeded:
		return s.InputKind == "" && s.Reason == ""
	case KindPaused:
		return s.InputKind != "" && s.Reason == ""
	case KindFailed:
		return s.Reason != "" && s.InputKind == ""
	}
	return false
}

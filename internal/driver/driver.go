// Package driver defines the contract between the orchestrator and the
// automation that performs the actual scripted interaction.
//
// A driver performs one batch of work per RunStep call and reports what
// happened as an Outcome. The orchestrator switches over the concrete outcome
// types; the set is closed by the unexported marker method.
package driver

import (
	"context"
	"fmt"
)

// Driver runs automation steps. RunStep may be slow and may pin heavy
// resources; callers bound it with ctx. A non-nil error is an infrastructure
// failure and is retried like TransientError.
type Driver interface {
	RunStep(ctx context.Context, step Step) (Outcome, error)
}

// Releaser is implemented by drivers holding per-session resources (browser
// tabs, cursors) that should be dropped once a session is terminal.
type Releaser interface {
	Release(sessionID string)
}

// Step is the context for one driver invocation.
type Step struct {
	SessionID      string
	Owner          string
	Flow           string
	CredentialsRef string
	// Attempt is 1 for the first try of this step and grows on retries.
	Attempt int
	// Resume carries the human reply when the session was paused, nil otherwise.
	Resume *Input
}

// Input is a human reply to a prompt of the given kind.
type Input struct {
	Kind  string
	Value string
}

// Artifact is raw bytes produced by a step, e.g. a challenge image.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outcome is one of Paused, Success, Failure or TransientError.
type Outcome interface {
	outcome()
	fmt.Stringer
}

type (
	// Paused asks a human for input of Kind. Prompt is optional (an OTP sent
	// by SMS needs no image). Message is shown to the human with the prompt.
	Paused struct {
		Kind    string
		Message string
		Prompt  *Artifact
	}

	// Success ends the session. Result is optional.
	Success struct {
		Message string
		Result  *Artifact
	}

	// Failure is a terminal domain failure; never retried.
	Failure struct {
		Reason   string
		Evidence *Artifact
	}

	// TransientError is retried with backoff by the orchestrator.
	TransientError struct {
		Reason string
	}
)

func (Paused) outcome()         {}
func (Success) outcome()        {}
func (Failure) outcome()        {}
func (TransientError) outcome() {}

func (p Paused) String() string         { return "paused(" + p.Kind + ")" }
func (Success) String() string          { return "success" }
func (f Failure) String() string        { return "failure(" + f.Reason + ")" }
func (t TransientError) String() string { return "transient(" + t.Reason + ")" }

// Func adapts a function to Driver.
type Func func(ctx context.Context, step Step) (Outcome, error)

func (f Func) RunStep(ctx context.Context, step Step) (Outcome, error) {
	return f(ctx, step)
}

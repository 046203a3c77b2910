package driver

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrScriptExhausted is returned by Scripted when it has no result left.
var ErrScriptExhausted = errors.New("scripted driver has no more results")

// Result is one scripted reply.
type Result struct {
	Outcome Outcome
	Err     error
	// Delay is slept (honouring ctx) before replying.
	Delay time.Duration
}

// Scripted replays a fixed sequence of results in call order and records
// every step it was given. Used by tests and the dry-run flow.
type Scripted struct {
	mu       sync.Mutex
	results  []Result
	calls    []Step
	released []string
}

// NewScripted returns a driver replying with results in order.
func NewScripted(results ...Result) *Scripted {
	return &Scripted{results: results}
}

// Outcomes is shorthand for results without errors or delays.
func Outcomes(outs ...Outcome) []Result {
	rs := make([]Result, 0, len(outs))
	for _, o := range outs {
		rs = append(rs, Result{Outcome: o})
	}
	return rs
}

func (s *Scripted) RunStep(ctx context.Context, step Step) (Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	if len(s.results) == 0 {
		s.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	r := s.results[0]
	s.results = s.results[1:]
	s.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Outcome, r.Err
}

func (s *Scripted) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, sessionID)
}

// Calls returns the steps seen so far.
func (s *Scripted) Calls() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.calls...)
}

// Released returns the sessions released so far.
func (s *Scripted) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

// Remaining is the number of unconsumed results.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

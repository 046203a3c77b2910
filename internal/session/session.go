// Package session defines the durable session record, its state machine and
// the storage contract every backend implements.
//
// A Session is created queued by an external request and is afterwards mutated
// only by the orchestrator worker that holds it. History and Artifacts are
// append-only; terminal sessions only accept late artifacts.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// Session is one end-to-end run of an automated flow for one owner.
	Session struct {
		ID     string `json:"id"`
		Owner  string `json:"owner"`
		Flow   string `json:"flow"`
		State  State  `json:"state"`
		// CredentialsRef points into the secrets vault; the secret values
		// themselves are never stored on the session.
		CredentialsRef string `json:"credentials_ref,omitempty"`
		// Version increments on every successful state update and is the
		// optimistic concurrency token for UpdateState.
		Version   int64        `json:"version"`
		CreatedAt time.Time    `json:"created_at"`
		UpdatedAt time.Time    `json:"updated_at"`
		History   []Transition `json:"history"`
		Artifacts []Artifact   `json:"artifacts"`
	}

	// Transition is one immutable audit record.
	Transition struct {
		From        State     `json:"from"`
		To          State     `json:"to"`
		At          time.Time `json:"at"`
		ArtifactRef string    `json:"artifact_ref,omitempty"`
	}

	// Artifact is a stored reference to a blob produced during the session.
	Artifact struct {
		Ref         string       `json:"ref"`
		Name        string       `json:"name"`
		Kind        ArtifactKind `json:"kind"`
		ContentType string       `json:"content_type,omitempty"`
		CreatedAt   time.Time    `json:"created_at"`
	}

	// ArtifactKind classifies artifacts.
	ArtifactKind string

	// LogEntry is a free-form line appended with Store.AppendLog.
	LogEntry struct {
		At    time.Time `json:"at"`
		Level LogLevel  `json:"level"`
		Text  string    `json:"text"`
	}

	// LogLevel grades a LogEntry.
	LogLevel string

	// Store persists sessions. Implementations must be safe for concurrent use
	// and must surface infrastructure failures wrapped in ErrStoreUnavailable.
	Store interface {
		// Create inserts a new queued session and returns its id. An empty
		// ID is assigned by the store.
		Create(ctx context.Context, s *Session) (string, error)
		// Get returns a copy of the session or ErrNotFound.
		Get(ctx context.Context, id string) (*Session, error)
		// UpdateState moves the session to next if its version still equals
		// expectedVersion. Exactly one of several racing callers succeeds; the
		// others get ErrConflict. Illegal edges return ErrIllegalTransition.
		// A successful call appends one Transition and, when artifact is not
		// nil, records the artifact.
		UpdateState(ctx context.Context, id string, expectedVersion int64, next State, artifact *Artifact) (*Session, error)
		// AttachArtifact records an artifact without changing state. It is
		// allowed on terminal sessions.
		AttachArtifact(ctx context.Context, id string, a Artifact) error
		AppendLog(ctx context.Context, id string, level LogLevel, text string) error
		Logs(ctx context.Context, id string) ([]LogEntry, error)
		// ListByOwner returns the owner's sessions ordered by creation time.
		ListByOwner(ctx context.Context, owner string) ([]*Session, error)
		// ListByKind returns sessions currently in any of the given kinds,
		// ordered by creation time.
		ListByKind(ctx context.Context, kinds ...Kind) ([]*Session, error)
		Close() error
	}
)

const (
	ArtifactPrompt   ArtifactKind = "prompt"
	ArtifactResult   ArtifactKind = "result"
	ArtifactLog      ArtifactKind = "log"
	ArtifactSnapshot ArtifactKind = "snapshot"
)

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists indicates Create was called with a taken id.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrConflict indicates a concurrent writer updated the session first.
	ErrConflict = errors.New("session version conflict")
	// ErrIllegalTransition indicates an edge outside the state machine.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrStoreUnavailable wraps backend failures. Callers treat it as transient.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Clone returns a deep copy so callers never share slices with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]Transition(nil), s.History...)
	out.Artifacts = append([]Artifact(nil), s.Artifacts...)
	return &out
}

// LastTransition returns the most recent history record, if any.
func (s *Session) LastTransition() (Transition, bool) {
	if len(s.History) == 0 {
		return Transition{}, false
	}
	return s.History[len(s.History)-1], true
}

// Apply performs the in-memory part of a state update shared by all stores:
// edge validation, history append, artifact append and version bump. Stores
// call it on their loaded copy inside their own atomic section.
func (s *Session) Apply(next State, artifact *Artifact, now time.Time) error {
	if !CanTransition(s.State, next) {
		return ErrIllegalTransition
	}
	if now.Before(s.UpdatedAt) {
		now = s.UpdatedAt
	}
	t := Transition{From: s.State, To: next, At: now}
	if artifact != nil {
		a := *artifact
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		s.Artifacts = append(s.Artifacts, a)
		t.ArtifactRef = a.Ref
	}
	s.History = append(s.History, t)
	s.State = next
	s.Version++
	s.UpdatedAt = now
	return nil
}

// Prepare fills the creation-time fields of a new session record. Stores call
// it from Create before persisting.
func Prepare(s *Session, now time.Time) (*Session, error) {
	if s == nil || s.Owner == "" {
		return nil, errors.New("session owner is required")
	}
	out := s.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = out.CreatedAt
	out.State = Queued()
	out.Version = 1
	out.History = []Transition{}
	if out.Artifacts == nil {
		out.Artifacts = []Artifact{}
	}
	return out, nil
}

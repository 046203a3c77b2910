// Package memory provides an in-memory implementation of session.Store.
//
// It is intended for tests and single-process development runs. Everything is
// lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/igoryan-dao/pitstop/internal/session"
)

// Store is safe for concurrent use. Reads return deep copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string
	logs     map[string][]session.LogEntry
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		logs:     make(map[string][]session.LogEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(_ context.Context, in *session.Session) (string, error) {
	rec, err := session.Prepare(in, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rec.ID]; ok {
		return "", fmt.Errorf("%w: %s", session.ErrAlreadyExists, rec.ID)
	}
	s.sessions[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

func (s *Store) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) UpdateState(_ context.Context, id string, expectedVersion int64, next session.State, artifact *session.Artifact) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", session.ErrConflict, id, rec.Version, expectedVersion)
	}
	updated := rec.Clone()
	if err := updated.Apply(next, artifact, s.now()); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, rec.State, next)
	}
	s.sessions[id] = updated
	return updated.Clone(), nil
}

func (s *Store) AttachArtifact(_ context.Context, id string, a session.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	rec.Artifacts = append(rec.Artifacts, a)
	return nil
}

func (s *Store) AppendLog(_ context.Context, id string, level session.LogLevel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	s.logs[id] = append(s.logs[id], session.LogEntry{At: s.now(), Level: level, Text: text})
	return nil
}

func (s *Store) Logs(_ context.Context, id string) ([]session.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return append([]session.LogEntry{}, s.logs[id]...), nil
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]*session.Session, error) {
	return s.filter(func(rec *session.Session) bool { return rec.Owner == owner }), nil
}

func (s *Store) ListByKind(_ context.Context, kinds ...session.Kind) ([]*session.Session, error) {
	want := make(map[session.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	return s.filter(func(rec *session.Session) bool { return want[rec.State.Kind] }), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) filter(keep func(*session.Session) bool) []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Stable sort keeps insertion order for equal timestamps.
	out := []*session.Session{}
	for _, id := range s.order {
		if rec := s.sessions[id]; keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Package bolt is an embedded session.Store on top of bbolt. Each session is
// one JSON document; updates are compare-and-swap on the version inside a
// single write transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/igoryan-dao/pitstop/internal/session"
)

var (
	sessionsBucket = []byte("sessions")
	orderBucket    = []byte("order")
	logsBucket     = []byte("logs")
)

// Store implements session.Store using bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ session.Store = (*Store)(nil)

// New opens the database file at path, creating parent directories and buckets.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s (is another pitstop running?): %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{sessionsBucket, orderBucket, logsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Create(_ context.Context, in *session.Session) (string, error) {
	rec, err := session.Prepare(in, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("%w: %s", session.ErrAlreadyExists, rec.ID)
		}
		if err := b.Put([]byte(rec.ID), data); err != nil {
			return unavailable("put session", err)
		}
		order := tx.Bucket(orderBucket)
		seq, err := order.NextSequence()
		if err != nil {
			return unavailable("next sequence", err)
		}
		return order.Put(itob(seq), []byte(rec.ID))
	})
	if err != nil {
		return "", wrapTx(err)
	}
	return rec.ID, nil
}

func (s *Store) Get(_ context.Context, id string) (*session.Session, error) {
	var out *session.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = load(tx, id)
		return err
	})
	if err != nil {
		return nil, wrapTx(err)
	}
	return out, nil
}

// UpdateState is a compare-and-swap on Version inside one bbolt write
// transaction; bbolt allows a single writer so the check and the put are atomic.
func (s *Store) UpdateState(_ context.Context, id string, expectedVersion int64, next session.State, artifact *session.Artifact) (*session.Session, error) {
	var out *session.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := load(tx, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, expected %d", session.ErrConflict, id, cur.Version, expectedVersion)
		}
		prev := cur.State
		if err := cur.Apply(next, artifact, s.now()); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, prev, next)
		}
		if err := save(tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, wrapTx(err)
	}
	return out.Clone(), nil
}

func (s *Store) AttachArtifact(_ context.Context, id string, a session.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	return wrapTx(s.db.Update(func(tx *bbolt.Tx) error {
		cur, err := load(tx, id)
		if err != nil {
			return err
		}
		cur.Artifacts = append(cur.Artifacts, a)
		return save(tx, cur)
	}))
}

func (s *Store) AppendLog(_ context.Context, id string, level session.LogLevel, text string) error {
	entry, err := json.Marshal(session.LogEntry{At: s.now(), Level: level, Text: text})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	return wrapTx(s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(sessionsBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		b, err := tx.Bucket(logsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return unavailable("create log bucket", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return unavailable("next sequence", err)
		}
		return b.Put(itob(seq), entry)
	}))
}

func (s *Store) Logs(_ context.Context, id string) ([]session.LogEntry, error) {
	out := []session.LogEntry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(sessionsBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		b := tx.Bucket(logsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var e session.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt log entry for %s: %w", id, err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, wrapTx(err)
	}
	return out, nil
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]*session.Session, error) {
	return s.scan(func(rec *session.Session) bool { return rec.Owner == owner })
}

func (s *Store) ListByKind(_ context.Context, kinds ...session.Kind) ([]*session.Session, error) {
	want := make(map[session.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	return s.scan(func(rec *session.Session) bool { return want[rec.State.Kind] })
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scan(keep func(*session.Session) bool) ([]*session.Session, error) {
	out := []*session.Session{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(orderBucket).ForEach(func(_, id []byte) error {
			rec, err := load(tx, string(id))
			if err != nil {
				return err
			}
			if keep(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapTx(err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func load(tx *bbolt.Tx, id string) (*session.Session, error) {
	data := tx.Bucket(sessionsBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	var rec session.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	return &rec, nil
}

func save(tx *bbolt.Tx, rec *session.Session) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := tx.Bucket(sessionsBucket).Put([]byte(rec.ID), data); err != nil {
		return unavailable("put session", err)
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", session.ErrStoreUnavailable, op, err)
}

// wrapTx maps bbolt-level failures (closed database, disk errors) onto
// ErrStoreUnavailable while passing domain errors through untouched.
func wrapTx(err error) error {
	switch {
	case err == nil:
		return nil
	case isDomain(err):
		return err
	default:
		return unavailable("transaction", err)
	}
}

func isDomain(err error) bool {
	for _, target := range []error{
		session.ErrNotFound,
		session.ErrConflict,
		session.ErrIllegalTransition,
		session.ErrAlreadyExists,
		session.ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Package sqlite is the durable session.Store backed by SQLite.
//
// Sessions, their transition history, artifacts and log lines live in four
// tables. Timestamps are stored as unix nanoseconds so ordering survives the
// round trip exactly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/igoryan-dao/pitstop/internal/session"
)

// Store is a SQLite implementation of session.Store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ session.Store = (*Store)(nil)

type sessionRow struct {
	ID             string `db:"id"`
	Owner          string `db:"owner"`
	Flow           string `db:"flow"`
	CredentialsRef string `db:"credentials_ref"`
	StateKind      string `db:"state_kind"`
	InputKind      string `db:"input_kind"`
	Reason         string `db:"reason"`
	Version        int64  `db:"version"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

type transitionRow struct {
	FromKind    string `db:"from_kind"`
	FromInput   string `db:"from_input"`
	FromReason  string `db:"from_reason"`
	ToKind      string `db:"to_kind"`
	ToInput     string `db:"to_input"`
	ToReason    string `db:"to_reason"`
	At          int64  `db:"at"`
	ArtifactRef string `db:"artifact_ref"`
}

type artifactRow struct {
	Ref         string `db:"ref"`
	Name        string `db:"name"`
	Kind        string `db:"kind"`
	ContentType string `db:"content_type"`
	CreatedAt   int64  `db:"created_at"`
}

type logRow struct {
	At    int64  `db:"at"`
	Level string `db:"level"`
	Text  string `db:"text"`
}

// New opens (creating if needed) the database at path.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; version checks still guard
	// against writers in other processes.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			flow TEXT NOT NULL DEFAULT '',
			credentials_ref TEXT NOT NULL DEFAULT '',
			state_kind TEXT NOT NULL,
			input_kind TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			from_kind TEXT NOT NULL,
			from_input TEXT NOT NULL DEFAULT '',
			from_reason TEXT NOT NULL DEFAULT '',
			to_kind TEXT NOT NULL,
			to_input TEXT NOT NULL DEFAULT '',
			to_reason TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			artifact_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			ref TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			at INTEGER NOT NULL,
			level TEXT NOT NULL,
			text TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state_kind)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON session_logs(session_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, in *session.Session) (string, error) {
	rec, err := session.Prepare(in, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, owner, flow, credentials_ref, state_kind, input_kind, reason, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, rec.Flow, rec.CredentialsRef,
		string(rec.State.Kind), rec.State.InputKind, rec.State.Reason,
		rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: %s", session.ErrAlreadyExists, rec.ID)
		}
		return "", unavailable("insert session", err)
	}
	return rec.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT id, owner, flow, credentials_ref, state_kind, input_kind, reason,
		version, created_at, updated_at FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return s.hydrate(ctx, row)
}

func (s *Store) hydrate(ctx context.Context, row sessionRow) (*session.Session, error) {
	out := row.session()

	var trs []transitionRow
	if err := s.db.SelectContext(ctx, &trs, `SELECT from_kind, from_input, from_reason, to_kind, to_input, to_reason,
		at, artifact_ref FROM transitions WHERE session_id = ? ORDER BY seq`, row.ID); err != nil {
		return nil, unavailable("load transitions", err)
	}
	out.History = make([]session.Transition, 0, len(trs))
	for _, t := range trs {
		out.History = append(out.History, session.Transition{
			From:        session.State{Kind: session.Kind(t.FromKind), InputKind: t.FromInput, Reason: t.FromReason},
			To:          session.State{Kind: session.Kind(t.ToKind), InputKind: t.ToInput, Reason: t.ToReason},
			At:          fromNanos(t.At),
			ArtifactRef: t.ArtifactRef,
		})
	}

	var arts []artifactRow
	if err := s.db.SelectContext(ctx, &arts, `SELECT ref, name, kind, content_type, created_at
		FROM artifacts WHERE session_id = ? ORDER BY seq`, row.ID); err != nil {
		return nil, unavailable("load artifacts", err)
	}
	out.Artifacts = make([]session.Artifact, 0, len(arts))
	for _, a := range arts {
		out.Artifacts = append(out.Artifacts, session.Artifact{
			Ref:         a.Ref,
			Name:        a.Name,
			Kind:        session.ArtifactKind(a.Kind),
			ContentType: a.ContentType,
			CreatedAt:   fromNanos(a.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, expectedVersion int64, next session.State, artifact *session.Artifact) (*session.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	var row sessionRow
	err = tx.GetContext(ctx, &row, `SELECT id, owner, flow, credentials_ref, state_kind, input_kind, reason,
		version, created_at, updated_at FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if row.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", session.ErrConflict, id, row.Version, expectedVersion)
	}

	cur := row.session()
	prev := cur.State
	if err := cur.Apply(next, artifact, s.now()); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, prev, next)
	}
	t := cur.History[len(cur.History)-1]

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET state_kind = ?, input_kind = ?, reason = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Kind), next.InputKind, next.Reason, cur.Version, cur.UpdatedAt.UnixNano(), id, expectedVersion)
	if err != nil {
		return nil, unavailable("update session", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, unavailable("update session", err)
	} else if n != 1 {
		return nil, fmt.Errorf("%w: %s", session.ErrConflict, id)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO transitions
		(session_id, from_kind, from_input, from_reason, to_kind, to_input, to_reason, at, artifact_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(t.From.Kind), t.From.InputKind, t.From.Reason,
		string(t.To.Kind), t.To.InputKind, t.To.Reason, t.At.UnixNano(), t.ArtifactRef); err != nil {
		return nil, unavailable("insert transition", err)
	}
	if artifact != nil {
		if err := insertArtifact(ctx, tx, id, cur.Artifacts[len(cur.Artifacts)-1]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return s.Get(ctx, id)
}

func insertArtifact(ctx context.Context, tx *sqlx.Tx, id string, a session.Artifact) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO artifacts (session_id, ref, name, kind, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, a.Ref, a.Name, string(a.Kind), a.ContentType, a.CreatedAt.UnixNano()); err != nil {
		return unavailable("insert artifact", err)
	}
	return nil
}

func (s *Store) AttachArtifact(ctx context.Context, id string, a session.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.exists(ctx, tx, id); err != nil {
		return err
	}
	if err := insertArtifact(ctx, tx, id, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit artifact", err)
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, id string, level session.LogLevel, text string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.exists(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_logs (session_id, at, level, text) VALUES (?, ?, ?, ?)`,
		id, s.now().UnixNano(), string(level), text); err != nil {
		return unavailable("insert log", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit log", err)
	}
	return nil
}

func (s *Store) Logs(ctx context.Context, id string) ([]session.LogEntry, error) {
	if err := s.exists(ctx, s.db, id); err != nil {
		return nil, err
	}
	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT at, level, text FROM session_logs WHERE session_id = ? ORDER BY seq`, id); err != nil {
		return nil, unavailable("load logs", err)
	}
	out := make([]session.LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, session.LogEntry{At: fromNanos(r.At), Level: session.LogLevel(r.Level), Text: r.Text})
	}
	return out, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*session.Session, error) {
	return s.list(ctx, `SELECT id, owner, flow, credentials_ref, state_kind, input_kind, reason,
		version, created_at, updated_at FROM sessions WHERE owner = ? ORDER BY created_at, seq`, owner)
}

func (s *Store) ListByKind(ctx context.Context, kinds ...session.Kind) ([]*session.Session, error) {
	if len(kinds) == 0 {
		return []*session.Session{}, nil
	}
	args := make([]any, 0, len(kinds))
	for _, k := range kinds {
		args = append(args, string(k))
	}
	query, args, err := sqlx.In(`SELECT id, owner, flow, credentials_ref, state_kind, input_kind, reason,
		version, created_at, updated_at FROM sessions WHERE state_kind IN (?) ORDER BY created_at, seq`, args)
	if err != nil {
		return nil, fmt.Errorf("build kind query: %w", err)
	}
	return s.list(ctx, s.db.Rebind(query), args...)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*session.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list sessions", err)
	}
	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := s.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exists(ctx context.Context, q sqlx.QueryerContext, id string) error {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id); err != nil {
		return unavailable("check session", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return nil
}

func (r sessionRow) session() *session.Session {
	return &session.Session{
		ID:             r.ID,
		Owner:          r.Owner,
		Flow:           r.Flow,
		CredentialsRef: r.CredentialsRef,
		State:          session.State{Kind: session.Kind(r.StateKind), InputKind: r.InputKind, Reason: r.Reason},
		Version:        r.Version,
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
		History:        []session.Transition{},
		Artifacts:      []session.Artifact{},
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", session.ErrStoreUnavailable, op, err)
}

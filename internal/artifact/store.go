// Package artifact keeps the bytes behind session artifacts (challenge images,
// result snapshots) on disk. Sessions only carry the returned reference.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/paths"
	"github.com/igoryan-dao/pitstop/internal/session"
)

var ErrInvalidRef = errors.New("invalid artifact reference")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store writes artifacts below <data_dir>/artifacts/<session id>/.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Save writes a driver artifact for sessionID and returns its session record.
func (s *Store) Save(sessionID string, kind session.ArtifactKind, a *driver.Artifact) (*session.Artifact, error) {
	if a == nil {
		return nil, nil
	}
	dir := paths.ArtifactDir(s.dataDir, sessionID)
	if err := paths.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	name := strings.TrimLeft(unsafeName.ReplaceAllString(filepath.Base(a.Name), "_"), ".")
	if name == "" {
		name = string(kind)
	}
	file := uuid.NewString()[:8] + "-" + name
	if err := os.WriteFile(filepath.Join(dir, file), a.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", file, err)
	}
	return &session.Artifact{
		Ref:         sessionID + "/" + file,
		Name:        a.Name,
		Kind:        kind,
		ContentType: a.ContentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Open reads the bytes behind ref.
func (s *Store) Open(ref string) ([]byte, error) {
	p, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Path resolves ref to a file path, refusing references that escape the root.
func (s *Store) Path(ref string) (string, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	for _, p := range parts {
		if p == "." || p == ".." || strings.ContainsAny(p, `\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
	}
	return filepath.Join(paths.ArtifactRoot(s.dataDir), parts[0], parts[1]), nil
}

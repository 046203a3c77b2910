// Package store selects a session.Store backend from configuration.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/igoryan-dao/pitstop/internal/session"
	"github.com/igoryan-dao/pitstop/internal/store/bolt"
	"github.com/igoryan-dao/pitstop/internal/store/memory"
	"github.com/igoryan-dao/pitstop/internal/store/sqlite"
)

const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeBolt   = "bolt"
)

// Open returns the backend named by kind. An empty path is resolved inside dataDir.
func Open(kind, path, dataDir string) (session.Store, error) {
	switch kind {
	case TypeMemory:
		return memory.New(), nil
	case TypeSQLite, "":
		if path == "" {
			path = filepath.Join(dataDir, "pitstop.db")
		}
		return sqlite.New(path)
	case TypeBolt:
		if path == "" {
			path = filepath.Join(dataDir, "pitstop.bolt")
		}
		return bolt.New(path)
	default:
		return nil, fmt.Errorf("unknown storage type %q (want memory, sqlite or bolt)", kind)
	}
}

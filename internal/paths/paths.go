// Package paths resolves the on-disk layout under the pitstop data directory.
package paths

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.pitstop, falling back to ./.pitstop when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".pitstop"
	}
	return filepath.Join(home, ".pitstop")
}

// ArtifactDir is where blobs of one session are written.
func ArtifactDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "artifacts", sessionID)
}

// ArtifactRoot holds every session's artifact directory.
func ArtifactRoot(dataDir string) string {
	return filepath.Join(dataDir, "artifacts")
}

// ContactsFile holds owner to chat bindings.
func ContactsFile(dataDir string) string {
	return filepath.Join(dataDir, "contacts.json")
}

// LogDir receives the service log file.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// EnsureDir creates the directory and all parents if they don't exist
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

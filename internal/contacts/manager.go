// Package contacts persists which chat reaches which owner.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Channel names a notification transport.
type Channel string

const (
	Telegram Channel = "telegram"
	Discord  Channel = "discord"
	Bridge   Channel = "bridge"
)

var ErrNoContact = errors.New("owner has no contact binding")

// Binding ties an owner to an address on one channel (a Telegram chat id, a
// Discord channel id).
type Binding struct {
	Owner   string    `json:"owner"`
	Channel Channel   `json:"channel"`
	Address string    `json:"address"`
	BoundAt time.Time `json:"bound_at"`
}

type document struct {
	Bindings []Binding `json:"bindings"`
}

// Manager keeps bindings in a JSON file. Writes hold an exclusive file lock so
// the CLI and a running server do not clobber each other.
type Manager struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
	data document
}

// NewManager loads path if it exists.
func NewManager(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	m := &Manager{path: path, lock: flock.New(path + ".lock")}
	if err := m.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Load re-reads the file.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	m.data = doc
	return nil
}

// Bind records owner at address on ch, replacing any previous address the
// owner had on that channel.
func (m *Manager) Bind(owner string, ch Channel, address string) error {
	return m.update(func(doc *document) {
		kept := doc.Bindings[:0]
		for _, b := range doc.Bindings {
			if b.Owner == owner && b.Channel == ch {
				continue
			}
			kept = append(kept, b)
		}
		doc.Bindings = append(kept, Binding{Owner: owner, Channel: ch, Address: address, BoundAt: time.Now().UTC()})
	})
}

// Unbind removes the owner's binding on ch.
func (m *Manager) Unbind(owner string, ch Channel) error {
	return m.update(func(doc *document) {
		kept := doc.Bindings[:0]
		for _, b := range doc.Bindings {
			if b.Owner != owner || b.Channel != ch {
				kept = append(kept, b)
			}
		}
		doc.Bindings = kept
	})
}

// Lookup returns every binding of owner.
func (m *Manager) Lookup(owner string) []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Binding
	for _, b := range m.data.Bindings {
		if b.Owner == owner {
			out = append(out, b)
		}
	}
	return out
}

// OwnerOf resolves the owner bound to address on ch.
func (m *Manager) OwnerOf(ch Channel, address string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.data.Bindings {
		if b.Channel == ch && b.Address == address {
			return b.Owner, true
		}
	}
	return "", false
}

// Owners lists every owner with at least one binding.
func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, b := range m.data.Bindings {
		if !seen[b.Owner] {
			seen[b.Owner] = true
			out = append(out, b.Owner)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) update(fn func(*document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", m.path, err)
	}
	defer m.lock.Unlock()

	// Another process may have written since we last loaded.
	if err := m.loadLocked(); err != nil && !os.IsNotExist(err) {
		return err
	}
	fn(&m.data)

	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

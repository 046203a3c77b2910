package contacts

import (
	"path/filepath"
	"testing"
)

func TestManager_BindLookupPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.json")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if err := m.Bind("alice", Telegram, "1001"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := m.Bind("alice", Discord, "chan-1"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	// Rebinding replaces the old Telegram chat.
	if err := m.Bind("alice", Telegram, "1002"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if got := m.Lookup("alice"); len(got) != 2 {
		t.Fatalf("expected 2 bindings, got %+v", got)
	}
	if owner, ok := m.OwnerOf(Telegram, "1002"); !ok || owner != "alice" {
		t.Errorf("OwnerOf(1002) = %q, %v", owner, ok)
	}
	if _, ok := m.OwnerOf(Telegram, "1001"); ok {
		t.Error("stale chat still bound")
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.Lookup("alice"); len(got) != 2 {
		t.Errorf("bindings not persisted: %+v", got)
	}

	if err := reloaded.Unbind("alice", Discord); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if got := reloaded.Lookup("alice"); len(got) != 1 || got[0].Channel != Telegram {
		t.Errorf("unexpected bindings after unbind: %+v", got)
	}
	if owners := reloaded.Owners(); len(owners) != 1 || owners[0] != "alice" {
		t.Errorf("unexpected owners: %v", owners)
	}
}

func TestManager_MissingFileIsEmpty(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "nested", "contacts.json"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if got := m.Lookup("nobody"); len(got) != 0 {
		t.Errorf("expected no bindings, got %+v", got)
	}
}

package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_FetchRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alice:\n  dl_number: MH47-1\n  dob: 01-01-1990\n"), 0o600))

	v := NewVault(path)
	fields, err := v.Fetch(context.Background(), "vault:alice")
	require.NoError(t, err)
	assert.Equal(t, "MH47-1", fields["dl_number"])

	require.NoError(t, os.WriteFile(path, []byte("alice:\n  dl_number: MH47-2\n"), 0o600))
	fields, err = v.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "MH47-2", fields["dl_number"])

	_, err = v.Fetch(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestStatic_ReturnsCopy(t *testing.T) {
	s := Static{"alice": {"otp_phone": "+100"}}
	fields, err := s.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	fields["otp_phone"] = "changed"
	assert.Equal(t, "+100", s["alice"]["otp_phone"])
}

package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/session"
	"github.com/igoryan-dao/pitstop/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) session.Store {
		st, err := New(filepath.Join(t.TempDir(), "pitstop.bolt"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	st, err := New(filepath.Join(t.TempDir(), "nested", "pitstop.bolt"))
	require.NoError(t, err)
	id, err := st.Create(context.Background(), &session.Session{Owner: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.UpdateState(context.Background(), id, 1, session.Running(), nil)
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
}

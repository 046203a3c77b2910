package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/store/bolt"
	"github.com/igoryan-dao/pitstop/internal/store/memory"
	"github.com/igoryan-dao/pitstop/internal/store/sqlite"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(TypeMemory, "", dir)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)

	st, err = Open(TypeSQLite, "", dir)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, st)
	require.NoError(t, st.Close())

	st, err = Open(TypeBolt, "", dir)
	require.NoError(t, err)
	assert.IsType(t, &bolt.Store{}, st)
	require.NoError(t, st.Close())

	_, err = Open("postgres", "", dir)
	assert.Error(t, err)
}

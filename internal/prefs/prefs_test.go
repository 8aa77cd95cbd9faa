package prefs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("u1", "theme", "dark"))
	require.NoError(t, store.Set("u1", "theme", "light"))

	value, err := store.Get("u1", "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}

func TestGetMissingReturnsEmpty(t *testing.T) {
	store := openTestStore(t)

	value, err := store.Get("u1", "never-set")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestClearAccountDropsOnlyThatAccount(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("u1", "theme", "dark"))
	require.NoError(t, store.Set("u1", "last_peer", "u2"))
	require.NoError(t, store.Set("u2", "theme", "light"))

	require.NoError(t, store.ClearAccount("u1"))

	value, err := store.Get("u1", "theme")
	require.NoError(t, err)
	assert.Empty(t, value)

	value, err = store.Get("u2", "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}

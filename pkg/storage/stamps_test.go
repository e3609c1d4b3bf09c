package storage_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
)

func TestFileStampStorage_IsUpToDate(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	stamps, err := store.FileStamps(appMain)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))
	require.NoError(t, stamps.Update(path))

	info, err := os.Stat(path)
	require.NoError(t, err)

	fresh, err := stamps.IsUpToDate(path, info)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Same content, new modification time: the hash decides.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	info, err = os.Stat(path)
	require.NoError(t, err)

	fresh, err = stamps.IsUpToDate(path, info)
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))

	info, err = os.Stat(path)
	require.NoError(t, err)

	fresh, err = stamps.IsUpToDate(path, info)
	require.NoError(t, err)
	assert.False(t, fresh)

	stamps.Remove(path)

	paths, err := stamps.Paths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestNewStamp_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := storage.NewStamp(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

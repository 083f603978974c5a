package storage_test

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"trapper_platform/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedDiskReadWriteDelete(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	require.NoError(t, store.Write("a/b/c.txt", strings.NewReader("hello")))

	exists, err := store.Exists("a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := store.Read("a/b/c.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	size, err := store.Size("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, store.Delete("a"))
	exists, err = store.Exists("a/b/c.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSharedDiskStaysInsideBasepath(t *testing.T) {
	base := t.TempDir()
	store := storage.NewSharedDisk(base)

	require.NoError(t, store.Write("../../escape.txt", bytes.NewReader([]byte("x"))))
	assert.True(t, strings.HasPrefix(store.FullPath("../../escape.txt"), base))
}

func TestProvisionUserCreatesAreas(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())
	require.NoError(t, storage.ProvisionUser(store, "alice"))

	entries, err := store.List("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, storage.UserAreas, entries)
}

func TestLayoutNames(t *testing.T) {
	ts := time.Date(2021, 4, 5, 6, 7, 8, 0, time.UTC)
	assert.Equal(t, "media_20210405_060708.zip", storage.DataPackageName(ts, 0))
	assert.Equal(t, "media_20210405_060708_2.zip", storage.DataPackageName(ts, 2))

	id := uuid.MustParse("0a1b2c3d-0000-0000-0000-000000000000")
	assert.Equal(t, "protected/storage/0a/0a1b2c3d-0000-0000-0000-000000000000/thumbnail_r1.jpg",
		storage.ResourcePath(id, storage.KindThumbnail, "dir/r1.jpg"))
}

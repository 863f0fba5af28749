package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/image-attribute-api/pkg/config"
)

func TestLocalStoragePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, "public")
	require.NoError(t, err)
	ctx := context.Background()

	ref := NewReference("uploads", "JPG")
	assert.True(t, strings.HasPrefix(ref, "uploads/"))
	assert.True(t, strings.HasSuffix(ref, ".jpg"))

	require.NoError(t, store.Put(ctx, ref, []byte("image-bytes")))
	assert.FileExists(t, filepath.Join(dir, "public", filepath.FromSlash(ref)))

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	require.NoError(t, store.Delete(ctx, ref))
}

func TestLocalStorageLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, "public")
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "uploads/a.png", []byte("x")))

	entries, err := os.ReadDir(filepath.Join(dir, "public", "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.png", entries[0].Name())
}

func TestLocalStorageConfinesReferences(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, "public")
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "../../escape.png", []byte("x")))
	assert.NoFileExists(t, filepath.Join(dir, "escape.png"))
	assert.FileExists(t, filepath.Join(dir, "public", "escape.png"))

	assert.Error(t, store.Put(context.Background(), "  ", []byte("x")))
}

func TestLocalStorageHonoursCancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), "public")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Put(ctx, "uploads/a.png", []byte("x")), context.Canceled)
}

func TestNewSelectsDriver(t *testing.T) {
	store, err := New(context.Background(), config.StorageConfig{
		Driver:    config.StorageDriverLocal,
		LocalDir:  t.TempDir(),
		Namespace: "public",
	})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, store)

	_, err = New(context.Background(), config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)
}

func TestObjectKeyStaysInNamespace(t *testing.T) {
	assert.Equal(t, "public/uploads/a.png", objectKey("public", "uploads/a.png"))
	assert.Equal(t, "public/a.png", objectKey("public", "../a.png"))
}

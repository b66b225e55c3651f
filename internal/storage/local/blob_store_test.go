package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "snapshots")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "is not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/shop.com/abc.html", "text/html", strings.NewReader("<html>1</html>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))
	require.True(t, strings.HasSuffix(uri, "snapshots/shop.com/abc.html"))

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "shop.com", "abc.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>1</html>", string(data))

	_, err = store.PutObject(context.Background(), "snapshots/shop.com/abc.html", "text/html", strings.NewReader("<html>2</html>"))
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "snapshots", "shop.com", "abc.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>2</html>", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots", "shop.com"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.EqualError(t, err, "path is required")
	_, err = store.PutObject(context.Background(), "../../etc/passwd", "text/html", strings.NewReader("x"))
	require.ErrorContains(t, err, "escapes base directory")
}

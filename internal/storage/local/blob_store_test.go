// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("LeavesMissingDirUntilFirstWrite", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "a", "b")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NoDirExists(t, dir)

		_, err = store.PutObject(context.Background(), "p/0_compressed_all/p_s.zip", "application/zip",
			strings.NewReader("zip"))
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "p", "0_compressed_all", "p_s.zip"))
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("NestedPath", func(t *testing.T) {
		path := "kominfo/0_compressed_all/kominfo_news.zip"
		data := []byte("archive bytes")
		uri, err := store.PutObject(context.Background(), path, "application/zip", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", strings.NewReader("data"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.txt", "text/plain", strings.NewReader("data"))
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestWriteAtomicKeepsPreviousOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o600))

	err := local.WriteAtomic(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("half"))
		return errors.New("disk full")
	})
	require.ErrorContains(t, err, "disk full")

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestWriteJSONAndAppendLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "tokens", "ledger.json")
	require.NoError(t, local.WriteJSON(jsonPath, map[string]int{"a": 1}))
	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	logPath := filepath.Join(dir, "tokens", "history.jsonl")
	require.NoError(t, local.AppendLines(logPath, [][]byte{[]byte(`{"n":1}`)}))
	require.NoError(t, local.AppendLines(logPath, [][]byte{[]byte(`{"n":2}`), []byte(`{"n":3}`)}))
	require.NoError(t, local.AppendLines(logPath, nil))
	// #nosec G304 -- test reads from the controlled temp directory.
	log, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n", string(log))
}

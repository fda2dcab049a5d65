package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func artifacts(t *testing.T, kind workspace.Kind, names map[string]string) []workspace.Artifact {
	t.Helper()
	dir := t.TempDir()
	out := make([]workspace.Artifact, 0, len(names))
	for _, name := range []string{"a", "b", "c"} {
		body, ok := names[name]
		if !ok {
			continue
		}
		file := name + ".bin"
		p := filepath.Join(dir, file)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		out = append(out, workspace.Artifact{Kind: kind, Name: file, Path: p, Size: int64(len(body))})
	}
	return out
}

func writeArchive(t *testing.T, c *Codec, kind workspace.Kind, files []workspace.Artifact, name string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.Compress(context.Background(), kind, files, &buf))
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o600))
	return p, buf.Bytes()
}

func TestZipRoundTripIsReproducible(t *testing.T) {
	t.Parallel()

	c := New(0)
	files := artifacts(t, workspace.KindPDFs, map[string]string{"a": "%PDF-a", "b": "%PDF-b", "c": "%PDF-c"})
	path, first := writeArchive(t, c, workspace.KindPDFs, files, "p_s.zip")
	_, second := writeArchive(t, c, workspace.KindPDFs, files, "p_s.zip")
	assert.Equal(t, first, second)

	names, err := c.List(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bin", "b.bin", "c.bin"}, names)
}

func TestGzipMembersListAndDecompress(t *testing.T) {
	t.Parallel()

	c := New(0)
	files := artifacts(t, workspace.KindWARCs, map[string]string{"a": "WARC/1.0 one", "b": "WARC/1.0 two"})
	path, raw := writeArchive(t, c, workspace.KindWARCs, files, "p_s.warc.gz")

	names, err := c.List(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bin", "b.bin"}, names)

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	all, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "WARC/1.0 oneWARC/1.0 two", string(all))
}

func TestCompressErrors(t *testing.T) {
	t.Parallel()

	c := New(0)
	err := c.Compress(context.Background(), workspace.KindLinks, nil, io.Discard)
	require.Error(t, err)

	missing := []workspace.Artifact{{Kind: workspace.KindPDFs, Name: "gone.pdf", Path: filepath.Join(t.TempDir(), "gone.pdf")}}
	err = c.Compress(context.Background(), workspace.KindPDFs, missing, io.Discard)
	require.ErrorIs(t, err, workspace.ErrArtifactUnreadable)

	_, err = c.List("archive.tar")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	files := artifacts(t, workspace.KindWARCs, map[string]string{"a": "x"})
	require.ErrorIs(t, c.Compress(ctx, workspace.KindWARCs, files, io.Discard), context.Canceled)
}

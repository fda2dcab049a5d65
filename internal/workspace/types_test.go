package workspace

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "pdfs", want: KindPDFs},
		{in: "warcs", want: KindWARCs},
		{in: "central", want: KindCentral},
		{in: "PDFs", wantErr: true},
		{in: "videos", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	got, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyStatic, got)

	got, err = ParseStrategy("auto")
	require.NoError(t, err)
	assert.Equal(t, StrategyAuto, got)

	_, err = ParseStrategy("playwright")
	assert.ErrorContains(t, err, "playwright")
}

func TestKindTraits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ContentTypePDF, KindPDFs.ContentType())
	assert.Equal(t, ContentTypeWARC, KindWARCs.ContentType())
	assert.Equal(t, "application/octet-stream", KindTokens.ContentType())
	assert.True(t, KindWARCs.HTMLBearing())
	assert.False(t, KindPDFs.HTMLBearing())
}

func TestTokenRecordCurrent(t *testing.T) {
	t.Parallel()

	mod := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Artifact{ID: "p/s/warcs/a.warc", Kind: KindWARCs, Size: 10, Fingerprint: Fingerprint(10, mod)}
	rec := TokenRecord{ArtifactID: a.ID, Fingerprint: a.Fingerprint, Selector: "article"}

	assert.True(t, rec.Current(a, "article"))
	assert.False(t, rec.Current(a, "main"), "selector change invalidates the record")

	a.Fingerprint = Fingerprint(11, mod)
	assert.False(t, rec.Current(a, "article"))
}

func TestSnapshotByKindAndBytes(t *testing.T) {
	t.Parallel()

	snap := SubprojectSnapshot{Artifacts: []Artifact{
		{Name: "a.pdf", Kind: KindPDFs, Size: 3},
		{Name: "links.csv", Kind: KindLinks, Size: 5},
		{Name: "b.pdf", Kind: KindPDFs, Size: 4},
		{Name: "c.warc", Kind: KindWARCs, Size: 7},
	}}

	pdfs := snap.ByKind(KindPDFs)
	require.Len(t, pdfs, 2)
	assert.Equal(t, "a.pdf", pdfs[0].Name)
	assert.Equal(t, "b.pdf", pdfs[1].Name)
	assert.Equal(t, int64(14), snap.Bytes(ArchivableKinds...))
	assert.Equal(t, int64(19), snap.Bytes(KindLinks, KindPDFs, KindWARCs))
}

func TestBundleArchive(t *testing.T) {
	t.Parallel()

	b := Bundle{Archives: []ArchiveEntry{{Kind: KindPDFs, File: "p_s.zip"}}}
	entry, ok := b.Archive(KindPDFs)
	require.True(t, ok)
	assert.Equal(t, "p_s.zip", entry.File)
	_, ok = b.Archive(KindWARCs)
	assert.False(t, ok)
}

func TestNewFailure(t *testing.T) {
	t.Parallel()

	f := NewFailure("p", "s", "a.pdf", errors.New("boom"))
	assert.Equal(t, Failure{Project: "p", Subproject: "s", Item: "a.pdf", Reason: "boom"}, f)
	assert.Equal(t, "unknown error", NewFailure("p", "", "", nil).Reason)
}

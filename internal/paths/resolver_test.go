package paths

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func TestResolveLayout(t *testing.T) {
	t.Parallel()

	r, err := New("output")
	require.NoError(t, err)

	tests := []struct {
		kind       workspace.Kind
		subproject string
		want       string
	}{
		{workspace.KindLinks, "news", "output/kominfo/news/links"},
		{workspace.KindPDFs, "news", "output/kominfo/news/pdfs/scraped-pdfs"},
		{workspace.KindWARCs, "news", "output/kominfo/news/warcs/scraped-warcs"},
		{workspace.KindTokens, "news", "output/kominfo/news/tokens"},
		{workspace.KindCompressed, "news", "output/kominfo/news/compressed"},
		{workspace.KindCentral, "", "output/kominfo/0_compressed_all"},
	}
	for _, tt := range tests {
		got, err := r.Resolve("kominfo", tt.subproject, tt.kind)
		require.NoError(t, err, tt.kind)
		assert.Equal(t, filepath.FromSlash(tt.want), got, tt.kind)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	t.Parallel()

	r, err := New("output")
	require.NoError(t, err)

	cases := []struct {
		name       string
		project    string
		subproject string
		kind       workspace.Kind
	}{
		{"separator in project", "a/b", "news", workspace.KindPDFs},
		{"dot dot", "..", "news", workspace.KindPDFs},
		{"leading dot", ".hidden", "news", workspace.KindPDFs},
		{"space", "my project", "news", workspace.KindPDFs},
		{"empty subproject", "kominfo", "", workspace.KindPDFs},
		{"reserved subproject", "kominfo", "compressed_files", workspace.KindPDFs},
		{"central as project", CentralDir, "news", workspace.KindPDFs},
		{"central with subproject", "kominfo", "news", workspace.KindCentral},
		{"backslash", `a\b`, "news", workspace.KindLinks},
		{"too long", strings.Repeat("a", 129), "news", workspace.KindLinks},
	}
	for _, tc := range cases {
		_, err := r.Resolve(tc.project, tc.subproject, tc.kind)
		require.ErrorIs(t, err, workspace.ErrInvalidName, tc.name)
	}
}

func TestNamesAreCaseSensitive(t *testing.T) {
	t.Parallel()

	r, err := New("/data/output")
	require.NoError(t, err)
	upper, err := r.Project("Kominfo")
	require.NoError(t, err)
	lower, err := r.Project("kominfo")
	require.NoError(t, err)
	assert.NotEqual(t, upper, lower)
}

func TestFilesAndArchiveNames(t *testing.T) {
	t.Parallel()

	r, err := New("/w")
	require.NoError(t, err)

	links, err := r.LinksFile("p", "s")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/w/p/s/links/links.csv"), links)

	ledger, err := r.LedgerFile("p", "s")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/w/p/s/tokens/ledger.json"), ledger)

	central, err := r.CentralManifest("p")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/w/p/0_compressed_all/manifest.json"), central)

	zipName, err := ArchiveName("p", "s", workspace.KindPDFs)
	require.NoError(t, err)
	assert.Equal(t, "p_s.zip", zipName)
	gzName, err := ArchiveName("p", "s", workspace.KindWARCs)
	require.NoError(t, err)
	assert.Equal(t, "p_s.warc.gz", gzName)
	_, err = ArchiveName("p", "s", workspace.KindTokens)
	require.Error(t, err)

	id, err := r.ArtifactID(filepath.FromSlash("/w/p/s/pdfs/scraped-pdfs/a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "p/s/pdfs/scraped-pdfs/a.pdf", id)
	_, err = r.ArtifactID(filepath.FromSlash("/elsewhere/a.pdf"))
	require.Error(t, err)
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New("  ")
	require.Error(t, err)
}

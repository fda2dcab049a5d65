package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/archive"
	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/hash/sha256"
	iduuid "github.com/JakeFAU/scrape-workspace/internal/id/uuid"
	"github.com/JakeFAU/scrape-workspace/internal/ledger"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/publisher/memory"
	"github.com/JakeFAU/scrape-workspace/internal/registry"
	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-workspace/internal/storage/memory"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// tickClock advances one second per reading so each run starts after the
// records of the previous one.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type spyCounter struct {
	mu    sync.Mutex
	calls int
}

func (s *spyCounter) Count(_ context.Context, content []byte, _ string, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return len(content), nil
}

func (s *spyCounter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// brokenCodec fails for any source whose id contains fail.
type brokenCodec struct {
	workspace.Codec
	fail string
}

func (b brokenCodec) Compress(ctx context.Context, kind workspace.Kind, files []workspace.Artifact, dst io.Writer) error {
	for _, a := range files {
		if strings.Contains(a.ID, b.fail) {
			return errors.New("disk full")
		}
	}
	return b.Codec.Compress(ctx, kind, files, dst)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic gone")
}

type fixture struct {
	root     string
	mgr      *Manager
	counter  *spyCounter
	events   *progress.Recorder
	notices  *memory.Publisher
	mirror   *memorystorage.BlobStore
	resolver *paths.Resolver
}

type fixtureOption func(*Options)

func withCodec(c workspace.Codec) fixtureOption {
	return func(o *Options) {
		coord, err := compress.New(o.Resolver, o.Registry, o.Ledger, compress.Options{
			Codec:   c,
			Central: mustLocal(o.Resolver.Root()),
			Hasher:  sha256.New(),
			Clock:   o.Clock,
		})
		if err != nil {
			panic(err)
		}
		o.Coordinator = coord
	}
}

func withPublisher(p workspace.Publisher) fixtureOption {
	return func(o *Options) { o.Publisher = p }
}

func mustLocal(root string) *local.BlobStore {
	store, err := local.New(local.Config{BaseDir: root})
	if err != nil {
		panic(err)
	}
	return store
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "output")
	resolver, err := paths.New(root)
	require.NoError(t, err)
	clock := &tickClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	counter := &spyCounter{}
	reg := registry.New(resolver, nil)
	led := ledger.New(resolver, counter, sha256.New(), clock, nil)
	mirror := memorystorage.NewBlobStore()
	coord, err := compress.New(resolver, reg, led, compress.Options{
		Codec:        archive.New(0),
		Central:      mustLocal(root),
		Mirror:       mirror,
		MirrorPrefix: "archive",
		Hasher:       sha256.New(),
		Clock:        clock,
	})
	require.NoError(t, err)
	notices := memory.New()
	events := progress.NewRecorder()
	o := Options{
		Resolver:        resolver,
		Registry:        reg,
		Ledger:          led,
		Coordinator:     coord,
		Publisher:       notices,
		IDs:             iduuid.New(),
		Clock:           clock,
		Emitter:         events,
		DefaultSelector: "body",
	}
	for _, opt := range opts {
		opt(&o)
	}
	mgr, err := New(o)
	require.NoError(t, err)
	return &fixture{root: root, mgr: mgr, counter: counter, events: events, notices: notices, mirror: mirror, resolver: resolver}
}

func (f *fixture) put(t *testing.T, rel, body string) string {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func (f *fixture) subproject(t *testing.T, project, sub string) {
	t.Helper()
	ctx := context.Background()
	err := f.mgr.CreateProject(ctx, project)
	if err != nil {
		require.ErrorIs(t, err, workspace.ErrAlreadyExists)
	}
	require.NoError(t, f.mgr.CreateSubproject(ctx, project, sub))
}

func countStage(events []progress.Event, stage progress.Stage) int {
	n := 0
	for _, e := range events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.CreateProject(ctx, "kominfo"))
	assert.DirExists(t, filepath.Join(f.root, "kominfo", paths.CentralDir))
	require.ErrorIs(t, f.mgr.CreateProject(ctx, "kominfo"), workspace.ErrAlreadyExists)
	require.ErrorIs(t, f.mgr.CreateProject(ctx, "../etc"), workspace.ErrInvalidName)

	require.NoError(t, f.mgr.CreateSubproject(ctx, "kominfo", "news"))
	for _, rel := range []string{"links", "pdfs/scraped-pdfs", "warcs/scraped-warcs", "tokens", "compressed"} {
		assert.DirExists(t, filepath.Join(f.root, "kominfo", "news", filepath.FromSlash(rel)))
	}
	require.ErrorIs(t, f.mgr.CreateSubproject(ctx, "kominfo", "news"), workspace.ErrAlreadyExists)
	require.ErrorIs(t, f.mgr.CreateSubproject(ctx, "missing", "news"), workspace.ErrNotFound)
	require.ErrorIs(t, f.mgr.CreateSubproject(ctx, "kominfo", "my-compressed"), workspace.ErrInvalidName)

	tree, err := f.mgr.ListTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree.Projects, 1)
	require.Len(t, tree.Projects[0].Subprojects, 1)
	assert.Equal(t, "news", tree.Projects[0].Subprojects[0].Name)

	require.NoError(t, f.mgr.DeleteSubproject(ctx, "kominfo", "news"))
	assert.NoDirExists(t, filepath.Join(f.root, "kominfo", "news"))
	require.ErrorIs(t, f.mgr.DeleteSubproject(ctx, "kominfo", "news"), workspace.ErrNotFound)

	require.NoError(t, f.mgr.DeleteProject(ctx, "kominfo"))
	assert.NoDirExists(t, filepath.Join(f.root, "kominfo"))
	require.ErrorIs(t, f.mgr.DeleteProject(ctx, "kominfo"), workspace.ErrNotFound)

	_, err = f.mgr.Project(ctx, "kominfo")
	require.ErrorIs(t, err, workspace.ErrNotFound)
}

func TestListTreeWithoutRoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.ListTree(context.Background())
	require.ErrorIs(t, err, workspace.ErrWorkspaceUnavailable)

	_, err = f.mgr.RecalculateAllTokens(context.Background(), "")
	require.ErrorIs(t, err, workspace.ErrWorkspaceUnavailable)
	stages := f.events.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
}

func TestKominfoNewsEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.subproject(t, "kominfo", "news")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/a.pdf", "%PDF-aaaa")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/b.pdf", "%PDF-bb")
	f.put(t, "kominfo/news/warcs/scraped-warcs/page.warc", "WARC/1.0 page")

	first, err := f.mgr.RecalculateAllTokens(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "body", first.Selector)
	assert.Equal(t, 3, first.Recomputed)
	assert.Equal(t, len("%PDF-aaaa")+len("%PDF-bb")+len("WARC/1.0 page"), first.TotalTokens)
	assert.Empty(t, first.Failures)
	assert.Equal(t, 3, f.counter.Calls())
	assert.Equal(t, 3, countStage(f.events.Events(), progress.StageArtifactCounted))

	second, err := f.mgr.RecalculateAllTokens(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Recomputed)
	assert.Equal(t, 3, second.Reused)
	assert.Equal(t, first.TotalTokens, second.TotalTokens)
	assert.Equal(t, 3, f.counter.Calls())
	assert.Equal(t, 3, countStage(f.events.Events(), progress.StageArtifactCounted))

	report, err := f.mgr.CompressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rebuilt)
	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, 1, report.Notified)
	assert.FileExists(t, filepath.Join(f.root, "kominfo", paths.CentralDir, "kominfo_news.zip"))
	assert.FileExists(t, filepath.Join(f.root, "kominfo", paths.CentralDir, "kominfo_news.warc.gz"))
	assert.ElementsMatch(t, []string{
		"archive/kominfo/kominfo_news.warc.gz",
		"archive/kominfo/kominfo_news.zip",
	}, f.mirror.Keys())

	msgs := f.notices.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventProjectCollected, msgs[0].Topic)
	notice, ok := msgs[0].Payload.(CollectedNotice)
	require.True(t, ok)
	assert.Equal(t, "kominfo", notice.Project)
	assert.Equal(t, 2, notice.Archives)
	assert.Equal(t, report.RunID, notice.RunID)

	again, err := f.mgr.CompressAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Rebuilt)
	assert.Equal(t, 0, again.Copied)
	assert.Equal(t, 2, again.Unchanged)

	dash, err := f.mgr.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Projects, 1)
	p := dash.Projects[0]
	assert.Equal(t, 3, p.Files)
	assert.Equal(t, 2, p.PDFs)
	assert.Equal(t, 1, p.WARCs)
	assert.Equal(t, first.TotalTokens, p.Tokens)
	assert.Equal(t, 0, p.StaleArtifacts)
	assert.Equal(t, 2, p.CentralArchives)
	assert.Positive(t, p.CentralBytes)
	require.Len(t, p.Subprojects, 1)
	assert.Positive(t, p.Subprojects[0].CompressedBytes)

	f.put(t, "kominfo/news/pdfs/scraped-pdfs/b.pdf", "%PDF-bb-revised")
	dash, err = f.mgr.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.Projects[0].StaleArtifacts)
	assert.Equal(t, len("%PDF-aaaa")+len("WARC/1.0 page"), dash.Projects[0].Tokens)

	third, err := f.mgr.RecalculateTokens(ctx, Scope{Project: "kominfo", Subproject: "news"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, third.Recomputed)
	assert.Equal(t, 2, third.Reused)
	assert.Equal(t, 4, f.counter.Calls())
}

func TestRecalculateTokensUnknownScope(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subproject(t, "kominfo", "news")

	_, err := f.mgr.RecalculateTokens(context.Background(), Scope{Project: "nope"}, "")
	require.ErrorIs(t, err, workspace.ErrNotFound)

	report, err := f.mgr.RecalculateTokens(context.Background(), Scope{Project: "kominfo", Subproject: "gone"}, "")
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "gone", report.Failures[0].Subproject)
	stages := f.events.Stages()
	assert.Equal(t, progress.StageRunPartial, stages[len(stages)-1])
	assert.Equal(t, 1, countStage(f.events.Events(), progress.StageSubprojectFailed))
}

func TestCompressAllIsolatesFailingSubproject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withCodec(brokenCodec{Codec: archive.New(0), fail: "/broken/"}))
	ctx := context.Background()
	f.subproject(t, "alpha", "good")
	f.subproject(t, "alpha", "broken")
	f.subproject(t, "beta", "ok")
	f.put(t, "alpha/good/pdfs/scraped-pdfs/g.pdf", "%PDF-good")
	f.put(t, "alpha/broken/pdfs/scraped-pdfs/x.pdf", "%PDF-broken")
	f.put(t, "beta/ok/warcs/scraped-warcs/w.warc", "WARC/1.0")

	report, err := f.mgr.CompressAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "alpha", report.Failures[0].Project)
	assert.Equal(t, "broken", report.Failures[0].Subproject)
	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, 2, report.Notified)

	assert.FileExists(t, filepath.Join(f.root, "alpha", paths.CentralDir, "alpha_good.zip"))
	assert.NoFileExists(t, filepath.Join(f.root, "alpha", paths.CentralDir, "alpha_broken.zip"))
	assert.FileExists(t, filepath.Join(f.root, "beta", paths.CentralDir, "beta_ok.warc.gz"))

	events := f.events.Events()
	assert.Equal(t, 1, countStage(events, progress.StageSubprojectFailed))
	assert.Equal(t, 2, countStage(events, progress.StageCentralCollected))
	assert.Equal(t, 2, countStage(events, progress.StageBundleBuilt))
	assert.Equal(t, progress.StageRunPartial, events[len(events)-1].Stage)
	for _, e := range events {
		require.NoError(t, e.Validate())
	}
}

func TestCompressAllSurvivesPublishFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withPublisher(failingPublisher{}))
	f.subproject(t, "kominfo", "news")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/a.pdf", "%PDF-a")

	report, err := f.mgr.CompressAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 1, report.Copied)
	assert.Empty(t, report.Failures)
}

func TestCollectCentralReportsEmptySubprojects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subproject(t, "kominfo", "news")
	f.subproject(t, "kominfo", "idle")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/a.pdf", "%PDF-a")

	res, err := f.mgr.CollectCentral(context.Background(), "kominfo")
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, res.Skipped)
	require.Len(t, res.Bundle.Entries, 1)

	var collected progress.Event
	for _, e := range f.events.Events() {
		if e.Stage == progress.StageCentralCollected {
			collected = e
		}
	}
	assert.Equal(t, "empty: idle", collected.Note)
	assert.Equal(t, int64(1), collected.Items)
}

func TestDeleteSubprojectDropsCentralCopies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.subproject(t, "kominfo", "news")
	f.subproject(t, "kominfo", "press")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/a.pdf", "%PDF-a")
	f.put(t, "kominfo/press/pdfs/scraped-pdfs/b.pdf", "%PDF-b")

	_, err := f.mgr.CompressAll(ctx)
	require.NoError(t, err)
	require.NoError(t, f.mgr.DeleteSubproject(ctx, "kominfo", "news"))

	assert.NoFileExists(t, filepath.Join(f.root, "kominfo", paths.CentralDir, "kominfo_news.zip"))
	assert.FileExists(t, filepath.Join(f.root, "kominfo", paths.CentralDir, "kominfo_press.zip"))
	dash, err := f.mgr.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Projects, 1)
	assert.Equal(t, 1, dash.Projects[0].CentralArchives)
}

func TestCompressSubprojectEmitsBundle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subproject(t, "kominfo", "news")
	f.put(t, "kominfo/news/warcs/scraped-warcs/a.warc", "WARC/1.0")

	res, err := f.mgr.CompressSubproject(context.Background(), "kominfo", "news", []workspace.Kind{workspace.KindWARCs})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rebuilt)
	assert.Equal(t,
		[]progress.Stage{progress.StageRunStart, progress.StageBundleBuilt, progress.StageRunDone},
		f.events.Stages())
}

func TestDashboardDoesNotTouchCorruptLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.subproject(t, "kominfo", "news")
	f.put(t, "kominfo/news/pdfs/scraped-pdfs/a.pdf", "%PDF-aaaa")
	ledgerPath := f.put(t, "kominfo/news/tokens/ledger.json", "{not json")

	dash, err := f.mgr.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Projects, 1)
	assert.Equal(t, 1, dash.Projects[0].StaleArtifacts)
	assert.Zero(t, dash.Projects[0].Tokens)

	body, err := os.ReadFile(ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(body))
	assert.NoFileExists(t, ledgerPath+".corrupt")
}

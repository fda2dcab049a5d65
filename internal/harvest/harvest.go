// Package harvest drives the scraping collaborators and files their output
// into a subproject: links into links/links.csv, PDFs into
// pdfs/scraped-pdfs/ and captures into warcs/scraped-warcs/. Existing files
// are left alone so interrupted harvests resume where they stopped.
package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/links"
	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Kinds of harvest reported in Result.Kind.
const (
	KindLinks = "links"
	KindPDFs  = "pdfs"
	KindWARCs = "warcs"
)

// RunIDs produces run identifiers.
type RunIDs interface {
	NewRawID() (uuid.UUID, error)
}

// Options wires a Harvester. Resolver, Hasher and IDs are required; a nil
// scraping collaborator disables the matching operation.
type Options struct {
	Resolver   *paths.Resolver
	Links      workspace.LinkScraper
	Downloader workspace.Downloader
	Capturer   workspace.Capturer
	Hasher     workspace.Hasher
	IDs        RunIDs
	Clock      workspace.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Harvester files scraped content into the workspace tree.
type Harvester struct {
	resolver   *paths.Resolver
	links      workspace.LinkScraper
	downloader workspace.Downloader
	capturer   workspace.Capturer
	hasher     workspace.Hasher
	ids        RunIDs
	clock      workspace.Clock
	emitter    progress.Emitter
	logger     *zap.Logger
}

// Result summarizes one harvest call.
type Result struct {
	RunID      string                  `json:"run_id"`
	Kind       string                  `json:"kind"`
	Project    string                  `json:"project"`
	Subproject string                  `json:"subproject"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Attempted  int                     `json:"attempted"`
	Saved      int                     `json:"saved"`
	Skipped    int                     `json:"skipped"`
	Bytes      int64                   `json:"bytes"`
	Files      []string                `json:"files,omitempty"`
	Failures   []workspace.Failure     `json:"failures,omitempty"`
	Warnings   []workspace.ScanWarning `json:"warnings,omitempty"`
}

// LinkRequest describes one link scrape.
type LinkRequest struct {
	URLs      []string
	Strategy  workspace.Strategy
	Selectors []string
}

// ItemFilter narrows which links.csv entries a PDF or WARC harvest visits.
type ItemFilter struct {
	// Contains keeps URLs containing the substring (case-insensitive).
	Contains string
	// Limit caps the number of links visited; zero means all.
	Limit int
}

// New builds a Harvester.
func New(opts Options) (*Harvester, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("run id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = progress.Discard
	}
	return &Harvester{
		resolver:   opts.Resolver,
		links:      opts.Links,
		downloader: opts.Downloader,
		capturer:   opts.Capturer,
		hasher:     opts.Hasher,
		ids:        opts.IDs,
		clock:      opts.Clock,
		emitter:    emitter,
		logger:     logger,
	}, nil
}

// ScrapeLinks scrapes each URL and appends the new links to links.csv.
// Failures are isolated per URL.
func (h *Harvester) ScrapeLinks(ctx context.Context, project, subproject string, req LinkRequest) (Result, error) {
	if h.links == nil {
		return Result{}, errors.New("link scraper is not configured")
	}
	if _, err := h.prepare(project, subproject, workspace.KindLinks); err != nil {
		return Result{}, err
	}
	linksFile, err := h.resolver.LinksFile(project, subproject)
	if err != nil {
		return Result{}, err
	}
	run, res, err := h.begin(KindLinks, project, subproject)
	if err != nil {
		return Result{}, err
	}

	for _, raw := range req.URLs {
		if err := ctx.Err(); err != nil {
			return h.end(run, res, err)
		}
		res.Attempted++
		found, err := h.links.Scrape(ctx, raw, req.Strategy, req.Selectors)
		if err != nil {
			h.failItem(run, &res, raw, err)
			continue
		}
		added, err := links.Append(linksFile, found)
		if err != nil {
			h.failItem(run, &res, raw, err)
			continue
		}
		res.Saved += added
		res.Skipped += len(found) - added
		run.Emit(progress.Event{
			Stage:      progress.StageItemScraped,
			Project:    project,
			Subproject: subproject,
			Item:       raw,
			Items:      int64(added),
		})
		h.logger.Info("links appended",
			zap.String("url", raw), zap.Int("found", len(found)), zap.Int("added", added))
	}
	return h.end(run, res, nil)
}

// DownloadPDFs downloads the PDFs behind the links of links.csv.
func (h *Harvester) DownloadPDFs(ctx context.Context, project, subproject string, filter ItemFilter) (Result, error) {
	if h.downloader == nil {
		return Result{}, errors.New("pdf downloader is not configured")
	}
	return h.harvestItems(ctx, project, subproject, workspace.KindPDFs, filter, h.downloader.DownloadPDF)
}

// CaptureWARCs captures the pages behind the links of links.csv.
func (h *Harvester) CaptureWARCs(ctx context.Context, project, subproject string, filter ItemFilter) (Result, error) {
	if h.capturer == nil {
		return Result{}, errors.New("warc capturer is not configured")
	}
	return h.harvestItems(ctx, project, subproject, workspace.KindWARCs, filter, h.capturer.CaptureWARC)
}

func (h *Harvester) harvestItems(
	ctx context.Context,
	project, subproject string,
	kind workspace.Kind,
	filter ItemFilter,
	fetch func(context.Context, string) ([]byte, error),
) (Result, error) {
	dir, err := h.prepare(project, subproject, kind)
	if err != nil {
		return Result{}, err
	}
	linksFile, err := h.resolver.LinksFile(project, subproject)
	if err != nil {
		return Result{}, err
	}
	all, warnings, err := links.Read(linksFile)
	if err != nil {
		return Result{}, err
	}
	run, res, err := h.begin(string(kind), project, subproject)
	if err != nil {
		return Result{}, err
	}
	res.Warnings = warnings

	for _, link := range filter.apply(all) {
		if err := ctx.Err(); err != nil {
			return h.end(run, res, err)
		}
		res.Attempted++
		name, err := h.fileName(link.URL, kind)
		if err != nil {
			h.failItem(run, &res, link.URL, err)
			continue
		}
		target := filepath.Join(dir, name)
		if _, err := os.Stat(target); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			h.failItem(run, &res, link.URL, err)
			continue
		}

		data, err := fetch(ctx, link.URL)
		if err != nil {
			h.failItem(run, &res, link.URL, err)
			continue
		}
		if err := local.WriteAtomic(target, func(w io.Writer) error {
			_, werr := io.Copy(w, bytes.NewReader(data))
			return werr
		}); err != nil {
			h.failItem(run, &res, link.URL, err)
			continue
		}
		res.Saved++
		res.Bytes += int64(len(data))
		res.Files = append(res.Files, name)
		run.Emit(progress.Event{
			Stage:      progress.StageItemScraped,
			Project:    project,
			Subproject: subproject,
			Item:       link.URL,
			Bytes:      int64(len(data)),
		})
	}
	return h.end(run, res, nil)
}

// prepare validates the subproject and ensures the kind directory exists.
func (h *Harvester) prepare(project, subproject string, kind workspace.Kind) (string, error) {
	sub, err := h.resolver.Subproject(project, subproject)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(sub)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("subproject %s/%s: %w", project, subproject, workspace.ErrNotFound)
	}
	dir, err := h.resolver.Resolve(project, subproject, kind)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func (h *Harvester) begin(kind, project, subproject string) (*progress.Run, Result, error) {
	id, err := h.ids.NewRawID()
	if err != nil {
		return nil, Result{}, err
	}
	run := progress.NewRun(id, progress.OpScrape, h.emitter, h.now)
	run.Start(fmt.Sprintf("%s %s/%s", kind, project, subproject))
	metrics.IncActiveOperations()
	return run, Result{
		RunID:      id.String(),
		Kind:       kind,
		Project:    project,
		Subproject: subproject,
		StartedAt:  run.Started,
	}, nil
}

func (h *Harvester) end(run *progress.Run, res Result, err error) (Result, error) {
	defer metrics.DecActiveOperations()
	res.FinishedAt = h.now().UTC()
	status := "success"
	switch {
	case err != nil:
		status = "canceled"
		run.Fail(err)
		err = fmt.Errorf("harvest %s %s/%s: %w", res.Kind, res.Project, res.Subproject, err)
	case len(res.Failures) > 0:
		status = "partial"
		run.Finish(int64(res.Saved), len(res.Failures), fmt.Sprintf("%d failures", len(res.Failures)))
	default:
		run.Finish(int64(res.Saved), 0, "")
	}
	metrics.ObserveOperation("scrape_"+res.Kind, status)
	h.logger.Info("harvest finished",
		zap.String("run_id", res.RunID),
		zap.String("kind", res.Kind),
		zap.String("project", res.Project),
		zap.String("subproject", res.Subproject),
		zap.Int("saved", res.Saved),
		zap.Int("skipped", res.Skipped),
		zap.Int("failures", len(res.Failures)),
	)
	return res, err
}

func (h *Harvester) failItem(run *progress.Run, res *Result, item string, err error) {
	f := workspace.NewFailure(res.Project, res.Subproject, item, err)
	res.Failures = append(res.Failures, f)
	run.Emit(progress.Event{
		Stage:      progress.StageArtifactFailed,
		Project:    res.Project,
		Subproject: res.Subproject,
		Item:       item,
		Note:       f.Reason,
	})
	h.logger.Warn("harvest item failed", zap.String("item", item), zap.Error(err))
}

// fileName derives a stable file name from the URL: the sanitized last path
// segment (or host) plus a short URL digest, so distinct URLs never collide
// and a rerun finds the file it wrote before.
func (h *Harvester) fileName(rawURL string, kind workspace.Kind) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	ext := paths.Extension(kind)
	stem := path.Base(strings.TrimSuffix(u.Path, "/"))
	if stem == "." || stem == "/" || stem == "" {
		stem = u.Hostname()
	}
	for _, suffix := range []string{ext, ".html", ".htm", ".php", ".aspx"} {
		stem = strings.TrimSuffix(stem, suffix)
	}
	stem = sanitize(stem)
	if stem == "" {
		stem = "document"
	}
	digest, err := h.hasher.Hash([]byte(rawURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	if len(digest) > 8 {
		digest = digest[:8]
	}
	return stem + "-" + digest + ext, nil
}

func (h *Harvester) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now()
}

func (f ItemFilter) apply(all []workspace.Link) []workspace.Link {
	needle := strings.ToLower(strings.TrimSpace(f.Contains))
	out := make([]workspace.Link, 0, len(all))
	for _, l := range all {
		if needle != "" && !strings.Contains(strings.ToLower(l.URL), needle) {
			continue
		}
		out = append(out, l)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._-")
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}

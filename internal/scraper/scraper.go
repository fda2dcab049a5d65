// Package scraper is the scraping collaborator of the workspace: it extracts
// links from pages, downloads PDFs and captures pages as WARC records. Static
// fetches go through colly; the headless strategy renders with chromedp.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/fetcher"
	"github.com/JakeFAU/scrape-workspace/internal/policy/retry"
	"github.com/JakeFAU/scrape-workspace/internal/warc"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// DefaultSelector matches every anchor carrying an href.
const DefaultSelector = "a[href]"

var (
	// ErrNotPDF is returned when a download does not look like a PDF document.
	ErrNotPDF = errors.New("response is not a pdf")
	// ErrBlocked is returned for hosts the host filter rejects.
	ErrBlocked = errors.New("host is blocked")
)

// Detector decides whether a static page needs a headless render.
type Detector interface {
	ShouldPromote(page fetcher.Page) bool
}

// Waiter spaces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Retrier re-runs a failed fetch.
type Retrier interface {
	Do(ctx context.Context, fn func(attempt int) error) error
}

// HostFilter skips configured or repeatedly forbidden hosts.
type HostFilter interface {
	BlockedURL(rawURL string) bool
	MarkForbidden(host string) bool
}

// RecordIDs produces WARC-Record-ID URNs.
type RecordIDs interface {
	NewURN() string
}

// Options wires the scraper collaborators. Static is required.
type Options struct {
	Static   fetcher.Fetcher
	Headless fetcher.Fetcher
	Detector Detector
	Limiter  Waiter
	Retry    Retrier
	Hosts    HostFilter
	IDs      RecordIDs
	Clock    workspace.Clock
	Logger   *zap.Logger
}

// Scraper implements workspace.LinkScraper, workspace.Downloader and
// workspace.Capturer.
type Scraper struct {
	static   fetcher.Fetcher
	headless fetcher.Fetcher
	detector Detector
	limiter  Waiter
	retry    Retrier
	hosts    HostFilter
	ids      RecordIDs
	clock    workspace.Clock
	logger   *zap.Logger
}

var (
	_ workspace.LinkScraper = (*Scraper)(nil)
	_ workspace.Downloader  = (*Scraper)(nil)
	_ workspace.Capturer    = (*Scraper)(nil)
)

// New builds a Scraper.
func New(opts Options) (*Scraper, error) {
	if opts.Static == nil {
		return nil, fmt.Errorf("static fetcher is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("record id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		static:   opts.Static,
		headless: opts.Headless,
		detector: opts.Detector,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		hosts:    opts.Hosts,
		ids:      opts.IDs,
		clock:    opts.Clock,
		logger:   logger,
	}, nil
}

// Scrape fetches url with the given strategy and returns the links matched by
// selectors, resolved to absolute http(s) URLs without fragments and in
// document order. Each URL appears once, credited to the first selector that
// matched it.
func (s *Scraper) Scrape(
	ctx context.Context,
	rawURL string,
	strategy workspace.Strategy,
	selectors []string,
) ([]workspace.Link, error) {
	page, err := s.fetchPage(ctx, rawURL, strategy)
	if err != nil {
		return nil, err
	}
	links, err := ExtractLinks(page, selectors)
	if err != nil {
		return nil, err
	}
	s.logger.Info("links scraped",
		zap.String("url", rawURL),
		zap.String("strategy", string(strategy)),
		zap.Bool("headless", page.Headless),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// DownloadPDF fetches url and returns the body when it is a PDF.
func (s *Scraper) DownloadPDF(ctx context.Context, rawURL string) ([]byte, error) {
	page, err := s.fetch(ctx, s.static, rawURL)
	if err != nil {
		return nil, err
	}
	if !isPDF(page) {
		return nil, fmt.Errorf("download %s: %w (content type %q)", rawURL, ErrNotPDF, page.ContentType())
	}
	return page.Body, nil
}

// CaptureWARC fetches url statically and returns a request record, the
// matching response record and a metadata record describing the fetch.
func (s *Scraper) CaptureWARC(ctx context.Context, rawURL string) ([]byte, error) {
	page, err := s.fetch(ctx, s.static, rawURL)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(page.URL)
	if err != nil || page.URL == "" {
		target, err = url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("capture %s: parse url: %w", rawURL, err)
		}
	}

	at := s.now()
	responseID := s.ids.NewURN()
	method := page.Method
	if method == "" {
		method = http.MethodGet
	}

	var buf bytes.Buffer
	w := warc.NewWriter(&buf)
	request := warc.NewRequest(s.ids.NewURN(), target.String(), responseID, at,
		warc.RequestMessage(method, target, page.RequestHeaders))
	response := warc.NewResponse(responseID, target.String(), at,
		warc.HTTPMessage("HTTP/1.1", page.StatusCode, page.Headers, page.Body))
	metadata := warc.NewMetadata(s.ids.NewURN(), target.String(), responseID, at, map[string]string{
		"fetch-duration-ms": strconv.FormatInt(page.Duration.Milliseconds(), 10),
		"payload-length":    strconv.Itoa(len(page.Body)),
		"requested-url":     rawURL,
	})
	for _, rec := range []warc.Record{request, response, metadata} {
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("capture %s: write record: %w", rawURL, err)
		}
	}
	return buf.Bytes(), nil
}

func (s *Scraper) fetchPage(ctx context.Context, rawURL string, strategy workspace.Strategy) (fetcher.Page, error) {
	switch strategy {
	case workspace.StrategyStatic, "":
		return s.fetch(ctx, s.static, rawURL)
	case workspace.StrategyHeadless:
		if s.headless == nil {
			return fetcher.Page{}, fmt.Errorf("headless scrape %s: %w", rawURL, fetcher.ErrDisabled)
		}
		return s.fetch(ctx, s.headless, rawURL)
	case workspace.StrategyAuto:
		page, err := s.fetch(ctx, s.static, rawURL)
		if err != nil {
			return fetcher.Page{}, err
		}
		if s.headless == nil || s.detector == nil || !s.detector.ShouldPromote(page) {
			return page, nil
		}
		s.logger.Debug("promoting to headless", zap.String("url", rawURL))
		rendered, err := s.fetch(ctx, s.headless, rawURL)
		if err != nil {
			s.logger.Warn("headless promotion failed; keeping static page",
				zap.String("url", rawURL), zap.Error(err))
			return page, nil
		}
		return rendered, nil
	default:
		return fetcher.Page{}, fmt.Errorf("unknown scrape strategy %q", strategy)
	}
}

func (s *Scraper) fetch(ctx context.Context, f fetcher.Fetcher, rawURL string) (fetcher.Page, error) {
	if err := validateURL(rawURL); err != nil {
		return fetcher.Page{}, err
	}
	if s.hosts != nil && s.hosts.BlockedURL(rawURL) {
		return fetcher.Page{}, fmt.Errorf("fetch %s: %w", rawURL, ErrBlocked)
	}
	var page fetcher.Page
	attemptFetch := func(attempt int) error {
		if attempt > 1 {
			s.logger.Debug("retrying fetch", zap.String("url", rawURL), zap.Int("attempt", attempt))
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, rawURL); err != nil {
				return retry.Permanent(err)
			}
		}
		p, err := f.Fetch(ctx, rawURL)
		if err != nil {
			if errors.Is(err, fetcher.ErrDisabled) {
				return retry.Permanent(err)
			}
			return err
		}
		if p.StatusCode >= http.StatusBadRequest {
			if p.StatusCode == http.StatusForbidden && s.hosts != nil {
				if u, perr := url.Parse(rawURL); perr == nil && s.hosts.MarkForbidden(u.Host) {
					s.logger.Warn("host blocked after repeated 403s", zap.String("host", u.Host))
				}
			}
			return &retry.StatusError{Code: p.StatusCode}
		}
		page = p
		return nil
	}
	var err error
	if s.retry != nil {
		err = s.retry.Do(ctx, attemptFetch)
	} else {
		err = attemptFetch(1)
	}
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if page.URL == "" {
		page.URL = rawURL
	}
	return page, nil
}

func (s *Scraper) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

// ExtractLinks parses page as HTML and collects the links matched by
// selectors. An empty selector list means DefaultSelector. Selectors that
// match non-anchor elements collect the anchors nested inside them.
func ExtractLinks(page fetcher.Page, selectors []string) ([]workspace.Link, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	sels := selectors
	if len(sels) == 0 {
		sels = []string{""}
	}
	seen := make(map[string]struct{})
	var out []workspace.Link
	for _, sel := range sels {
		query := sel
		if query == "" {
			query = DefaultSelector
		}
		doc.Find(query).Each(func(_ int, match *goquery.Selection) {
			anchors := match
			if goquery.NodeName(match) != "a" {
				anchors = match.Find(DefaultSelector)
			}
			anchors.Each(func(_ int, a *goquery.Selection) {
				href, ok := a.Attr("href")
				if !ok {
					return
				}
				abs, ok := resolve(base, href)
				if !ok {
					return
				}
				if _, dup := seen[abs]; dup {
					return
				}
				seen[abs] = struct{}{}
				out = append(out, workspace.Link{URL: abs, Source: page.URL, Selector: sel})
			})
		})
	}
	return out, nil
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http or https", rawURL)
	}
	return nil
}

func isPDF(page fetcher.Page) bool {
	if strings.Contains(strings.ToLower(page.ContentType()), "pdf") {
		return true
	}
	return bytes.HasPrefix(page.Body, []byte("%PDF-"))
}

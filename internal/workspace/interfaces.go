package workspace

import (
	"context"
	"fmt"
	"io"
	"time"
)

// TokenCounter is the external token-counting function.
type TokenCounter interface {
	Count(ctx context.Context, content []byte, contentType string, selector string) (int, error)
}

// Codec is the external archive codec: it writes one archive for a kind and
// lists the entries of an existing archive.
type Codec interface {
	Compress(ctx context.Context, kind Kind, files []Artifact, dst io.Writer) error
	List(archivePath string) ([]string, error)
}

// Strategy selects how the link scraper renders pages.
type Strategy string

// Supported link scraping strategies.
const (
	StrategyStatic   Strategy = "static"
	StrategyHeadless Strategy = "headless"
	// StrategyAuto fetches statically and re-renders headless when the page
	// looks script-driven.
	StrategyAuto Strategy = "auto"
)

// ParseStrategy converts user input into a Strategy. Empty selects static.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyStatic, nil
	case StrategyStatic, StrategyHeadless, StrategyAuto:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown scrape strategy %q", s)
	}
}

// LinkScraper extracts links from a page.
type LinkScraper interface {
	Scrape(ctx context.Context, url string, strategy Strategy, selectors []string) ([]Link, error)
}

// Downloader fetches PDF documents.
type Downloader interface {
	DownloadPDF(ctx context.Context, url string) ([]byte, error)
}

// Capturer captures a page as a WARC record stream.
type Capturer interface {
	CaptureWARC(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

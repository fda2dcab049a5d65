// Package fetcher defines the page retrieval contract shared by the static
// (colly) and headless (chromedp) implementations used by the scraper.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrDisabled is returned by fetchers that are not configured.
var ErrDisabled = errors.New("fetcher disabled")

// RobotsStatus reports how robots.txt was evaluated for a fetch.
type RobotsStatus string

// Robots statuses.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// Page is one retrieved document.
type Page struct {
	// RequestedURL is the URL passed to Fetch; URL is the final URL after redirects.
	RequestedURL   string
	URL            string
	Method         string
	StatusCode     int
	Headers        http.Header
	RequestHeaders http.Header
	Body           []byte
	Duration       time.Duration
	Headless       bool
	RobotsStatus   RobotsStatus
	RobotsReason   string
}

// ContentType returns the response Content-Type header.
func (p Page) ContentType() string {
	if p.Headers == nil {
		return ""
	}
	return p.Headers.Get("Content-Type")
}

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

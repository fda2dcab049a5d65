// Package tokens provides the default token-counting function: a character
// based estimate over extracted text, with CSS-selector scoping for HTML.
package tokens

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/warc"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// DefaultCharsPerToken is the divisor applied to non-whitespace characters.
const DefaultCharsPerToken = 4

// Config tunes the estimator.
type Config struct {
	CharsPerToken int `mapstructure:"chars_per_token"`
}

// Counter implements workspace.TokenCounter.
type Counter struct {
	charsPerToken int
	logger        *zap.Logger
}

var _ workspace.TokenCounter = (*Counter)(nil)

// NewCounter builds a Counter. A non-positive CharsPerToken uses the default.
func NewCounter(cfg Config, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	return &Counter{charsPerToken: cfg.CharsPerToken, logger: logger}
}

// Count estimates the tokens in content. The selector is honoured for HTML
// bodies (plain HTML or WARC response payloads) and ignored otherwise.
func (c *Counter) Count(ctx context.Context, content []byte, contentType string, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mediaType {
	case workspace.ContentTypePDF:
		text, err := pdfText(content)
		if err != nil {
			return 0, err
		}
		return c.Estimate(text), nil
	case workspace.ContentTypeWARC:
		return c.countWARC(ctx, content, selector)
	case workspace.ContentTypeHTML, "application/xhtml+xml":
		text, err := htmlText(content, selector)
		if err != nil {
			return 0, err
		}
		return c.Estimate(text), nil
	default:
		if !utf8.Valid(content) {
			return 0, fmt.Errorf("content type %q is not text", contentType)
		}
		return c.Estimate(string(content)), nil
	}
}

// Estimate divides the non-whitespace character count by the configured ratio.
func (c *Counter) Estimate(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n / c.charsPerToken
}

func (c *Counter) countWARC(ctx context.Context, content []byte, selector string) (int, error) {
	reader := warc.NewReader(bytes.NewReader(content))
	total, responses := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read warc: %w", err)
		}
		if rec.Type() != warc.TypeResponse {
			continue
		}
		responses++
		body, bodyType, err := warc.ResponseBody(rec)
		if err != nil {
			c.logger.Warn("skipping warc response", zap.String("uri", rec.TargetURI()), zap.Error(err))
			continue
		}
		if strings.Contains(strings.ToLower(bodyType), "html") || bodyType == "" {
			text, err := htmlText(body, selector)
			if err != nil {
				return 0, err
			}
			total += c.Estimate(text)
			continue
		}
		if utf8.Valid(body) {
			total += c.Estimate(string(body))
		}
	}
	c.logger.Debug("counted warc", zap.Int("responses", responses), zap.Int("tokens", total))
	return total, nil
}

func htmlText(body []byte, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	if strings.TrimSpace(selector) == "" {
		return doc.Text(), nil
	}
	var sb strings.Builder
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.Text())
		sb.WriteByte(' ')
	})
	return sb.String(), nil
}

func pdfText(content []byte) (text string, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(raw), nil
}

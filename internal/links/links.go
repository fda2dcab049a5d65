// Package links reads and appends the per-subproject links.csv file.
package links

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Header is the first row of every links.csv.
var Header = []string{"url", "source", "selector"}

// Validate checks that a link carries an absolute http(s) URL.
func Validate(l workspace.Link) error {
	u, err := url.Parse(strings.TrimSpace(l.URL))
	if err != nil {
		return fmt.Errorf("parse url %q: %w", l.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", l.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", l.URL)
	}
	return nil
}

// Key normalizes rawURL for duplicate detection: scheme and host are
// lowercased, default ports and fragments dropped and query parameters
// sorted. Unparsable input is returned trimmed.
func Key(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}

// Read loads links.csv. A missing file yields no links. Malformed rows are
// skipped and reported as warnings.
func Read(path string) ([]workspace.Link, []workspace.ScanWarning, error) {
	f, err := os.Open(path) // #nosec G304 -- resolver path.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err)
	}
	defer func() { _ = f.Close() }()
	return parse(path, f)
}

func parse(path string, r io.Reader) ([]workspace.Link, []workspace.ScanWarning, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	var (
		out      []workspace.Link
		warnings []workspace.ScanWarning
		row      int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				warnings = append(warnings, warning(path, row, err.Error()))
				continue
			}
			return nil, nil, fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err)
		}
		if row == 1 && isHeader(record) {
			continue
		}
		if len(record) < 2 {
			warnings = append(warnings, warning(path, row, "expected at least url and source columns"))
			continue
		}
		link := workspace.Link{URL: strings.TrimSpace(record[0]), Source: strings.TrimSpace(record[1])}
		if len(record) > 2 {
			link.Selector = strings.TrimSpace(record[2])
		}
		if err := Validate(link); err != nil {
			warnings = append(warnings, warning(path, row, err.Error()))
			continue
		}
		out = append(out, link)
	}
	return out, warnings, nil
}

// Append adds links not already present (by Key of the URL) and rewrites the file
// atomically. It returns how many links were added.
func Append(path string, incoming []workspace.Link) (int, error) {
	existing, _, err := Read(path)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, l := range existing {
		seen[Key(l.URL)] = struct{}{}
	}
	merged := existing
	added := 0
	for _, l := range incoming {
		l.URL = strings.TrimSpace(l.URL)
		if err := Validate(l); err != nil {
			return 0, err
		}
		key := Key(l.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, l)
		added++
	}
	if added == 0 {
		if _, statErr := os.Stat(path); statErr == nil {
			return 0, nil
		}
	}
	err = local.WriteAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(Header); err != nil {
			return err
		}
		for _, l := range merged {
			if err := cw.Write([]string{l.URL, l.Source, l.Selector}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), Header[0])
}

func warning(path string, row int, reason string) workspace.ScanWarning {
	return workspace.ScanWarning{Path: path, Reason: fmt.Sprintf("row %d: %s", row, reason)}
}

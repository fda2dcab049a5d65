// Package hostfilter blocks hosts listed in configuration and hosts that keep
// answering 403.
package hostfilter

import (
	"net/url"
	"strings"
	"sync"
)

const defaultForbiddenThreshold = 3

// Filter matches exact hosts, "*.suffix" wildcards and hosts that crossed the
// forbidden threshold. A nil Filter blocks nothing.
type Filter struct {
	exact    map[string]struct{}
	suffixes []string

	threshold int
	mu        sync.Mutex
	forbidden map[string]int
	learned   map[string]struct{}
}

// New builds a Filter. threshold is the number of 403 responses after which a
// host is blocked; zero selects 3 and a negative value disables learning.
func New(patterns []string, threshold int) *Filter {
	if threshold == 0 {
		threshold = defaultForbiddenThreshold
	}
	f := &Filter{
		exact:     make(map[string]struct{}),
		threshold: threshold,
		forbidden: make(map[string]int),
		learned:   make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			f.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			f.addSuffix(strings.TrimPrefix(value, "."))
		default:
			f.exact[value] = struct{}{}
		}
	}
	return f
}

func (f *Filter) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range f.suffixes {
		if existing == suffix {
			return
		}
	}
	f.suffixes = append(f.suffixes, suffix)
}

// Blocked reports whether requests to host should be skipped.
func (f *Filter) Blocked(host string) bool {
	if f == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := f.exact[host]; ok {
		return true
	}
	for _, suffix := range f.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.learned[host]
	return ok
}

// BlockedURL is Blocked for the host of rawURL. Unparsable URLs are not
// blocked here; the fetch reports them.
func (f *Filter) BlockedURL(rawURL string) bool {
	if f == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return f.Blocked(u.Host)
}

// MarkForbidden records a 403 from host and reports whether it is now blocked.
func (f *Filter) MarkForbidden(host string) bool {
	if f == nil || f.threshold < 0 {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.learned[host]; ok {
		return true
	}
	f.forbidden[host]++
	if f.forbidden[host] >= f.threshold {
		f.learned[host] = struct{}{}
		return true
	}
	return false
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.Contains(h, "[") {
		return h
	}
	return host
}

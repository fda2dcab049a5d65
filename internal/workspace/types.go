package workspace

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an artifact collection (or archive directory) inside the tree.
type Kind string

// Artifact kinds. KindCentral is project-level; all others live under a subproject.
const (
	KindLinks      Kind = "links"
	KindPDFs       Kind = "pdfs"
	KindWARCs      Kind = "warcs"
	KindTokens     Kind = "tokens"
	KindCompressed Kind = "compressed"
	KindCentral    Kind = "central"
)

// ScannedKinds lists the kinds the registry reports as artifacts.
var ScannedKinds = []Kind{KindLinks, KindPDFs, KindWARCs}

// CountableKinds lists the kinds the token ledger counts.
var CountableKinds = []Kind{KindPDFs, KindWARCs}

// ArchivableKinds lists the kinds the compression coordinator bundles.
var ArchivableKinds = []Kind{KindPDFs, KindWARCs}

// Content types handed to the token counter.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeWARC = "application/warc"
	ContentTypeCSV  = "text/csv"
	ContentTypeHTML = "text/html"
)

// ContentType maps an artifact kind to the content type passed to counters.
func (k Kind) ContentType() string {
	switch k {
	case KindPDFs:
		return ContentTypePDF
	case KindWARCs:
		return ContentTypeWARC
	case KindLinks:
		return ContentTypeCSV
	default:
		return "application/octet-stream"
	}
}

// HTMLBearing reports whether selector scoping applies to the kind.
func (k Kind) HTMLBearing() bool {
	return k == KindWARCs
}

// ParseKind converts user input into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLinks, KindPDFs, KindWARCs, KindTokens, KindCompressed, KindCentral:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
}

// Artifact is one file discovered in a kind directory.
type Artifact struct {
	// ID is the workspace-root-relative path with forward slashes.
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	Subproject  string    `json:"subproject"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	Fingerprint string    `json:"fingerprint"`
}

// Fingerprint derives the cheap staleness signal from size and mtime.
func Fingerprint(size int64, modTime time.Time) string {
	return fmt.Sprintf("%d-%d", size, modTime.UnixNano())
}

// ScanWarning records a file or kind directory the registry skipped.
type ScanWarning struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

// SubprojectSnapshot is the registry view of one subproject.
type SubprojectSnapshot struct {
	Project    string     `json:"project"`
	Name       string     `json:"name"`
	Artifacts  []Artifact `json:"artifacts"`
	LinksCount int        `json:"links_count"`
	// Warnings are the paths skipped while scanning. The files behind them
	// still exist, so they are withheld rather than removed.
	Warnings []ScanWarning `json:"-"`
}

// Withholding returns the warning covering id, either the file itself or
// its kind directory.
func (s SubprojectSnapshot) Withholding(id string) (ScanWarning, bool) {
	for _, w := range s.Warnings {
		if id == w.Path || strings.HasPrefix(id, w.Path+"/") {
			return w, true
		}
	}
	return ScanWarning{}, false
}

// WarningsFor returns the warnings raised while scanning kind.
func (s SubprojectSnapshot) WarningsFor(kind Kind) []ScanWarning {
	var out []ScanWarning
	for _, w := range s.Warnings {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

// ByKind returns the artifacts of one kind, preserving order.
func (s SubprojectSnapshot) ByKind(kind Kind) []Artifact {
	out := make([]Artifact, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Bytes sums the sizes of the artifacts of the given kinds.
func (s SubprojectSnapshot) Bytes(kinds ...Kind) int64 {
	var total int64
	for _, a := range s.Artifacts {
		for _, k := range kinds {
			if a.Kind == k {
				total += a.Size
				break
			}
		}
	}
	return total
}

// ProjectSnapshot is the registry view of one project.
type ProjectSnapshot struct {
	Project     string               `json:"project"`
	Subprojects []SubprojectSnapshot `json:"subprojects"`
	Warnings    []ScanWarning        `json:"warnings,omitempty"`
}

// TokenRecord is the persisted token count of one artifact.
type TokenRecord struct {
	ArtifactID  string    `json:"artifact_id"`
	Kind        Kind      `json:"kind"`
	Count       int       `json:"count"`
	Fingerprint string    `json:"fingerprint"`
	ContentHash string    `json:"content_hash"`
	Selector    string    `json:"selector,omitempty"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Current reports whether the record still describes the artifact under the
// given effective selector.
func (r TokenRecord) Current(a Artifact, selector string) bool {
	return r.Fingerprint == a.Fingerprint && r.Selector == selector
}

// HistoryEntry is one line of the append-only token history log.
type HistoryEntry struct {
	ArtifactID     string    `json:"artifact_id"`
	OldCount       int       `json:"old_count"`
	NewCount       int       `json:"new_count"`
	OldFingerprint string    `json:"old_fingerprint"`
	NewFingerprint string    `json:"new_fingerprint,omitempty"`
	Selector       string    `json:"selector,omitempty"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

// SourceEntry identifies one artifact inside a bundle's source set.
type SourceEntry struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Selector    string `json:"selector,omitempty"`
	Size        int64  `json:"size"`
}

// ArchiveEntry is one archive file belonging to a subproject-local bundle.
type ArchiveEntry struct {
	Kind      Kind          `json:"kind"`
	File      string        `json:"file"`
	Size      int64         `json:"size"`
	SHA256    string        `json:"sha256,omitempty"`
	Sources   []SourceEntry `json:"sources"`
	CreatedAt time.Time     `json:"created_at"`
}

// Bundle is the subproject-local compressed bundle.
type Bundle struct {
	Project    string         `json:"project"`
	Subproject string         `json:"subproject"`
	Archives   []ArchiveEntry `json:"archives"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Archive returns the entry for kind, if any.
func (b Bundle) Archive(kind Kind) (ArchiveEntry, bool) {
	for _, a := range b.Archives {
		if a.Kind == kind {
			return a, true
		}
	}
	return ArchiveEntry{}, false
}

// CentralEntry references one subproject-local archive copied into the
// project-central directory.
type CentralEntry struct {
	Subproject        string    `json:"subproject"`
	Kind              Kind      `json:"kind"`
	File              string    `json:"file"`
	Size              int64     `json:"size"`
	SourceFingerprint string    `json:"source_fingerprint"`
	SHA256            string    `json:"sha256,omitempty"`
	CopiedAt          time.Time `json:"copied_at"`
	RemoteURI         string    `json:"remote_uri,omitempty"`
}

// CentralBundle is the project-central collection manifest.
type CentralBundle struct {
	Project   string         `json:"project"`
	Entries   []CentralEntry `json:"entries"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Link is one scraped URL record stored in links.csv.
type Link struct {
	URL      string `json:"url"`
	Source   string `json:"source"`
	Selector string `json:"selector,omitempty"`
}

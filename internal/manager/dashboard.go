package manager

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// SubprojectStats is one dashboard row.
type SubprojectStats struct {
	Project         string    `json:"project"`
	Subproject      string    `json:"subproject"`
	Files           int       `json:"files"`
	PDFs            int       `json:"pdfs"`
	WARCs           int       `json:"warcs"`
	Links           int       `json:"links"`
	Bytes           int64     `json:"bytes"`
	Tokens          int       `json:"tokens"`
	StaleArtifacts  int       `json:"stale_artifacts"`
	CompressedBytes int64     `json:"compressed_bytes"`
	LastModified    time.Time `json:"last_modified"`
}

// ProjectStats aggregates a project's subprojects plus its central set.
type ProjectStats struct {
	Project         string            `json:"project"`
	Subprojects     []SubprojectStats `json:"subprojects"`
	Files           int               `json:"files"`
	PDFs            int               `json:"pdfs"`
	WARCs           int               `json:"warcs"`
	Links           int               `json:"links"`
	Bytes           int64             `json:"bytes"`
	Tokens          int               `json:"tokens"`
	StaleArtifacts  int               `json:"stale_artifacts"`
	CentralArchives int               `json:"central_archives"`
	CentralBytes    int64             `json:"central_bytes"`
	LastModified    time.Time         `json:"last_modified"`
}

// Dashboard is the workspace-wide statistics view.
type Dashboard struct {
	Root        string                  `json:"root"`
	GeneratedAt time.Time               `json:"generated_at"`
	Projects    []ProjectStats          `json:"projects"`
	Warnings    []workspace.ScanWarning `json:"warnings,omitempty"`
}

// Dashboard computes file, byte and token statistics per project and
// subproject. Token totals only include ledger records that still match their
// artifact; the rest are reported as stale. It never counts tokens itself.
func (m *Manager) Dashboard(ctx context.Context) (Dashboard, error) {
	tree, err := m.ListTree(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	dash := Dashboard{Root: tree.Root, GeneratedAt: m.now(), Projects: make([]ProjectStats, 0, len(tree.Projects))}
	for _, snap := range tree.Projects {
		ps := ProjectStats{Project: snap.Project, Subprojects: make([]SubprojectStats, 0, len(snap.Subprojects))}
		for _, sub := range snap.Subprojects {
			ss := m.subprojectStats(sub)
			ps.Subprojects = append(ps.Subprojects, ss)
			ps.Files += ss.Files
			ps.PDFs += ss.PDFs
			ps.WARCs += ss.WARCs
			ps.Links += ss.Links
			ps.Bytes += ss.Bytes
			ps.Tokens += ss.Tokens
			ps.StaleArtifacts += ss.StaleArtifacts
			ps.LastModified = latest(ps.LastModified, ss.LastModified)
		}
		central := m.coordinator.LoadCentral(snap.Project)
		ps.CentralArchives = len(central.Entries)
		for _, e := range central.Entries {
			ps.CentralBytes += e.Size
			ps.LastModified = latest(ps.LastModified, e.CopiedAt)
		}
		dash.Projects = append(dash.Projects, ps)
		dash.Warnings = append(dash.Warnings, snap.Warnings...)
	}
	return dash, nil
}

func (m *Manager) subprojectStats(sub workspace.SubprojectSnapshot) SubprojectStats {
	ss := SubprojectStats{Project: sub.Project, Subproject: sub.Name, Links: sub.LinksCount}
	records, err := m.ledger.Peek(sub.Project, sub.Name)
	if err != nil {
		m.logger.Warn("ledger unreadable for dashboard",
			zap.String("project", sub.Project), zap.String("subproject", sub.Name), zap.Error(err))
	}
	for _, a := range sub.Artifacts {
		ss.LastModified = latest(ss.LastModified, a.ModTime)
		switch a.Kind {
		case workspace.KindPDFs:
			ss.PDFs++
		case workspace.KindWARCs:
			ss.WARCs++
		default:
			continue
		}
		ss.Files++
		ss.Bytes += a.Size
		if rec, ok := records[a.ID]; ok && rec.Fingerprint == a.Fingerprint {
			ss.Tokens += rec.Count
		} else {
			ss.StaleArtifacts++
		}
	}
	bundle := m.coordinator.LoadBundle(sub.Project, sub.Name)
	for _, a := range bundle.Archives {
		ss.CompressedBytes += a.Size
	}
	return ss
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortedRecordIDs(records map[string]workspace.TokenRecord) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

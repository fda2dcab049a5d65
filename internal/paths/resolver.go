// Package paths maps project, subproject and artifact kind names onto the
// canonical output tree. It is pure: nothing here touches the filesystem.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Directory and file names of the output tree.
const (
	CentralDir         = "0_compressed_all"
	LinksDir           = "links"
	PDFsDir            = "pdfs/scraped-pdfs"
	WARCsDir           = "warcs/scraped-warcs"
	TokensDir          = "tokens"
	CompressedDir      = "compressed"
	LinksFileName      = "links.csv"
	LedgerFileName     = "ledger.json"
	HistoryFileName    = "history.jsonl"
	TokensCSVFileName  = "tokens.csv"
	BundleFileName     = "bundle.json"
	BytesFileName      = "bytes.csv"
	CentralFileName    = "manifest.json"
	maxNameLength      = 128
	reservedSubstrName = "compressed"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Resolver resolves names to paths beneath a workspace root.
type Resolver struct {
	root string
}

// New returns a Resolver rooted at root.
func New(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	return &Resolver{root: filepath.Clean(root)}, nil
}

// Root returns the workspace root.
func (r *Resolver) Root() string {
	return r.root
}

// ValidateProjectName enforces the project naming policy: case-sensitive,
// ASCII letters, digits, '.', '_' and '-', starting with a letter or digit.
func ValidateProjectName(name string) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return fmt.Errorf("%w: %q must be 1-%d characters", workspace.ErrInvalidName, name, maxNameLength)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '.', '_' and '-'", workspace.ErrInvalidName, name)
	}
	if name == CentralDir {
		return fmt.Errorf("%w: %q is reserved", workspace.ErrInvalidName, name)
	}
	return nil
}

// ValidateSubprojectName applies the project policy and also rejects names
// containing "compressed", which would collide with the central and legacy
// archive directories living next to subprojects.
func ValidateSubprojectName(name string) error {
	if err := ValidateProjectName(name); err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(name), reservedSubstrName) {
		return fmt.Errorf("%w: subproject %q may not contain %q", workspace.ErrInvalidName, name, reservedSubstrName)
	}
	return nil
}

// Project returns output/<project>.
func (r *Resolver) Project(project string) (string, error) {
	if err := ValidateProjectName(project); err != nil {
		return "", err
	}
	return filepath.Join(r.root, project), nil
}

// Subproject returns output/<project>/<subproject>.
func (r *Resolver) Subproject(project, subproject string) (string, error) {
	base, err := r.Project(project)
	if err != nil {
		return "", err
	}
	if err := ValidateSubprojectName(subproject); err != nil {
		return "", err
	}
	return filepath.Join(base, subproject), nil
}

// Resolve maps (project, subproject, kind) onto its directory. KindCentral is
// project-level and requires an empty subproject.
func (r *Resolver) Resolve(project, subproject string, kind workspace.Kind) (string, error) {
	if kind == workspace.KindCentral {
		if subproject != "" {
			return "", fmt.Errorf("%w: kind %q is project-level", workspace.ErrInvalidName, kind)
		}
		base, err := r.Project(project)
		if err != nil {
			return "", err
		}
		return filepath.Join(base, CentralDir), nil
	}
	rel, err := kindDir(kind)
	if err != nil {
		return "", err
	}
	base, err := r.Subproject(project, subproject)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.FromSlash(rel)), nil
}

// SubprojectLayout lists every directory a fresh subproject gets.
func (r *Resolver) SubprojectLayout(project, subproject string) ([]string, error) {
	kinds := []workspace.Kind{
		workspace.KindLinks,
		workspace.KindPDFs,
		workspace.KindWARCs,
		workspace.KindTokens,
		workspace.KindCompressed,
	}
	dirs := make([]string, 0, len(kinds))
	for _, k := range kinds {
		dir, err := r.Resolve(project, subproject, k)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// LinksFile returns links/links.csv.
func (r *Resolver) LinksFile(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindLinks, LinksFileName)
}

// LedgerFile returns tokens/ledger.json.
func (r *Resolver) LedgerFile(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindTokens, LedgerFileName)
}

// HistoryFile returns tokens/history.jsonl.
func (r *Resolver) HistoryFile(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindTokens, HistoryFileName)
}

// TokensCSV returns tokens/tokens.csv.
func (r *Resolver) TokensCSV(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindTokens, TokensCSVFileName)
}

// BundleManifest returns compressed/bundle.json.
func (r *Resolver) BundleManifest(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindCompressed, BundleFileName)
}

// BytesFile returns compressed/bytes.csv.
func (r *Resolver) BytesFile(project, subproject string) (string, error) {
	return r.fileIn(project, subproject, workspace.KindCompressed, BytesFileName)
}

// CentralManifest returns 0_compressed_all/manifest.json.
func (r *Resolver) CentralManifest(project string) (string, error) {
	return r.fileIn(project, "", workspace.KindCentral, CentralFileName)
}

// ArchiveName returns the archive file name for a subproject and kind:
// <project>_<subproject>.zip for PDFs and <project>_<subproject>.warc.gz for WARCs.
func ArchiveName(project, subproject string, kind workspace.Kind) (string, error) {
	switch kind {
	case workspace.KindPDFs:
		return fmt.Sprintf("%s_%s.zip", project, subproject), nil
	case workspace.KindWARCs:
		return fmt.Sprintf("%s_%s.warc.gz", project, subproject), nil
	default:
		return "", fmt.Errorf("kind %q is not archivable", kind)
	}
}

// ArtifactID converts an absolute path under the root into the stable
// root-relative identifier used by the ledger and bundles.
func (r *Resolver) ArtifactID(path string) (string, error) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace root", path)
	}
	return filepath.ToSlash(rel), nil
}

// Extension returns the file extension the registry accepts for a kind.
func Extension(kind workspace.Kind) string {
	switch kind {
	case workspace.KindLinks:
		return ".csv"
	case workspace.KindPDFs:
		return ".pdf"
	case workspace.KindWARCs:
		return ".warc"
	default:
		return ""
	}
}

func (r *Resolver) fileIn(project, subproject string, kind workspace.Kind, name string) (string, error) {
	dir, err := r.Resolve(project, subproject, kind)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func kindDir(kind workspace.Kind) (string, error) {
	switch kind {
	case workspace.KindLinks:
		return LinksDir, nil
	case workspace.KindPDFs:
		return PDFsDir, nil
	case workspace.KindWARCs:
		return WARCsDir, nil
	case workspace.KindTokens:
		return TokensDir, nil
	case workspace.KindCompressed:
		return CompressedDir, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", workspace.ErrInvalidName, kind)
	}
}

// Package compress folds subproject artifacts into local archives and
// collects those archives into the project-central directory.
package compress

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Kind outcomes reported per archive.
const (
	StatusBuilt     = "built"
	StatusUnchanged = "unchanged"
	StatusRemoved   = "removed"
	StatusEmpty     = "empty"
	// StatusWithheld keeps the previous archive because a source could not be read.
	StatusWithheld = "withheld"
)

// Scanner is the registry surface the coordinator needs.
type Scanner interface {
	ListSubprojects(ctx context.Context, project string) ([]string, error)
	ScanSubproject(ctx context.Context, project, subproject string) (workspace.SubprojectSnapshot, []workspace.ScanWarning, error)
}

// RecordSource exposes persisted token records, used to stamp the selector
// each source was counted with.
type RecordSource interface {
	Load(project, subproject string) (map[string]workspace.TokenRecord, error)
}

// FileHasher digests a finished archive.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Options wires the collaborators.
type Options struct {
	Codec workspace.Codec
	// Central receives copies of local archives, keyed by root-relative path.
	Central workspace.BlobStore
	// Mirror optionally receives every newly copied central archive.
	Mirror       workspace.BlobStore
	MirrorPrefix string
	// Kinds are compressed when a caller names none. Defaults to pdfs and warcs.
	Kinds  []workspace.Kind
	Hasher FileHasher
	Clock  workspace.Clock
	Logger *zap.Logger
}

// Coordinator owns the compressed bundles.
type Coordinator struct {
	resolver *paths.Resolver
	scanner  Scanner
	records  RecordSource
	opts     Options
	logger   *zap.Logger
}

// KindResult describes what happened to one archive.
type KindResult struct {
	Kind    workspace.Kind `json:"kind"`
	File    string         `json:"file,omitempty"`
	Status  string         `json:"status"`
	Entries int            `json:"entries"`
	Size    int64          `json:"size"`
}

// SubprojectResult is returned by CompressSubproject.
type SubprojectResult struct {
	Project    string           `json:"project"`
	Subproject string           `json:"subproject"`
	Bundle     workspace.Bundle `json:"bundle"`
	Kinds      []KindResult     `json:"kinds"`
	Rebuilt    int              `json:"rebuilt"`
	Unchanged  int              `json:"unchanged"`
	Removed    int              `json:"removed"`
	Withheld   int              `json:"withheld"`
	Empty      bool             `json:"empty"`
}

// CentralResult is returned by CollectCentral.
type CentralResult struct {
	Project     string                  `json:"project"`
	Bundle      workspace.CentralBundle `json:"bundle"`
	Subprojects []SubprojectResult      `json:"subprojects"`
	Copied      int                     `json:"copied"`
	Unchanged   int                     `json:"unchanged"`
	Removed     int                     `json:"removed"`
	Skipped     []string                `json:"skipped,omitempty"`
	Failures    []workspace.Failure     `json:"failures,omitempty"`
}

// New builds a Coordinator.
func New(resolver *paths.Resolver, scanner Scanner, records RecordSource, opts Options) (*Coordinator, error) {
	if resolver == nil || scanner == nil {
		return nil, fmt.Errorf("resolver and scanner are required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Central == nil {
		return nil, fmt.Errorf("central blob store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{resolver: resolver, scanner: scanner, records: records, opts: opts, logger: logger}, nil
}

// CompressSubproject refreshes the local archives of the requested kinds.
// Unchanged source sets are left alone; changed ones are rebuilt through a
// temp file renamed over the previous archive. Kinds that lost every source
// have their archive removed. A kind with unreadable sources keeps its
// previous archive and the call fails with ErrCompression wrapping
// ErrArtifactUnreadable once the other kinds are done.
func (c *Coordinator) CompressSubproject(
	ctx context.Context,
	project, subproject string,
	kinds []workspace.Kind,
) (SubprojectResult, error) {
	if len(kinds) == 0 {
		kinds = c.defaultKinds()
	}
	result := SubprojectResult{Project: project, Subproject: subproject}

	snap, warnings, err := c.scanner.ScanSubproject(ctx, project, subproject)
	if err != nil {
		return result, err
	}
	if snap.Warnings == nil {
		snap.Warnings = warnings
	}
	records := c.loadRecords(project, subproject)
	bundle := c.loadBundle(project, subproject)
	bundle.Project, bundle.Subproject = project, subproject

	changed := false
	var buildErr, withheldErr error
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			buildErr = err
			break
		}
		kr, kindChanged, err := c.compressKind(ctx, snap, records, &bundle, kind)
		if kr.Status == StatusWithheld {
			result.Kinds = append(result.Kinds, kr)
			result.Withheld++
			withheldErr = errors.Join(withheldErr, err)
			continue
		}
		if err != nil {
			buildErr = err
			break
		}
		changed = changed || kindChanged
		result.Kinds = append(result.Kinds, kr)
		switch kr.Status {
		case StatusBuilt:
			result.Rebuilt++
		case StatusUnchanged:
			result.Unchanged++
		case StatusRemoved:
			result.Removed++
		}
	}

	if changed {
		sort.Slice(bundle.Archives, func(i, j int) bool { return bundle.Archives[i].Kind < bundle.Archives[j].Kind })
		bundle.UpdatedAt = c.opts.Clock.Now()
		if err := c.saveBundle(bundle); err != nil {
			return result, fmt.Errorf("%w: %s/%s: %v", workspace.ErrCompression, project, subproject, err)
		}
	}
	result.Bundle = bundle
	result.Empty = len(bundle.Archives) == 0
	if buildErr != nil {
		if errors.Is(buildErr, context.Canceled) || errors.Is(buildErr, context.DeadlineExceeded) {
			return result, buildErr
		}
		return result, fmt.Errorf("%w: %s/%s: %v", workspace.ErrCompression, project, subproject, buildErr)
	}
	if withheldErr != nil {
		return result, fmt.Errorf("%w: %s/%s: %w", workspace.ErrCompression, project, subproject, withheldErr)
	}
	return result, nil
}

func (c *Coordinator) defaultKinds() []workspace.Kind {
	if len(c.opts.Kinds) > 0 {
		return c.opts.Kinds
	}
	return workspace.ArchivableKinds
}

func (c *Coordinator) compressKind(
	ctx context.Context,
	snap workspace.SubprojectSnapshot,
	records map[string]workspace.TokenRecord,
	bundle *workspace.Bundle,
	kind workspace.Kind,
) (KindResult, bool, error) {
	name, err := paths.ArchiveName(snap.Project, snap.Name, kind)
	if err != nil {
		return KindResult{}, false, err
	}
	dir, err := c.resolver.Resolve(snap.Project, snap.Name, workspace.KindCompressed)
	if err != nil {
		return KindResult{}, false, err
	}
	archivePath := filepath.Join(dir, name)
	artifacts := snap.ByKind(kind)
	existing, had := bundle.Archive(kind)

	if warned := snap.WarningsFor(kind); len(warned) > 0 {
		err := fmt.Errorf("%w: %s: %s", workspace.ErrArtifactUnreadable, warned[0].Path, warned[0].Reason)
		c.logger.Warn("archive withheld", zap.String("archive", archivePath), zap.Int("unreadable", len(warned)), zap.Error(err))
		if had {
			return KindResult{
				Kind: kind, File: name, Status: StatusWithheld, Entries: len(existing.Sources), Size: existing.Size,
			}, false, err
		}
		return KindResult{Kind: kind, Status: StatusWithheld}, false, err
	}

	if len(artifacts) == 0 {
		removedFile := removeIfExists(archivePath)
		if had || removedFile {
			dropArchive(bundle, kind)
			c.logger.Info("archive removed", zap.String("archive", archivePath))
			return KindResult{Kind: kind, File: name, Status: StatusRemoved}, true, nil
		}
		return KindResult{Kind: kind, Status: StatusEmpty}, false, nil
	}

	sources := sourceSet(artifacts, records)
	if had && sameSources(existing.Sources, sources) && c.archiveIntact(archivePath, existing) {
		return KindResult{
			Kind: kind, File: name, Status: StatusUnchanged, Entries: len(sources), Size: existing.Size,
		}, false, nil
	}

	started := time.Now()
	err = local.WriteAtomic(archivePath, func(w io.Writer) error {
		return c.opts.Codec.Compress(ctx, kind, artifacts, w)
	})
	metrics.ObserveArchiveWrite(string(kind), time.Since(started))
	if err != nil {
		return KindResult{}, false, fmt.Errorf("build %s: %w", name, err)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return KindResult{}, false, fmt.Errorf("stat %s: %w", name, err)
	}
	entry := workspace.ArchiveEntry{
		Kind:      kind,
		File:      name,
		Size:      info.Size(),
		Sources:   sources,
		CreatedAt: c.opts.Clock.Now(),
	}
	if c.opts.Hasher != nil {
		if sum, hashErr := c.opts.Hasher.HashFile(archivePath); hashErr == nil {
			entry.SHA256 = sum
		} else {
			c.logger.Warn("archive digest skipped", zap.String("archive", archivePath), zap.Error(hashErr))
		}
	}
	dropArchive(bundle, kind)
	bundle.Archives = append(bundle.Archives, entry)
	c.logger.Info("archive built",
		zap.String("archive", archivePath), zap.Int("entries", len(sources)), zap.Int64("bytes", entry.Size))
	return KindResult{Kind: kind, File: name, Status: StatusBuilt, Entries: len(sources), Size: entry.Size}, true, nil
}

// CollectCentral compresses every subproject and mirrors the resulting local
// archives into 0_compressed_all/. Failed subprojects are skipped and
// reported; their central copies are dropped along with those of vanished or
// empty subprojects. Subprojects failing only on unreadable sources keep
// their withheld central copies.
func (c *Coordinator) CollectCentral(ctx context.Context, project string) (CentralResult, error) {
	result := CentralResult{Project: project}
	subs, err := c.scanner.ListSubprojects(ctx, project)
	if err != nil {
		return result, err
	}
	centralDir, err := c.resolver.Resolve(project, "", workspace.KindCentral)
	if err != nil {
		return result, err
	}
	previous, manifestOK := c.loadCentral(project)
	prevByKey := make(map[string]workspace.CentralEntry, len(previous.Entries))
	for _, e := range previous.Entries {
		prevByKey[centralKey(e.Subproject, e.Kind)] = e
	}

	var entries []workspace.CentralEntry
	var stopErr error
	keep := map[string]struct{}{}
	changed := !manifestOK
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		res, err := c.CompressSubproject(ctx, project, sub, nil)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				stopErr = ctxErr
				break
			}
			c.logger.Error("subproject compression failed",
				zap.String("project", project), zap.String("subproject", sub), zap.Error(err))
			result.Failures = append(result.Failures, workspace.NewFailure(project, sub, "", err))
			// Withheld archives are still the subproject's latest bundle.
			if !errors.Is(err, workspace.ErrArtifactUnreadable) {
				continue
			}
		}
		result.Subprojects = append(result.Subprojects, res)
		for _, kr := range res.Kinds {
			key := centralKey(sub, kr.Kind)
			if prev, ok := prevByKey[key]; ok && kr.Status == StatusWithheld && kr.File == "" {
				keep[key] = struct{}{}
				entries = append(entries, prev)
				result.Unchanged++
			}
		}
		if res.Empty {
			result.Skipped = append(result.Skipped, sub)
			continue
		}
		for _, archive := range res.Bundle.Archives {
			entry, copied, err := c.collectArchive(ctx, project, sub, archive, prevByKey)
			if err != nil {
				c.logger.Error("central copy failed",
					zap.String("subproject", sub), zap.String("archive", archive.File), zap.Error(err))
				result.Failures = append(result.Failures, workspace.NewFailure(project, sub, archive.File, err))
				continue
			}
			keep[centralKey(sub, archive.Kind)] = struct{}{}
			entries = append(entries, entry)
			if copied {
				result.Copied++
				changed = true
			} else {
				result.Unchanged++
			}
		}
	}

	if stopErr != nil {
		// Leave the previous central set in place except for copies already refreshed.
		for key, e := range prevByKey {
			if _, ok := keep[key]; !ok {
				entries = append(entries, e)
				keep[key] = struct{}{}
			}
		}
	}
	for key, e := range prevByKey {
		if _, ok := keep[key]; ok {
			continue
		}
		removeIfExists(filepath.Join(centralDir, e.File))
		result.Removed++
		changed = true
		c.logger.Info("central archive removed", zap.String("project", project), zap.String("file", e.File))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Subproject != entries[j].Subproject {
			return entries[i].Subproject < entries[j].Subproject
		}
		return entries[i].Kind < entries[j].Kind
	})
	bundle := workspace.CentralBundle{Project: project, Entries: entries, UpdatedAt: previous.UpdatedAt}
	if bundle.Entries == nil {
		bundle.Entries = []workspace.CentralEntry{}
	}
	if changed {
		bundle.UpdatedAt = c.opts.Clock.Now()
		manifest, err := c.resolver.CentralManifest(project)
		if err != nil {
			return result, err
		}
		if err := local.WriteJSON(manifest, bundle); err != nil {
			return result, fmt.Errorf("save central manifest: %w", err)
		}
	}
	result.Bundle = bundle
	if stopErr != nil {
		return result, fmt.Errorf("collect central %s: %w", project, stopErr)
	}
	return result, nil
}

// ForgetSubproject drops the central copies of one subproject and rewrites the
// manifest. It returns how many entries were removed.
func (c *Coordinator) ForgetSubproject(project, subproject string) (int, error) {
	central, ok := c.loadCentral(project)
	if !ok {
		return 0, nil
	}
	centralDir, err := c.resolver.Resolve(project, "", workspace.KindCentral)
	if err != nil {
		return 0, err
	}
	kept := make([]workspace.CentralEntry, 0, len(central.Entries))
	removed := 0
	for _, e := range central.Entries {
		if e.Subproject != subproject {
			kept = append(kept, e)
			continue
		}
		removeIfExists(filepath.Join(centralDir, e.File))
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	central.Entries = kept
	central.UpdatedAt = c.opts.Clock.Now()
	manifest, err := c.resolver.CentralManifest(project)
	if err != nil {
		return removed, err
	}
	if err := local.WriteJSON(manifest, central); err != nil {
		return removed, fmt.Errorf("save central manifest: %w", err)
	}
	c.logger.Info("central entries forgotten",
		zap.String("project", project), zap.String("subproject", subproject), zap.Int("removed", removed))
	return removed, nil
}

func (c *Coordinator) collectArchive(
	ctx context.Context,
	project, subproject string,
	archive workspace.ArchiveEntry,
	previous map[string]workspace.CentralEntry,
) (workspace.CentralEntry, bool, error) {
	dir, err := c.resolver.Resolve(project, subproject, workspace.KindCompressed)
	if err != nil {
		return workspace.CentralEntry{}, false, err
	}
	localPath := filepath.Join(dir, archive.File)
	info, err := os.Stat(localPath)
	if err != nil {
		return workspace.CentralEntry{}, false, fmt.Errorf("%w: local archive %s: %v", workspace.ErrCompression, archive.File, err)
	}
	fingerprint := workspace.Fingerprint(info.Size(), info.ModTime())
	centralRel := path.Join(project, paths.CentralDir, archive.File)
	centralPath := filepath.Join(c.resolver.Root(), filepath.FromSlash(centralRel))

	if prev, ok := previous[centralKey(subproject, archive.Kind)]; ok &&
		prev.SourceFingerprint == fingerprint && prev.SHA256 == archive.SHA256 &&
		prev.File == archive.File && sizeIs(centralPath, info.Size()) {
		return prev, false, nil
	}

	contentType := "application/zip"
	if archive.Kind == workspace.KindWARCs {
		contentType = "application/gzip"
	}
	if err := c.put(ctx, c.opts.Central, centralRel, contentType, localPath); err != nil {
		return workspace.CentralEntry{}, false, fmt.Errorf("copy %s: %w", archive.File, err)
	}
	entry := workspace.CentralEntry{
		Subproject:        subproject,
		Kind:              archive.Kind,
		File:              archive.File,
		Size:              info.Size(),
		SourceFingerprint: fingerprint,
		SHA256:            archive.SHA256,
		CopiedAt:          c.opts.Clock.Now(),
	}
	if c.opts.Mirror != nil {
		remote := path.Join(c.opts.MirrorPrefix, project, archive.File)
		uri, err := c.putURI(ctx, c.opts.Mirror, remote, contentType, localPath)
		if err != nil {
			c.logger.Warn("mirror upload failed", zap.String("object", remote), zap.Error(err))
		} else {
			entry.RemoteURI = uri
		}
	}
	return entry, true, nil
}

func (c *Coordinator) put(ctx context.Context, store workspace.BlobStore, key, contentType, src string) error {
	_, err := c.putURI(ctx, store, key, contentType, src)
	return err
}

func (c *Coordinator) putURI(ctx context.Context, store workspace.BlobStore, key, contentType, src string) (string, error) {
	f, err := os.Open(src) // #nosec G304 -- resolver path.
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return store.PutObject(ctx, key, contentType, f)
}

func (c *Coordinator) loadRecords(project, subproject string) map[string]workspace.TokenRecord {
	if c.records == nil {
		return nil
	}
	records, err := c.records.Load(project, subproject)
	if err != nil {
		c.logger.Warn("token records unavailable for bundle metadata", zap.Error(err))
		return nil
	}
	return records
}

// LoadBundle returns the persisted subproject bundle, or an empty one.
func (c *Coordinator) LoadBundle(project, subproject string) workspace.Bundle {
	return c.loadBundle(project, subproject)
}

func (c *Coordinator) loadBundle(project, subproject string) workspace.Bundle {
	var b workspace.Bundle
	p, err := c.resolver.BundleManifest(project, subproject)
	if err != nil {
		return b
	}
	data, err := os.ReadFile(p) // #nosec G304 -- resolver path.
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("bundle manifest unreadable", zap.String("path", p), zap.Error(err))
		}
		return b
	}
	if err := json.Unmarshal(data, &b); err != nil {
		c.logger.Warn("bundle manifest corrupt, rebuilding", zap.String("path", p), zap.Error(err))
		return workspace.Bundle{}
	}
	return b
}

// LoadCentral returns the persisted central manifest, or an empty one.
func (c *Coordinator) LoadCentral(project string) workspace.CentralBundle {
	b, _ := c.loadCentral(project)
	return b
}

func (c *Coordinator) loadCentral(project string) (workspace.CentralBundle, bool) {
	b := workspace.CentralBundle{Project: project}
	p, err := c.resolver.CentralManifest(project)
	if err != nil {
		return b, false
	}
	data, err := os.ReadFile(p) // #nosec G304 -- resolver path.
	if err != nil {
		return b, false
	}
	if err := json.Unmarshal(data, &b); err != nil {
		c.logger.Warn("central manifest corrupt, recollecting", zap.String("path", p), zap.Error(err))
		return workspace.CentralBundle{Project: project}, false
	}
	return b, true
}

func (c *Coordinator) saveBundle(b workspace.Bundle) error {
	manifest, err := c.resolver.BundleManifest(b.Project, b.Subproject)
	if err != nil {
		return err
	}
	if err := local.WriteJSON(manifest, b); err != nil {
		return err
	}
	bytesPath, err := c.resolver.BytesFile(b.Project, b.Subproject)
	if err != nil {
		return err
	}
	return local.WriteAtomic(bytesPath, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"file", "byte_count"})
		var total int64
		for _, a := range b.Archives {
			for _, s := range a.Sources {
				_ = cw.Write([]string{path.Base(s.ID), strconv.FormatInt(s.Size, 10)})
				total += s.Size
			}
		}
		_ = cw.Write([]string{"TOTAL", strconv.FormatInt(total, 10)})
		cw.Flush()
		return cw.Error()
	})
}

func sourceSet(artifacts []workspace.Artifact, records map[string]workspace.TokenRecord) []workspace.SourceEntry {
	out := make([]workspace.SourceEntry, 0, len(artifacts))
	for _, a := range artifacts {
		entry := workspace.SourceEntry{ID: a.ID, Fingerprint: a.Fingerprint, Size: a.Size}
		if rec, ok := records[a.ID]; ok && rec.Fingerprint == a.Fingerprint {
			entry.Selector = rec.Selector
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameSources(a, b []workspace.SourceEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// archiveIntact reports whether the archive on disk is still the one the
// bundle describes: same size, same digest when recorded, and one entry per
// source in order.
func (c *Coordinator) archiveIntact(p string, entry workspace.ArchiveEntry) bool {
	if !sizeIs(p, entry.Size) {
		return false
	}
	if entry.SHA256 != "" && c.opts.Hasher != nil {
		sum, err := c.opts.Hasher.HashFile(p)
		if err != nil || sum != entry.SHA256 {
			return false
		}
	}
	names, err := c.opts.Codec.List(p)
	if err != nil || len(names) != len(entry.Sources) {
		return false
	}
	for i, s := range entry.Sources {
		if names[i] != path.Base(s.ID) {
			return false
		}
	}
	return true
}

func sizeIs(p string, size int64) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular() && info.Size() == size
}

func removeIfExists(p string) bool {
	err := os.Remove(p)
	return err == nil
}

func dropArchive(b *workspace.Bundle, kind workspace.Kind) {
	kept := b.Archives[:0]
	for _, a := range b.Archives {
		if a.Kind != kind {
			kept = append(kept, a)
		}
	}
	b.Archives = kept
}

func centralKey(subproject string, kind workspace.Kind) string {
	return subproject + "\x00" + string(kind)
}

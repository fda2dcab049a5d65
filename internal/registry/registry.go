// Package registry scans the output tree and produces deterministic snapshots
// of the artifacts each project and subproject holds. It never writes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Registry walks the Path-Resolver-derived tree.
type Registry struct {
	resolver *paths.Resolver
	logger   *zap.Logger
}

// New builds a Registry.
func New(resolver *paths.Resolver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{resolver: resolver, logger: logger}
}

// ListProjects returns project names under the root, sorted. Entries that do
// not satisfy the naming policy are ignored.
func (r *Registry) ListProjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	entries, err := os.ReadDir(r.resolver.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: read root %s: %v", workspace.ErrWorkspaceUnavailable, r.resolver.Root(), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || paths.ValidateProjectName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListSubprojects returns subproject names under a project, sorted. The
// central archive directory and legacy "*compressed*" folders are skipped.
func (r *Registry) ListSubprojects(ctx context.Context, project string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list subprojects: %w", err)
	}
	dir, err := r.resolver.Project(project)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("project %q: %w", project, workspace.ErrNotFound)
		}
		return nil, fmt.Errorf("read project %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || paths.ValidateSubprojectName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Scan produces the snapshot of one project. Missing kind directories are
// empty; unreadable or vanished files become warnings.
func (r *Registry) Scan(ctx context.Context, project string) (workspace.ProjectSnapshot, error) {
	subs, err := r.ListSubprojects(ctx, project)
	if err != nil {
		return workspace.ProjectSnapshot{}, err
	}
	snap := workspace.ProjectSnapshot{
		Project:     project,
		Subprojects: make([]workspace.SubprojectSnapshot, 0, len(subs)),
	}
	for _, sub := range subs {
		subSnap, warnings, err := r.scanSubproject(ctx, project, sub)
		if err != nil {
			return workspace.ProjectSnapshot{}, err
		}
		snap.Subprojects = append(snap.Subprojects, subSnap)
		snap.Warnings = append(snap.Warnings, warnings...)
	}
	sort.Slice(snap.Warnings, func(i, j int) bool { return snap.Warnings[i].Path < snap.Warnings[j].Path })
	return snap, nil
}

// ScanSubproject produces the snapshot of one subproject.
func (r *Registry) ScanSubproject(
	ctx context.Context,
	project, subproject string,
) (workspace.SubprojectSnapshot, []workspace.ScanWarning, error) {
	dir, err := r.resolver.Subproject(project, subproject)
	if err != nil {
		return workspace.SubprojectSnapshot{}, nil, err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return workspace.SubprojectSnapshot{}, nil, fmt.Errorf(
			"subproject %s/%s: %w", project, subproject, workspace.ErrNotFound,
		)
	}
	return r.scanSubproject(ctx, project, subproject)
}

func (r *Registry) scanSubproject(
	ctx context.Context,
	project, subproject string,
) (workspace.SubprojectSnapshot, []workspace.ScanWarning, error) {
	snap := workspace.SubprojectSnapshot{
		Project:   project,
		Name:      subproject,
		Artifacts: []workspace.Artifact{},
	}
	var warnings []workspace.ScanWarning
	for _, kind := range workspace.ScannedKinds {
		if err := ctx.Err(); err != nil {
			return workspace.SubprojectSnapshot{}, nil, fmt.Errorf("scan %s/%s: %w", project, subproject, err)
		}
		dir, err := r.resolver.Resolve(project, subproject, kind)
		if err != nil {
			return workspace.SubprojectSnapshot{}, nil, err
		}
		artifacts, kindWarnings := r.scanKind(project, subproject, kind, dir)
		snap.Artifacts = append(snap.Artifacts, artifacts...)
		warnings = append(warnings, kindWarnings...)
	}
	sort.Slice(snap.Artifacts, func(i, j int) bool { return snap.Artifacts[i].ID < snap.Artifacts[j].ID })
	snap.Warnings = warnings
	snap.LinksCount = len(snap.ByKind(workspace.KindLinks))
	return snap, warnings, nil
}

func (r *Registry) scanKind(
	project, subproject string,
	kind workspace.Kind,
	dir string,
) ([]workspace.Artifact, []workspace.ScanWarning) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		r.logger.Warn("kind directory unreadable", zap.String("dir", dir), zap.Error(err))
		return nil, []workspace.ScanWarning{{Path: r.relative(dir), Kind: kind, Reason: err.Error()}}
	}
	ext := paths.Extension(kind)
	var (
		artifacts []workspace.Artifact
		warnings  []workspace.ScanWarning
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		full := filepath.Join(dir, name)
		a, err := r.describe(project, subproject, kind, full)
		if err != nil {
			r.logger.Warn("skipping artifact", zap.String("path", full), zap.Error(err))
			warnings = append(warnings, workspace.ScanWarning{Path: r.relative(full), Kind: kind, Reason: err.Error()})
			continue
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, warnings
}

func (r *Registry) describe(project, subproject string, kind workspace.Kind, full string) (workspace.Artifact, error) {
	// Stat races with external writers; a vanished file is skipped.
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return workspace.Artifact{}, fmt.Errorf("vanished during scan: %w", workspace.ErrArtifactUnreadable)
		}
		return workspace.Artifact{}, fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return workspace.Artifact{}, fmt.Errorf("%w: not a regular file", workspace.ErrArtifactUnreadable)
	}
	f, err := os.Open(full) // #nosec G304 -- path built by the resolver.
	if err != nil {
		return workspace.Artifact{}, fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err)
	}
	_ = f.Close()
	id, err := r.resolver.ArtifactID(full)
	if err != nil {
		return workspace.Artifact{}, err
	}
	return workspace.Artifact{
		ID:          id,
		Project:     project,
		Subproject:  subproject,
		Kind:        kind,
		Name:        info.Name(),
		Path:        full,
		Size:        info.Size(),
		ModTime:     info.ModTime().UTC(),
		Fingerprint: workspace.Fingerprint(info.Size(), info.ModTime()),
	}, nil
}

func (r *Registry) relative(full string) string {
	if id, err := r.resolver.ArtifactID(full); err == nil {
		return id
	}
	return full
}

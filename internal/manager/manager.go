// Package manager is the facade over the workspace engine. It owns project
// and subproject lifecycle and runs the bulk operations (token recalculation,
// compression) across every project, isolating per-item failures, emitting
// progress events and publishing collection notices.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/ledger"
	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/registry"
	"github.com/JakeFAU/scrape-workspace/internal/telemetry"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// EventProjectCollected is the notification published after a project's
// central collection.
const EventProjectCollected = "project.collected"

// RunIDs produces run identifiers.
type RunIDs interface {
	NewRawID() (uuid.UUID, error)
}

// Options wires the Manager. Resolver, Registry, Ledger, Coordinator, IDs and
// Clock are required.
type Options struct {
	Resolver    *paths.Resolver
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Coordinator *compress.Coordinator
	// Publisher receives one notice per collected project. Optional.
	Publisher workspace.Publisher
	IDs       RunIDs
	Clock     workspace.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
	// DefaultSelector applies when a recalculation names no selector.
	DefaultSelector string
}

// Manager coordinates the engine components.
type Manager struct {
	resolver    *paths.Resolver
	registry    *registry.Registry
	ledger      *ledger.Ledger
	coordinator *compress.Coordinator
	publisher   workspace.Publisher
	ids         RunIDs
	clock       workspace.Clock
	emitter     progress.Emitter
	logger      *zap.Logger
	selector    string
	tracer      trace.Tracer
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("resolver is required")
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Ledger == nil:
		return nil, errors.New("ledger is required")
	case opts.Coordinator == nil:
		return nil, errors.New("coordinator is required")
	case opts.IDs == nil:
		return nil, errors.New("run id generator is required")
	case opts.Clock == nil:
		return nil, errors.New("clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = progress.Discard
	}
	return &Manager{
		resolver:    opts.Resolver,
		registry:    opts.Registry,
		ledger:      opts.Ledger,
		coordinator: opts.Coordinator,
		publisher:   opts.Publisher,
		ids:         opts.IDs,
		clock:       opts.Clock,
		emitter:     emitter,
		logger:      logger,
		selector:    opts.DefaultSelector,
		tracer:      telemetry.Tracer(),
	}, nil
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.resolver.Root()
}

// CreateProject creates output/<name>/ with its central archive directory.
// The workspace root is created on first use.
func (m *Manager) CreateProject(ctx context.Context, name string) error {
	dir, err := m.resolver.Project(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.resolver.Root(), 0o750); err != nil {
		return fmt.Errorf("%w: create root: %v", workspace.ErrWorkspaceUnavailable, err)
	}
	if err := ensureAbsent(m.resolver.Root(), name); err != nil {
		return fmt.Errorf("project %q: %w", name, err)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("project %q: %w", name, workspace.ErrAlreadyExists)
		}
		return fmt.Errorf("create project %q: %w", name, err)
	}
	central, err := m.resolver.Resolve(name, "", workspace.KindCentral)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(central, 0o750); err != nil {
		return fmt.Errorf("create central dir: %w", err)
	}
	m.logger.Info("project created", zap.String("project", name))
	return nil
}

// DeleteProject removes a project and everything beneath it.
func (m *Manager) DeleteProject(ctx context.Context, name string) error {
	dir, err := m.resolver.Project(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := requireDir(dir); err != nil {
		return fmt.Errorf("project %q: %w", name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete project %q: %w", name, err)
	}
	m.logger.Info("project deleted", zap.String("project", name))
	return nil
}

// CreateSubproject creates a subproject with the standard folder layout.
func (m *Manager) CreateSubproject(ctx context.Context, project, name string) error {
	dir, err := m.resolver.Subproject(project, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	projectDir, err := m.resolver.Project(project)
	if err != nil {
		return err
	}
	if err := requireDir(projectDir); err != nil {
		return fmt.Errorf("project %q: %w", project, err)
	}
	if err := ensureAbsent(projectDir, name); err != nil {
		return fmt.Errorf("subproject %s/%s: %w", project, name, err)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("subproject %s/%s: %w", project, name, workspace.ErrAlreadyExists)
		}
		return fmt.Errorf("create subproject %s/%s: %w", project, name, err)
	}
	layout, err := m.resolver.SubprojectLayout(project, name)
	if err != nil {
		return err
	}
	for _, d := range layout {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	m.logger.Info("subproject created", zap.String("project", project), zap.String("subproject", name))
	return nil
}

// DeleteSubproject removes a subproject and drops its central copies.
func (m *Manager) DeleteSubproject(ctx context.Context, project, name string) error {
	dir, err := m.resolver.Subproject(project, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := requireDir(dir); err != nil {
		return fmt.Errorf("subproject %s/%s: %w", project, name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete subproject %s/%s: %w", project, name, err)
	}
	if _, err := m.coordinator.ForgetSubproject(project, name); err != nil {
		m.logger.Warn("central entries not dropped; next collection removes them",
			zap.String("project", project), zap.String("subproject", name), zap.Error(err))
	}
	m.logger.Info("subproject deleted", zap.String("project", project), zap.String("subproject", name))
	return nil
}

// Tree is the registry view of the whole workspace.
type Tree struct {
	Root     string                      `json:"root"`
	Projects []workspace.ProjectSnapshot `json:"projects"`
}

// ListTree scans every project.
func (m *Manager) ListTree(ctx context.Context) (Tree, error) {
	projects, err := m.registry.ListProjects(ctx)
	if err != nil {
		return Tree{}, err
	}
	tree := Tree{Root: m.resolver.Root(), Projects: make([]workspace.ProjectSnapshot, 0, len(projects))}
	for _, p := range projects {
		snap, err := m.registry.Scan(ctx, p)
		if err != nil {
			return Tree{}, err
		}
		tree.Projects = append(tree.Projects, snap)
	}
	return tree, nil
}

// Project returns the snapshot of one project.
func (m *Manager) Project(ctx context.Context, name string) (workspace.ProjectSnapshot, error) {
	dir, err := m.resolver.Project(name)
	if err != nil {
		return workspace.ProjectSnapshot{}, err
	}
	if err := requireDir(dir); err != nil {
		return workspace.ProjectSnapshot{}, fmt.Errorf("project %q: %w", name, err)
	}
	return m.registry.Scan(ctx, name)
}

// runState ties a bulk operation to its progress run, span and metrics.
type runState struct {
	run  *progress.Run
	span trace.Span
	ctx  context.Context
}

func (m *Manager) startRun(ctx context.Context, op progress.Operation, note string) (*runState, error) {
	id, err := m.ids.NewRawID()
	if err != nil {
		return nil, err
	}
	spanCtx, span := m.tracer.Start(ctx, "manager."+string(op),
		trace.WithAttributes(attribute.String("run_id", id.String())))
	run := progress.NewRun(id, op, m.emitter, m.clock.Now)
	run.Start(note)
	metrics.IncActiveOperations()
	m.logger.Info("run started", zap.String("run_id", id.String()), zap.String("operation", string(op)))
	return &runState{run: run, span: span, ctx: spanCtx}, nil
}

func (m *Manager) finishRun(rs *runState, items int64, failures []workspace.Failure, err error) {
	defer metrics.DecActiveOperations()
	defer rs.span.End()
	status := "success"
	switch {
	case err != nil:
		status = "error"
		rs.run.Fail(err)
		rs.span.RecordError(err)
		rs.span.SetStatus(codes.Error, err.Error())
	case len(failures) > 0:
		status = "partial"
		rs.run.Finish(items, len(failures), fmt.Sprintf("%d failures", len(failures)))
	default:
		rs.run.Finish(items, 0, "")
	}
	rs.span.SetAttributes(attribute.Int64("items", items), attribute.Int("failures", len(failures)))
	metrics.ObserveOperation(string(rs.run.Operation), status)
	m.logger.Info("run finished",
		zap.String("run_id", rs.run.ID.String()),
		zap.String("operation", string(rs.run.Operation)),
		zap.String("status", status),
		zap.Int64("items", items),
		zap.Int("failures", len(failures)),
		zap.Duration("elapsed", rs.run.Elapsed()),
	)
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// ensureAbsent rejects name when parent already lists an entry with exactly
// that name.
func ensureAbsent(parent, name string) error {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", workspace.ErrWorkspaceUnavailable, parent, err)
	}
	for _, e := range entries {
		if e.Name() == name {
			return workspace.ErrAlreadyExists
		}
	}
	return nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return workspace.ErrNotFound
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return workspace.ErrNotFound
	}
	return nil
}

package manager

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/ledger"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// Scope narrows a bulk operation. Empty fields mean all.
type Scope struct {
	Project    string `json:"project,omitempty"`
	Subproject string `json:"subproject,omitempty"`
}

// TokenReport summarizes a recalculation run.
type TokenReport struct {
	RunID       string                  `json:"run_id"`
	Selector    string                  `json:"selector,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
	Projects    int                     `json:"projects"`
	Subprojects int                     `json:"subprojects"`
	Recomputed  int                     `json:"recomputed"`
	Reused      int                     `json:"reused"`
	Refreshed   int                     `json:"refreshed"`
	Pruned      int                     `json:"pruned"`
	TotalTokens int                     `json:"total_tokens"`
	Reports     []ledger.Report         `json:"reports"`
	Failures    []workspace.Failure     `json:"failures,omitempty"`
	Warnings    []workspace.ScanWarning `json:"warnings,omitempty"`
}

// RecalculateAllTokens brings every ledger in the workspace up to date.
func (m *Manager) RecalculateAllTokens(ctx context.Context, selector string) (TokenReport, error) {
	return m.RecalculateTokens(ctx, Scope{}, selector)
}

// RecalculateTokens brings the ledgers in scope up to date. Only artifacts
// whose fingerprint or effective selector changed are recounted. Failures are
// isolated per artifact and per subproject; only an unreadable workspace root
// or cancellation aborts the run, and the partial report is still returned.
func (m *Manager) RecalculateTokens(ctx context.Context, scope Scope, selector string) (TokenReport, error) {
	if selector == "" {
		selector = m.selector
	}
	rs, err := m.startRun(ctx, progress.OpRecalculate, "selector="+selector)
	if err != nil {
		return TokenReport{}, err
	}
	ctx = rs.ctx
	report := TokenReport{RunID: rs.run.ID.String(), Selector: selector, StartedAt: rs.run.Started}

	err = m.recalculate(ctx, rs.run, scope, selector, &report)
	report.FinishedAt = m.now()
	m.finishRun(rs, int64(report.Recomputed), report.Failures, err)
	return report, err
}

func (m *Manager) recalculate(
	ctx context.Context,
	run *progress.Run,
	scope Scope,
	selector string,
	report *TokenReport,
) error {
	projects, err := m.projectsIn(ctx, scope)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		subs, err := m.subprojectsIn(ctx, project, scope)
		if err != nil {
			if isFatal(err) {
				return err
			}
			m.failSubproject(run, &report.Failures, project, scope.Subproject, err)
			continue
		}
		report.Projects++
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap, warnings, err := m.registry.ScanSubproject(ctx, project, sub)
			if err != nil {
				if isFatal(err) {
					return err
				}
				m.failSubproject(run, &report.Failures, project, sub, err)
				continue
			}
			report.Warnings = append(report.Warnings, warnings...)
			lr, err := m.ledger.EnsureCurrent(ctx, snap, selector)
			m.absorbLedger(run, report, lr)
			if err != nil {
				if isFatal(err) {
					return err
				}
				m.failSubproject(run, &report.Failures, project, sub, err)
				continue
			}
			report.Subprojects++
		}
	}
	return nil
}

func (m *Manager) absorbLedger(run *progress.Run, report *TokenReport, lr ledger.Report) {
	report.Reports = append(report.Reports, lr)
	report.Recomputed += lr.Recomputed
	report.Reused += lr.Reused
	report.Refreshed += lr.Refreshed
	report.Pruned += lr.Pruned
	report.TotalTokens += lr.TotalTokens
	report.Failures = append(report.Failures, lr.Failures...)

	for _, id := range sortedRecordIDs(lr.Records) {
		rec := lr.Records[id]
		if rec.ComputedAt.Before(run.Started) {
			continue
		}
		run.Emit(progress.Event{
			Stage:      progress.StageArtifactCounted,
			Project:    lr.Project,
			Subproject: lr.Subproject,
			Item:       rec.ArtifactID,
			Tokens:     int64(rec.Count),
		})
	}
	for _, f := range lr.Failures {
		run.Emit(progress.Event{
			Stage:      progress.StageArtifactFailed,
			Project:    f.Project,
			Subproject: f.Subproject,
			Item:       f.Item,
			Note:       f.Reason,
		})
	}
}

func (m *Manager) failSubproject(run *progress.Run, failures *[]workspace.Failure, project, sub string, err error) {
	f := workspace.NewFailure(project, sub, "", err)
	*failures = append(*failures, f)
	m.logger.Warn("subproject skipped", zap.String("project", project), zap.String("subproject", sub), zap.Error(err))
	if sub == "" {
		// project-level failures have no subproject to attach to
		run.Emit(progress.Event{Stage: progress.StageArtifactFailed, Project: project, Item: project, Note: f.Reason})
		return
	}
	run.Emit(progress.Event{
		Stage:      progress.StageSubprojectFailed,
		Project:    project,
		Subproject: sub,
		Note:       f.Reason,
	})
}

// projectsIn lists the projects a scope covers.
func (m *Manager) projectsIn(ctx context.Context, scope Scope) ([]string, error) {
	if scope.Project == "" {
		return m.registry.ListProjects(ctx)
	}
	dir, err := m.resolver.Project(scope.Project)
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	return []string{scope.Project}, nil
}

func (m *Manager) subprojectsIn(ctx context.Context, project string, scope Scope) ([]string, error) {
	if scope.Subproject == "" {
		return m.registry.ListSubprojects(ctx, project)
	}
	dir, err := m.resolver.Subproject(project, scope.Subproject)
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	return []string{scope.Subproject}, nil
}

// isFatal reports errors that abort a bulk run instead of being isolated.
func isFatal(err error) bool {
	return errors.Is(err, workspace.ErrWorkspaceUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

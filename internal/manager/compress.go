package manager

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// CompressReport summarizes a CompressAll run.
type CompressReport struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Projects   []compress.CentralResult `json:"projects"`
	Rebuilt    int                      `json:"rebuilt"`
	Copied     int                      `json:"copied"`
	Unchanged  int                      `json:"unchanged"`
	Removed    int                      `json:"removed"`
	Notified   int                      `json:"notified"`
	Failures   []workspace.Failure      `json:"failures,omitempty"`
}

// CollectedNotice is the payload published after a project's collection.
type CollectedNotice struct {
	RunID       string    `json:"run_id"`
	Project     string    `json:"project"`
	Archives    int       `json:"archives"`
	Bytes       int64     `json:"bytes"`
	Copied      int       `json:"copied"`
	Removed     int       `json:"removed"`
	Failures    int       `json:"failures"`
	CollectedAt time.Time `json:"collected_at"`
}

// CompressAll refreshes every subproject's local bundle and collects each
// project's central set. A failing subproject is recorded and skipped; the
// remaining subprojects and projects still complete.
func (m *Manager) CompressAll(ctx context.Context) (CompressReport, error) {
	rs, err := m.startRun(ctx, progress.OpCompress, "all projects")
	if err != nil {
		return CompressReport{}, err
	}
	ctx = rs.ctx
	report := CompressReport{RunID: rs.run.ID.String(), StartedAt: rs.run.Started}

	err = m.compressAll(ctx, rs.run, &report)
	report.FinishedAt = m.now()
	m.finishRun(rs, int64(report.Rebuilt+report.Copied), report.Failures, err)
	return report, err
}

func (m *Manager) compressAll(ctx context.Context, run *progress.Run, report *CompressReport) error {
	projects, err := m.registry.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := m.collect(ctx, run, project)
		report.Projects = append(report.Projects, res)
		report.Copied += res.Copied
		report.Unchanged += res.Unchanged
		report.Removed += res.Removed
		for _, sub := range res.Subprojects {
			report.Rebuilt += sub.Rebuilt
		}
		report.Failures = append(report.Failures, res.Failures...)
		if err != nil {
			if isFatal(err) {
				return err
			}
			m.failSubproject(run, &report.Failures, project, "", err)
			continue
		}
		if m.notify(ctx, run, res) {
			report.Notified++
		}
	}
	return nil
}

// CompressSubproject refreshes one subproject's local bundle.
func (m *Manager) CompressSubproject(
	ctx context.Context,
	project, subproject string,
	kinds []workspace.Kind,
) (compress.SubprojectResult, error) {
	rs, err := m.startRun(ctx, progress.OpCompress, project+"/"+subproject)
	if err != nil {
		return compress.SubprojectResult{}, err
	}
	res, err := m.coordinator.CompressSubproject(rs.ctx, project, subproject, kinds)
	if err == nil {
		m.emitBundle(rs.run, res)
	}
	m.finishRun(rs, int64(res.Rebuilt), nil, err)
	return res, err
}

// CollectCentral compresses every subproject of one project and refreshes
// its central set.
func (m *Manager) CollectCentral(ctx context.Context, project string) (compress.CentralResult, error) {
	rs, err := m.startRun(ctx, progress.OpCompress, project)
	if err != nil {
		return compress.CentralResult{}, err
	}
	res, err := m.collect(rs.ctx, rs.run, project)
	if err == nil {
		m.notify(rs.ctx, rs.run, res)
	}
	m.finishRun(rs, int64(res.Copied), res.Failures, err)
	return res, err
}

func (m *Manager) collect(ctx context.Context, run *progress.Run, project string) (compress.CentralResult, error) {
	res, err := m.coordinator.CollectCentral(ctx, project)
	for _, sub := range res.Subprojects {
		m.emitBundle(run, sub)
	}
	for _, f := range res.Failures {
		run.Emit(progress.Event{
			Stage:      progress.StageSubprojectFailed,
			Project:    f.Project,
			Subproject: f.Subproject,
			Item:       f.Item,
			Note:       f.Reason,
		})
	}
	if err != nil {
		return res, err
	}
	var size int64
	for _, e := range res.Bundle.Entries {
		size += e.Size
	}
	run.Emit(progress.Event{
		Stage:   progress.StageCentralCollected,
		Project: project,
		Items:   int64(len(res.Bundle.Entries)),
		Bytes:   size,
		Note:    emptyNote(res),
	})
	return res, nil
}

func (m *Manager) emitBundle(run *progress.Run, res compress.SubprojectResult) {
	if res.Rebuilt == 0 {
		return
	}
	var sources, size int64
	for _, kr := range res.Kinds {
		if kr.Status != compress.StatusBuilt {
			continue
		}
		sources += int64(kr.Entries)
		size += kr.Size
	}
	run.Emit(progress.Event{
		Stage:      progress.StageBundleBuilt,
		Project:    res.Project,
		Subproject: res.Subproject,
		Items:      sources,
		Bytes:      size,
	})
}

// notify publishes the collection notice. Publish errors are logged, never
// fatal: the archives are already in place.
func (m *Manager) notify(ctx context.Context, run *progress.Run, res compress.CentralResult) bool {
	if m.publisher == nil {
		return false
	}
	notice := CollectedNotice{
		RunID:       run.ID.String(),
		Project:     res.Project,
		Archives:    len(res.Bundle.Entries),
		Copied:      res.Copied,
		Removed:     res.Removed,
		Failures:    len(res.Failures),
		CollectedAt: m.now(),
	}
	for _, e := range res.Bundle.Entries {
		notice.Bytes += e.Size
	}
	id, err := m.publisher.Publish(ctx, EventProjectCollected, notice)
	if err != nil {
		m.logger.Warn("collection notice not published", zap.String("project", res.Project), zap.Error(err))
		return false
	}
	m.logger.Debug("collection notice published", zap.String("project", res.Project), zap.String("message_id", id))
	return true
}

func emptyNote(res compress.CentralResult) string {
	if len(res.Skipped) == 0 {
		return ""
	}
	skipped := append([]string(nil), res.Skipped...)
	sort.Strings(skipped)
	return "empty: " + strings.Join(skipped, ",")
}

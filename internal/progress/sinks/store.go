package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/progress"
	"github.com/JakeFAU/scrape-workspace/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Item-level events
// are collapsed into one totals update per run and batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events and aggregated totals to the
// repository. Totals of a run are flushed before its completion is recorded.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*totalsDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, string(evt.Operation), evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunPartial, progress.StageRunError:
			if err := s.flush(ctx, runID, pending[runID]); err != nil {
				return err
			}
			delete(pending, runID)
			if err := s.finish(ctx, runID, evt); err != nil {
				return err
			}
		default:
			d := pending[runID]
			if d == nil {
				d = &totalsDelta{}
				pending[runID] = d
				order = append(order, runID)
			}
			d.add(evt)
		}
	}

	for _, runID := range order {
		d, ok := pending[runID]
		if !ok {
			continue
		}
		if err := s.flush(ctx, runID, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, runID uuid.UUID, d *totalsDelta) error {
	if d == nil || d.totals.IsZero() {
		return nil
	}
	if err := s.repo.AddRunTotals(ctx, runID, d.totals, d.at); err != nil {
		return fmt.Errorf("add run totals: %w", err)
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageRunPartial:
		status = store.RunPartial
	case progress.StageRunError:
		status = store.RunError
	}
	var note *string
	if evt.Note != "" {
		n := evt.Note
		note = &n
	}
	if err := s.repo.FinishRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type totalsDelta struct {
	totals store.RunTotals
	at     time.Time
}

func (d *totalsDelta) add(evt progress.Event) {
	switch evt.Stage {
	case progress.StageArtifactCounted:
		d.totals.Items++
		d.totals.Tokens += evt.Tokens
	case progress.StageBundleBuilt:
		d.totals.Items += evt.Items
		d.totals.Bytes += evt.Bytes
	case progress.StageItemScraped:
		d.totals.Items++
		d.totals.Bytes += evt.Bytes
	case progress.StageArtifactFailed, progress.StageSubprojectFailed:
		d.totals.Failures++
	default:
		return
	}
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}

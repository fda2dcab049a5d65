package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-workspace/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Operation: progress.OpRecalculate},
		{RunID: runID, TS: now, Stage: progress.StageArtifactCounted, Project: "kominfo", Item: "a.pdf", Tokens: 120},
		{RunID: runID, TS: now, Stage: progress.StageArtifactCounted, Project: "kominfo", Item: "b.warc", Tokens: 30},
		{RunID: runID, TS: now, Stage: progress.StageArtifactFailed, Project: "kominfo", Item: "c.pdf"},
		{
			RunID:     runID,
			TS:        now.Add(2 * time.Second),
			Stage:     progress.StageRunPartial,
			Operation: progress.OpRecalculate,
			Dur:       2 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	op := string(progress.OpRecalculate)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues(op)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues(op, "partial")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.artifactsCounted.WithLabelValues("kominfo")))
	require.InDelta(t, 150.0, testutil.ToFloat64(sink.tokensCounted), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.failures.WithLabelValues(string(progress.StageArtifactFailed))))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "scrapews_run_runtime_seconds"))
}

func TestPrometheusSinkTracksRunningRuns(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart, Operation: progress.OpCompress}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageBundleBuilt, Project: "p", Subproject: "s", Bytes: 64},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunDone, Operation: progress.OpCompress},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.bundlesBuilt))
	require.InDelta(t, 64.0, testutil.ToFloat64(sink.bundleBytes), 1e-9)
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

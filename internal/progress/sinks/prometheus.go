package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-workspace/internal/progress"
)

// PrometheusSink exports workspace progress metrics via Prometheus.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	artifactsCounted *prometheus.CounterVec
	tokensCounted    prometheus.Counter
	bundlesBuilt     prometheus.Counter
	bundleBytes      prometheus.Counter
	failures         *prometheus.CounterVec
	itemsScraped     prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapews_runs_started_total",
			Help: "Bulk operations started, partitioned by operation.",
		}, []string{"operation"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapews_runs_completed_total",
			Help: "Bulk operations completed, partitioned by operation and result.",
		}, []string{"operation", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapews_runs_running",
			Help: "Current number of running bulk operations.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapews_run_runtime_seconds",
			Help:    "Wall time per completed bulk operation.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"operation", "result"}),
		artifactsCounted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapews_artifacts_counted_total",
			Help: "Artifacts whose token count was recomputed, partitioned by project.",
		}, []string{"project"}),
		tokensCounted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapews_tokens_counted_total",
			Help: "Tokens produced by recomputed artifacts.",
		}),
		bundlesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapews_bundles_built_total",
			Help: "Subproject bundles rebuilt.",
		}),
		bundleBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapews_bundle_source_bytes_total",
			Help: "Source bytes folded into rebuilt bundles.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapews_failures_total",
			Help: "Isolated failures, partitioned by stage.",
		}, []string{"stage"}),
		itemsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapews_items_scraped_total",
			Help: "Links, PDFs and WARCs written by scrape runs.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.artifactsCounted,
		s.tokensCounted,
		s.bundlesBuilt,
		s.bundleBytes,
		s.failures,
		s.itemsScraped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunPartial, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageArtifactCounted:
		s.artifactsCounted.WithLabelValues(label(evt.Project)).Inc()
		if evt.Tokens > 0 {
			s.tokensCounted.Add(float64(evt.Tokens))
		}
	case progress.StageBundleBuilt:
		s.bundlesBuilt.Inc()
		if evt.Bytes > 0 {
			s.bundleBytes.Add(float64(evt.Bytes))
		}
	case progress.StageArtifactFailed, progress.StageSubprojectFailed:
		s.failures.WithLabelValues(string(evt.Stage)).Inc()
	case progress.StageItemScraped:
		s.itemsScraped.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	op := label(string(evt.Operation))
	var result string
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(op).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		result = "success"
	case progress.StageRunPartial:
		result = "partial"
	default:
		result = "error"
	}
	s.runsCompleted.WithLabelValues(op, result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(op, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

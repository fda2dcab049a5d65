// Package ledger persists per-artifact token counts for each subproject and
// recomputes only the records whose artifact changed.
//
// Records live in tokens/ledger.json and are rewritten atomically after every
// recomputation, so an interrupted run keeps its progress. Superseded and
// removed records are appended to tokens/history.jsonl.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/storage/local"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// History reasons.
const (
	ReasonContentChanged  = "content changed"
	ReasonSelectorChanged = "selector changed"
	ReasonRemoved         = "removed"
)

// Report summarizes one EnsureCurrent call.
type Report struct {
	Project     string                           `json:"project"`
	Subproject  string                           `json:"subproject"`
	Records     map[string]workspace.TokenRecord `json:"records"`
	Recomputed  int                              `json:"recomputed"`
	Reused      int                              `json:"reused"`
	Refreshed   int                              `json:"refreshed"`
	Pruned      int                              `json:"pruned"`
	TotalTokens int                              `json:"total_tokens"`
	Failures    []workspace.Failure              `json:"failures,omitempty"`
}

type ledgerFile struct {
	Project    string                           `json:"project"`
	Subproject string                           `json:"subproject"`
	Records    map[string]workspace.TokenRecord `json:"records"`
	UpdatedAt  time.Time                        `json:"updated_at"`
}

// Ledger is the single writer of token records.
type Ledger struct {
	resolver *paths.Resolver
	counter  workspace.TokenCounter
	hasher   workspace.Hasher
	clock    workspace.Clock
	logger   *zap.Logger
}

// New builds a Ledger.
func New(
	resolver *paths.Resolver,
	counter workspace.TokenCounter,
	hasher workspace.Hasher,
	clock workspace.Clock,
	logger *zap.Logger,
) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{resolver: resolver, counter: counter, hasher: hasher, clock: clock, logger: logger}
}

// EffectiveSelector returns the selector that applies to kind: the requested
// one for HTML-bearing kinds, empty otherwise.
func EffectiveSelector(kind workspace.Kind, selector string) string {
	if kind.HTMLBearing() {
		return selector
	}
	return ""
}

// ErrCorruptLedger marks a ledger.json that no longer decodes.
var ErrCorruptLedger = errors.New("corrupt ledger")

// Load returns the persisted records of a subproject. A missing ledger is
// empty; a corrupt one is moved aside and treated as empty.
func (l *Ledger) Load(project, subproject string) (map[string]workspace.TokenRecord, error) {
	path, records, err := l.read(project, subproject)
	if errors.Is(err, ErrCorruptLedger) {
		aside := path + ".corrupt"
		l.logger.Warn("corrupt ledger moved aside",
			zap.String("path", path), zap.String("moved_to", aside), zap.Error(err))
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, fmt.Errorf("move corrupt ledger aside: %w", renameErr)
		}
		return map[string]workspace.TokenRecord{}, nil
	}
	return records, err
}

// Peek returns the persisted records without changing anything on disk. A
// corrupt ledger is reported with ErrCorruptLedger and left in place.
func (l *Ledger) Peek(project, subproject string) (map[string]workspace.TokenRecord, error) {
	_, records, err := l.read(project, subproject)
	return records, err
}

func (l *Ledger) read(project, subproject string) (string, map[string]workspace.TokenRecord, error) {
	path, err := l.resolver.LedgerFile(project, subproject)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- resolver path.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, map[string]workspace.TokenRecord{}, nil
		}
		return path, nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return path, nil, fmt.Errorf("%w %s: %v", ErrCorruptLedger, path, err)
	}
	if f.Records == nil {
		f.Records = map[string]workspace.TokenRecord{}
	}
	return path, f.Records, nil
}

// History returns the append-only history of a subproject, oldest first.
// A torn final line is ignored.
func (l *Ledger) History(project, subproject string) ([]workspace.HistoryEntry, error) {
	path, err := l.resolver.HistoryFile(project, subproject)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 -- resolver path.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []workspace.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry workspace.HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("skipping malformed history line", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	return out, nil
}

// EnsureCurrent brings the subproject's records in line with the snapshot.
// Unchanged artifacts are never recounted. Failures are isolated per artifact
// and listed in the report. On cancellation the partial report is returned
// together with the context error; persisted records stay valid.
func (l *Ledger) EnsureCurrent(
	ctx context.Context,
	snap workspace.SubprojectSnapshot,
	selector string,
) (Report, error) {
	report := Report{
		Project:    snap.Project,
		Subproject: snap.Name,
		Records:    map[string]workspace.TokenRecord{},
	}
	records, err := l.Load(snap.Project, snap.Name)
	if err != nil {
		return report, err
	}

	artifacts := countable(snap)
	present := make(map[string]struct{}, len(artifacts))
	for _, a := range artifacts {
		present[a.ID] = struct{}{}
	}

	for _, w := range snap.Warnings {
		if isCountable(w.Kind) {
			l.withhold(&report, snap, w)
		}
	}

	var history []workspace.HistoryEntry
	for _, id := range sortedKeys(records) {
		if _, ok := present[id]; ok {
			continue
		}
		// Skipped by the scan but still on disk: keep the record.
		if _, held := snap.Withholding(id); held {
			continue
		}
		old := records[id]
		delete(records, id)
		history = append(history, workspace.HistoryEntry{
			ArtifactID:     id,
			OldCount:       old.Count,
			OldFingerprint: old.Fingerprint,
			Selector:       old.Selector,
			Reason:         ReasonRemoved,
			At:             l.clock.Now(),
		})
		report.Pruned++
	}
	if report.Pruned > 0 {
		if err := l.persist(snap.Project, snap.Name, records, history); err != nil {
			return report, err
		}
	}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			l.finish(&report, records, present)
			return report, fmt.Errorf("ensure current %s/%s: %w", snap.Project, snap.Name, err)
		}
		sel := EffectiveSelector(a.Kind, selector)
		old, had := records[a.ID]
		if had && old.Current(a, sel) {
			report.Reused++
			continue
		}

		content, err := os.ReadFile(a.Path) // #nosec G304 -- registry path.
		if err != nil {
			l.fail(&report, a, fmt.Errorf("%w: %v", workspace.ErrArtifactUnreadable, err))
			continue
		}
		digest, err := l.hasher.Hash(content)
		if err != nil {
			l.fail(&report, a, fmt.Errorf("%w: hash: %v", workspace.ErrArtifactUnreadable, err))
			continue
		}

		if had && old.ContentHash == digest && old.Selector == sel {
			old.Fingerprint = a.Fingerprint
			records[a.ID] = old
			if err := l.persist(snap.Project, snap.Name, records, nil); err != nil {
				return report, err
			}
			report.Refreshed++
			continue
		}

		count, err := l.counter.Count(ctx, content, a.Kind.ContentType(), sel)
		metrics.ObserveTokenCount(a.Kind.ContentType(), err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				l.finish(&report, records, present)
				return report, fmt.Errorf("ensure current %s/%s: %w", snap.Project, snap.Name, ctxErr)
			}
			l.fail(&report, a, fmt.Errorf("%w: %v", workspace.ErrRecompute, err))
			continue
		}
		now := l.clock.Now()
		records[a.ID] = workspace.TokenRecord{
			ArtifactID:  a.ID,
			Kind:        a.Kind,
			Count:       count,
			Fingerprint: a.Fingerprint,
			ContentHash: digest,
			Selector:    sel,
			ComputedAt:  now,
		}
		var superseded []workspace.HistoryEntry
		if had {
			reason := ReasonContentChanged
			if old.ContentHash == digest {
				reason = ReasonSelectorChanged
			}
			superseded = append(superseded, workspace.HistoryEntry{
				ArtifactID:     a.ID,
				OldCount:       old.Count,
				NewCount:       count,
				OldFingerprint: old.Fingerprint,
				NewFingerprint: a.Fingerprint,
				Selector:       sel,
				Reason:         reason,
				At:             now,
			})
		}
		if err := l.persist(snap.Project, snap.Name, records, superseded); err != nil {
			return report, err
		}
		report.Recomputed++
		l.logger.Debug("token record computed",
			zap.String("artifact", a.ID), zap.Int("count", count), zap.String("selector", sel))
	}

	l.finish(&report, records, present)
	if report.Recomputed+report.Refreshed+report.Pruned > 0 || !l.summaryExists(snap.Project, snap.Name) {
		if err := l.writeSummary(snap.Project, snap.Name, report.Records); err != nil {
			l.logger.Warn("tokens.csv not written", zap.Error(err))
		}
	}
	return report, nil
}

// finish fills the report with records that are current for this snapshot.
// Records of failed or unvisited artifacts are left out.
func (l *Ledger) finish(report *Report, records map[string]workspace.TokenRecord, present map[string]struct{}) {
	failed := make(map[string]struct{}, len(report.Failures))
	for _, f := range report.Failures {
		failed[f.Item] = struct{}{}
	}
	report.Records = map[string]workspace.TokenRecord{}
	report.TotalTokens = 0
	for id, rec := range records {
		if _, ok := present[id]; !ok {
			continue
		}
		if _, bad := failed[id]; bad {
			continue
		}
		report.Records[id] = rec
	}
	for _, rec := range report.Records {
		report.TotalTokens += rec.Count
	}
}

func (l *Ledger) fail(report *Report, a workspace.Artifact, err error) {
	l.logger.Warn("token record not updated", zap.String("artifact", a.ID), zap.Error(err))
	report.Failures = append(report.Failures, workspace.NewFailure(a.Project, a.Subproject, a.ID, err))
}

func (l *Ledger) persist(
	project, subproject string,
	records map[string]workspace.TokenRecord,
	history []workspace.HistoryEntry,
) error {
	path, err := l.resolver.LedgerFile(project, subproject)
	if err != nil {
		return err
	}
	f := ledgerFile{Project: project, Subproject: subproject, Records: records, UpdatedAt: l.clock.Now()}
	if err := local.WriteJSON(path, f); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	historyPath, err := l.resolver.HistoryFile(project, subproject)
	if err != nil {
		return err
	}
	lines := make([][]byte, 0, len(history))
	for _, h := range history {
		b, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		lines = append(lines, b)
	}
	if err := local.AppendLines(historyPath, lines); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (l *Ledger) summaryExists(project, subproject string) bool {
	path, err := l.resolver.TokensCSV(project, subproject)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// writeSummary rewrites tokens/tokens.csv: one row per artifact plus a TOTAL
// row per kind.
func (l *Ledger) writeSummary(project, subproject string, records map[string]workspace.TokenRecord) error {
	path, err := l.resolver.TokensCSV(project, subproject)
	if err != nil {
		return err
	}
	return local.WriteAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"file", "kind", "token_count"})
		totals := map[workspace.Kind]int{}
		for _, id := range sortedKeys(records) {
			rec := records[id]
			totals[rec.Kind] += rec.Count
			_ = cw.Write([]string{id, string(rec.Kind), strconv.Itoa(rec.Count)})
		}
		for _, kind := range workspace.CountableKinds {
			_ = cw.Write([]string{"TOTAL", string(kind), strconv.Itoa(totals[kind])})
		}
		cw.Flush()
		return cw.Error()
	})
}

func (l *Ledger) withhold(report *Report, snap workspace.SubprojectSnapshot, w workspace.ScanWarning) {
	err := fmt.Errorf("%w: %s", workspace.ErrArtifactUnreadable, w.Reason)
	l.logger.Warn("token record withheld", zap.String("path", w.Path), zap.Error(err))
	report.Failures = append(report.Failures, workspace.NewFailure(snap.Project, snap.Name, w.Path, err))
}

func isCountable(kind workspace.Kind) bool {
	for _, k := range workspace.CountableKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func countable(snap workspace.SubprojectSnapshot) []workspace.Artifact {
	var out []workspace.Artifact
	for _, a := range snap.Artifacts {
		if isCountable(a.Kind) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedKeys(m map[string]workspace.TokenRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package progress

import (
	"time"

	"github.com/google/uuid"
)

// Run stamps events of one bulk operation with its id, operation and time.
type Run struct {
	ID        uuid.UUID
	Operation Operation
	Started   time.Time

	emitter Emitter
	now     func() time.Time
}

// NewRun binds a run to emitter. A nil emitter discards; a nil now uses
// time.Now.
func NewRun(id uuid.UUID, op Operation, emitter Emitter, now func() time.Time) *Run {
	if emitter == nil {
		emitter = Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Run{ID: id, Operation: op, Started: now().UTC(), emitter: emitter, now: now}
}

// Emit fills the run fields of evt and forwards it.
func (r *Run) Emit(evt Event) {
	evt.RunID = UUIDToBytes(r.ID)
	evt.Operation = r.Operation
	if evt.TS.IsZero() {
		evt.TS = r.now().UTC()
	}
	r.emitter.Emit(evt)
}

// Start emits RUN_START.
func (r *Run) Start(note string) {
	r.Emit(Event{Stage: StageRunStart, TS: r.Started, Note: note})
}

// Finish emits RUN_DONE, or RUN_PARTIAL when failures occurred.
func (r *Run) Finish(items int64, failures int, note string) {
	stage := StageRunDone
	if failures > 0 {
		stage = StageRunPartial
	}
	r.Emit(Event{Stage: stage, Items: items, Dur: r.Elapsed(), Note: note})
}

// Fail emits RUN_ERROR with the error text.
func (r *Run) Fail(err error) {
	note := ""
	if err != nil {
		note = err.Error()
	}
	r.Emit(Event{Stage: StageRunError, Dur: r.Elapsed(), Note: note})
}

// Elapsed returns the time since Start, never negative.
func (r *Run) Elapsed() time.Duration {
	if d := r.now().Sub(r.Started); d > 0 {
		return d
	}
	return 0
}

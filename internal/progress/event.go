package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRunDone          Stage = "RUN_DONE"
	StageRunPartial       Stage = "RUN_PARTIAL"
	StageRunError         Stage = "RUN_ERROR"
	StageArtifactCounted  Stage = "ARTIFACT_COUNTED"
	StageArtifactFailed   Stage = "ARTIFACT_FAILED"
	StageBundleBuilt      Stage = "BUNDLE_BUILT"
	StageSubprojectFailed Stage = "SUBPROJECT_FAILED"
	StageCentralCollected Stage = "CENTRAL_COLLECTED"
	StageItemScraped      Stage = "ITEM_SCRAPED"
)

// Operation names the bulk operation a run belongs to.
type Operation string

// Supported operations.
const (
	OpRecalculate Operation = "recalculate_tokens"
	OpCompress    Operation = "compress_all"
	OpScrape      Operation = "scrape"
)

// Event is one progress record.
type Event struct {
	// RunID identifies the bulk operation in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC time recorded by the emitter.
	TS        time.Time
	Stage     Stage
	Operation Operation
	// Project and Subproject scope item-level events.
	Project    string
	Subproject string
	// Item is an artifact id, archive file name or URL.
	Item   string
	Tokens int64
	Bytes  int64
	// Items counts units handled by a run or subproject step.
	Items int64
	Dur   time.Duration
	// Note carries low-volume context such as an error reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunPartial, StageRunError:
		if e.Operation == "" {
			return errors.New("run events require an operation")
		}
	case StageArtifactCounted, StageArtifactFailed, StageItemScraped:
		if e.Item == "" {
			return fmt.Errorf("%s requires an item", e.Stage)
		}
	case StageBundleBuilt, StageSubprojectFailed:
		if e.Project == "" || e.Subproject == "" {
			return fmt.Errorf("%s requires project and subproject", e.Stage)
		}
	case StageCentralCollected:
		if e.Project == "" {
			return errors.New("central collection requires project")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

package workspace

import "errors"

// Sentinel errors shared by every engine component. Callers match them with
// errors.Is; components wrap them with context via fmt.Errorf("...: %w").
var (
	// ErrInvalidName rejects project or subproject identifiers that are not
	// filesystem safe.
	ErrInvalidName = errors.New("invalid name")
	// ErrNotFound signals an operation on a missing project, subproject or artifact.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a name collision on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrArtifactUnreadable marks a file that exists but cannot be read.
	ErrArtifactUnreadable = errors.New("artifact unreadable")
	// ErrRecompute marks a failed token count for one artifact.
	ErrRecompute = errors.New("token recompute failed")
	// ErrCompression marks a failed compression for one subproject.
	ErrCompression = errors.New("compression failed")
	// ErrWorkspaceUnavailable is fatal: the workspace root cannot be read.
	ErrWorkspaceUnavailable = errors.New("workspace unavailable")
)

// Failure describes one isolated failure inside a bulk operation.
type Failure struct {
	Project    string `json:"project"`
	Subproject string `json:"subproject,omitempty"`
	Item       string `json:"item,omitempty"`
	Reason     string `json:"reason"`
}

// NewFailure builds a Failure from an error.
func NewFailure(project, subproject, item string, err error) Failure {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return Failure{Project: project, Subproject: subproject, Item: item, Reason: reason}
}

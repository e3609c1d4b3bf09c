package pipeline

import "fmt"

// ExitSignal is what a stage reports after one round.
type ExitSignal int

const (
	// NothingDone means the stage had nothing to do.
	NothingDone ExitSignal = iota
	// DidWork means the stage compiled something.
	DidWork
	// AdditionalPassRequired asks for another round after this one.
	AdditionalPassRequired
	// ChunkRebuildRequired asks to recompile every source of the target.
	// It is honored once per build.
	ChunkRebuildRequired
	// Abort stops the build.
	Abort
)

func (s ExitSignal) String() string {
	switch s {
	case NothingDone:
		return "nothing_done"
	case DidWork:
		return "did_work"
	case AdditionalPassRequired:
		return "additional_pass_required"
	case ChunkRebuildRequired:
		return "chunk_rebuild_required"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// OutcomeKind is the terminal state of a build.
type OutcomeKind int

const (
	// OutcomeSuccess means the target reached a fixed point.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeStopRequested means a stage halted the build.
	OutcomeStopRequested
	// OutcomeRebuildRequested means incremental state cannot be trusted and
	// the caller must rebuild the target from scratch.
	OutcomeRebuildRequested
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeStopRequested:
		return "stop_requested"
	case OutcomeRebuildRequested:
		return "rebuild_requested"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}

	return "warning"
}

// Diagnostic is a message a stage reported about a source.
type Diagnostic struct {
	Stage    string
	Source   string
	Message  string
	Severity Severity
	Round    int
}

// Outcome is the result of a build that ran to a terminal state. Stage
// failures and cancellation are reported as errors instead.
type Outcome struct {
	Kind OutcomeKind

	// DidWork is set when any stage compiled something.
	DidWork bool

	// Message is the optional message of a stop request.
	Message string

	// Cause explains a rebuild request.
	Cause error

	// BuildID identifies a successful build that did work.
	BuildID string

	Rounds      int
	Diagnostics []Diagnostic
	Statistics  []StageStats
}

// HasErrors reports whether any error diagnostic was reported.
func (o Outcome) HasErrors() bool {
	for _, d := range o.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}

	return false
}

// StageError is a failure returned by a stage.
type StageError struct {
	Stage string
	Round int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed in round %d: %v", e.Stage, e.Round, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

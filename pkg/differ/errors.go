package differ

import (
	"errors"
	"fmt"
)

// ErrRebuildRequested marks every error after which the incremental state of
// a target can no longer be trusted.
var ErrRebuildRequested = errors.New("rebuild requested")

// RebuildError explains why a target must be rebuilt from scratch.
type RebuildError struct {
	Reason string
	Cause  error
}

func (e *RebuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrRebuildRequested, e.Reason, e.Cause)
	}

	return fmt.Sprintf("%s: %s", ErrRebuildRequested, e.Reason)
}

// Is matches ErrRebuildRequested.
func (e *RebuildError) Is(target error) bool {
	return target == ErrRebuildRequested
}

func (e *RebuildError) Unwrap() error {
	return e.Cause
}

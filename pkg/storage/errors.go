package storage

import (
	"fmt"
	"strings"
)

// CloseError reports a failed shutdown. Err is the first failure; every
// later failure is kept in Suppressed.
type CloseError struct {
	Err        error
	Suppressed []error
}

func newCloseError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	return &CloseError{Err: errs[0], Suppressed: errs[1:]}
}

func (e *CloseError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Err.Error()
	}

	parts := make([]string, 0, len(e.Suppressed))
	for _, err := range e.Suppressed {
		parts = append(parts, err.Error())
	}

	return fmt.Sprintf("%v (suppressed: %s)", e.Err, strings.Join(parts, "; "))
}

// Unwrap exposes the first failure followed by the suppressed ones.
func (e *CloseError) Unwrap() []error {
	return append([]error{e.Err}, e.Suppressed...)
}

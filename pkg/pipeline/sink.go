package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
)

// OutputSink receives the outputs stages produce.
type OutputSink interface {
	// Record notes that source produced outputs in the current round.
	Record(source string, outputs []string) error

	// RemoveAll deletes output files.
	RemoveAll(outputs []string) error

	// Clear discards everything recorded in the current round.
	Clear()

	// Commit makes the current round's records durable.
	Commit() error
}

// StoreSink records outputs in the source→outputs map of a target and
// removes output files from disk.
type StoreSink struct {
	outputs *storage.SourceToOutputMap

	mu      sync.Mutex
	pending map[string][]string
}

// NewStoreSink creates a sink over a target's source→outputs map.
func NewStoreSink(outputs *storage.SourceToOutputMap) *StoreSink {
	return &StoreSink{outputs: outputs, pending: make(map[string][]string)}
}

// Record implements OutputSink.
func (s *StoreSink) Record(source string, outputs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[source] = append(s.pending[source], outputs...)

	return nil
}

// RemoveAll implements OutputSink. Missing files are not an error.
func (s *StoreSink) RemoveAll(outputs []string) error {
	var errs []error

	for _, out := range outputs {
		err := os.Remove(out)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove output: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Clear implements OutputSink.
func (s *StoreSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.pending)
}

// Commit implements OutputSink.
func (s *StoreSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for source, outputs := range s.pending {
		if err := s.outputs.AppendOutputs(source, outputs...); err != nil {
			return err
		}
	}

	clear(s.pending)

	return nil
}

// Package storage owns the durable, target-scoped state of a build worker.
//
// A Store hands out storages keyed by (target, kind). Each storage is created
// lazily through its Provider the first time it is requested and the same
// instance is returned for every later request during the life of the Store.
// All storages write into one backing kvstore.Container, each into its own
// named map.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/persist"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// Sentinel errors.
var (
	ErrStoreClosed  = errors.New("build store closed")
	ErrKindMismatch = errors.New("storage kind registered with a different type")
)

// databaseFile is the name of the backing container inside the data root.
const databaseFile = "build.db"

// dirPerm is the permission of target data directories.
const dirPerm = 0o750

// Storage is a durable resource scoped to one target.
type Storage interface {
	// Flush pushes buffered writes to the container. With memoryCachesOnly
	// unset the storage also drops its read caches.
	Flush(memoryCachesOnly bool) error

	// Clean wipes every record of the storage.
	Clean() error

	// Close flushes buffered writes and releases the storage.
	Close() error
}

// Context is handed to a Provider when its storage is created.
type Context struct {
	Target      target.BuildTarget
	Kind        string
	DataDir     string
	Relativizer target.PathRelativizer
	Container   kvstore.Container
	Codec       persist.Codec
}

// MapName returns the container map reserved for this storage.
func (c Context) MapName() string {
	return c.Target.Module + "/" + string(c.Target.Type) + "/" + c.Kind
}

// OpenMap opens the container map reserved for this storage.
func (c Context) OpenMap() (kvstore.Map, error) {
	m, err := c.Container.Map(c.MapName())
	if err != nil {
		return nil, fmt.Errorf("open map %s: %w", c.MapName(), err)
	}

	return m, nil
}

// Provider creates one kind of storage.
type Provider[S Storage] struct {
	Kind   string
	Create func(ctx Context) (S, error)
}

// NewProvider declares a storage kind.
func NewProvider[S Storage](kind string, create func(ctx Context) (S, error)) *Provider[S] {
	return &Provider[S]{Kind: kind, Create: create}
}

// Options configures a Store.
type Options struct {
	// DataRoot holds the backing container and per-target data directories.
	DataRoot string

	// Relativizer converts paths stored in records. Required.
	Relativizer target.PathRelativizer

	// Codec encodes records. Defaults to LZ4-compressed gob.
	Codec persist.Codec

	// Logger receives lifecycle diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type storageKey struct {
	target target.BuildTarget
	kind   string
}

type storageEntry struct {
	once    sync.Once
	storage Storage
	err     error
}

// Store is the Persistent Build Store. It is safe for concurrent use.
type Store struct {
	dataRoot    string
	container   kvstore.Container
	relativizer target.PathRelativizer
	codec       persist.Codec
	logger      *slog.Logger

	// lifecycle excludes Close/ForceClose while storages are being created.
	lifecycle sync.RWMutex
	closed    bool

	storages sync.Map // storageKey -> *storageEntry

	orderMu sync.Mutex
	order   []storageKey
}

// Open opens (or creates) the SQLite-backed store under opts.DataRoot.
func Open(opts Options) (*Store, error) {
	err := os.MkdirAll(opts.DataRoot, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	container, err := kvstore.OpenSQLite(filepath.Join(opts.DataRoot, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("open build store: %w", err)
	}

	return New(container, opts), nil
}

// New creates a store over an already opened container. The store takes
// ownership of the container.
func New(container kvstore.Container, opts Options) *Store {
	codec := opts.Codec
	if codec == nil {
		codec = persist.NewLZ4Codec(persist.NewGobCodec())
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dataRoot:    opts.DataRoot,
		container:   container,
		relativizer: opts.Relativizer,
		codec:       codec,
		logger:      logger,
	}
}

// Relativizer returns the path relativizer shared by all storages.
func (s *Store) Relativizer() target.PathRelativizer {
	return s.relativizer
}

// DataDir returns the data directory of a target.
func (s *Store) DataDir(t target.BuildTarget) string {
	return filepath.Join(s.dataRoot, "targets", t.Module, string(t.Type))
}

// GetStorage returns the storage of the given kind for the target, creating
// it on first request. Concurrent first requests construct it exactly once.
func GetStorage[S Storage](s *Store, t target.BuildTarget, p *Provider[S]) (S, error) {
	var zero S

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.closed {
		return zero, ErrStoreClosed
	}

	key := storageKey{target: t, kind: p.Kind}
	value, _ := s.storages.LoadOrStore(key, &storageEntry{})
	entry := value.(*storageEntry)

	entry.once.Do(func() {
		entry.storage, entry.err = s.create(t, p)
		if entry.err != nil {
			s.storages.CompareAndDelete(key, entry)

			return
		}

		s.orderMu.Lock()
		s.order = append(s.order, key)
		s.orderMu.Unlock()
	})

	if entry.err != nil {
		return zero, entry.err
	}

	typed, ok := entry.storage.(S)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrKindMismatch, p.Kind)
	}

	return typed, nil
}

func (s *Store) create(t target.BuildTarget, p providerFunc) (Storage, error) {
	dataDir := s.DataDir(t)

	err := os.MkdirAll(dataDir, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create data dir for %s: %w", t, err)
	}

	ctx := Context{
		Target:      t,
		Kind:        p.kind(),
		DataDir:     dataDir,
		Relativizer: s.relativizer,
		Container:   s.container,
		Codec:       s.codec,
	}

	st, err := p.create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s storage for %s: %w", p.kind(), t, err)
	}

	s.logger.Debug("storage opened", "target", t.String(), "kind", p.kind())

	return st, nil
}

// providerFunc erases the storage type of a Provider.
type providerFunc interface {
	kind() string
	create(ctx Context) (Storage, error)
}

func (p *Provider[S]) kind() string { return p.Kind }

func (p *Provider[S]) create(ctx Context) (Storage, error) {
	return p.Create(ctx)
}

// snapshot returns the open storages in creation order.
func (s *Store) snapshot(filter func(storageKey) bool) []Storage {
	s.orderMu.Lock()
	keys := append([]storageKey(nil), s.order...)
	s.orderMu.Unlock()

	result := make([]Storage, 0, len(keys))

	for _, key := range keys {
		if filter != nil && !filter(key) {
			continue
		}

		value, ok := s.storages.Load(key)
		if !ok {
			continue
		}

		result = append(result, value.(*storageEntry).storage)
	}

	return result
}

// Targets lists the targets with at least one open storage, in the order
// they were first used.
func (s *Store) Targets() []target.BuildTarget {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	seen := make(map[target.BuildTarget]struct{}, len(s.order))
	result := make([]target.BuildTarget, 0, len(s.order))

	for _, key := range s.order {
		if _, ok := seen[key.target]; ok {
			continue
		}

		seen[key.target] = struct{}{}
		result = append(result, key.target)
	}

	return result
}

// Flush flushes every open storage. Unless memoryCachesOnly is set the
// backing container is flushed too.
func (s *Store) Flush(memoryCachesOnly bool) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	var errs []error

	for _, st := range s.snapshot(nil) {
		if err := st.Flush(memoryCachesOnly); err != nil {
			errs = append(errs, err)
		}
	}

	if !memoryCachesOnly {
		if err := s.container.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush container: %w", err))
		}
	}

	return errors.Join(errs...)
}

// CleanTarget wipes every open storage of the target.
func (s *Store) CleanTarget(t target.BuildTarget) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	var errs []error

	for _, st := range s.snapshot(func(key storageKey) bool { return key.target == t }) {
		if err := st.Clean(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Purge wipes the records of the given kinds for the target without loading
// them. Open storages are cleaned in place; the others have their container
// map cleared directly. It is the way out when a storage cannot be opened
// because its records no longer decode.
func (s *Store) Purge(t target.BuildTarget, kinds ...string) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	var errs []error

	for _, kind := range kinds {
		if value, ok := s.storages.Load(storageKey{target: t, kind: kind}); ok {
			entry := value.(*storageEntry)
			if entry.storage != nil {
				if err := entry.storage.Clean(); err != nil {
					errs = append(errs, err)
				}

				continue
			}
		}

		ctx := Context{Target: t, Kind: kind, Container: s.container}

		m, err := ctx.OpenMap()
		if err == nil {
			err = m.Clear()
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s of %s: %w", kind, t, err))
		}
	}

	s.logger.Warn("storages purged", "target", t.String(), "kinds", kinds)

	return errors.Join(errs...)
}

// Close closes every storage and then the backing container. A release is
// attempted for every resource even when an earlier one fails; the first
// failure is returned with the others attached as suppressed.
func (s *Store) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for _, st := range s.snapshot(nil) {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.container.Flush(); err != nil && !errors.Is(err, kvstore.ErrClosed) {
		errs = append(errs, fmt.Errorf("flush container: %w", err))
	}

	if err := s.container.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close container: %w", err))
	}

	return newCloseError(errs)
}

// ForceClose releases the backing container first and then makes a best
// effort to close the storages. It is meant for abnormal shutdown, where an
// orderly flush could block. Buffered writes are lost.
func (s *Store) ForceClose() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	if err := s.container.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close container: %w", err))
	}

	for _, st := range s.snapshot(nil) {
		err := st.Close()
		if err != nil && !errors.Is(err, kvstore.ErrClosed) {
			s.logger.Warn("storage close failed during forced shutdown", "error", err)
			errs = append(errs, err)
		}
	}

	return newCloseError(errs)
}

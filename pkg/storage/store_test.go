package storage_test

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

var (
	appMain = target.New("app", target.TypeProduction)
	appTest = target.New("app", target.TypeTest)
)

// fakeStorage records lifecycle calls and fails Close on demand.
type fakeStorage struct {
	closeErr error
	closed   atomic.Bool
	events   *[]string
	name     string
	mu       *sync.Mutex
}

func (f *fakeStorage) Flush(bool) error { return nil }
func (f *fakeStorage) Clean() error     { return nil }

func (f *fakeStorage) Close() error {
	f.closed.Store(true)
	f.mu.Lock()
	*f.events = append(*f.events, "close "+f.name)
	f.mu.Unlock()

	return f.closeErr
}

// recordingContainer wraps a container and records its Close.
type recordingContainer struct {
	kvstore.Container

	events *[]string
	mu     *sync.Mutex
}

func (r *recordingContainer) Close() error {
	r.mu.Lock()
	*r.events = append(*r.events, "close container")
	r.mu.Unlock()

	return r.Container.Close()
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()

	root := t.TempDir()
	store := storage.New(kvstore.NewMemory(), storage.Options{
		DataRoot:    filepath.Join(root, "data"),
		Relativizer: target.NewRootRelativizer(root),
	})

	return store
}

func TestGetStorage_SameInstance(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	first, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)

	second, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)

	other, err := store.SourceToOutputMap(appTest)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

func TestGetStorage_ConcurrentCreatesOnce(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	var created atomic.Int32

	var (
		mu     sync.Mutex
		events []string
	)

	provider := storage.NewProvider("counted", func(storage.Context) (*fakeStorage, error) {
		created.Add(1)

		return &fakeStorage{name: "counted", events: &events, mu: &mu}, nil
	})

	const workers = 32

	results := make([]*fakeStorage, workers)

	var wg sync.WaitGroup

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			st, err := storage.GetStorage(store, appMain, provider)
			assert.NoError(t, err)

			results[i] = st
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), created.Load())

	for _, st := range results {
		assert.Same(t, results[0], st)
	}
}

func TestGetStorage_FailedCreateIsRetried(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	var attempts atomic.Int32

	var (
		mu     sync.Mutex
		events []string
	)

	boom := errors.New("boom")
	provider := storage.NewProvider("flaky", func(storage.Context) (*fakeStorage, error) {
		if attempts.Add(1) == 1 {
			return nil, boom
		}

		return &fakeStorage{name: "flaky", events: &events, mu: &mu}, nil
	})

	_, err := storage.GetStorage(store, appMain, provider)
	require.ErrorIs(t, err, boom)

	st, err := storage.GetStorage(store, appMain, provider)
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestGetStorage_KindMismatch(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	_, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)

	impostor := storage.NewProvider(storage.KindSourceToOutput, func(storage.Context) (*storage.FileStampStorage, error) {
		return nil, errors.New("must not be called")
	})

	_, err = storage.GetStorage(store, appMain, impostor)
	require.ErrorIs(t, err, storage.ErrKindMismatch)
}

func TestStore_CloseAttemptsEveryStorage(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []string
	)

	root := t.TempDir()
	container := &recordingContainer{Container: kvstore.NewMemory(), events: &events, mu: &mu}
	store := storage.New(container, storage.Options{DataRoot: root, Relativizer: target.NewRootRelativizer(root)})

	errFirst := errors.New("first failed")
	errSecond := errors.New("second failed")

	storages := []*fakeStorage{
		{name: "a", closeErr: errFirst, events: &events, mu: &mu},
		{name: "b", closeErr: errSecond, events: &events, mu: &mu},
		{name: "c", events: &events, mu: &mu},
	}

	for _, fs := range storages {
		provider := storage.NewProvider(fs.name, func(storage.Context) (*fakeStorage, error) { return fs, nil })

		_, err := storage.GetStorage(store, appMain, provider)
		require.NoError(t, err)
	}

	err := store.Close()
	require.Error(t, err)

	var closeErr *storage.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, errFirst, closeErr.Err)
	require.Len(t, closeErr.Suppressed, 1)
	assert.Equal(t, errSecond, closeErr.Suppressed[0])
	assert.ErrorIs(t, err, errSecond)

	for _, fs := range storages {
		assert.True(t, fs.closed.Load(), "storage %s must be closed", fs.name)
	}

	assert.Equal(t, []string{"close a", "close b", "close c", "close container"}, events)

	require.NoError(t, store.Close())

	_, err = store.SourceToOutputMap(appMain)
	require.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestStore_ForceCloseReleasesContainerFirst(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []string
	)

	root := t.TempDir()
	container := &recordingContainer{Container: kvstore.NewMemory(), events: &events, mu: &mu}
	store := storage.New(container, storage.Options{DataRoot: root, Relativizer: target.NewRootRelativizer(root)})

	provider := storage.NewProvider("fake", func(storage.Context) (*fakeStorage, error) {
		return &fakeStorage{name: "fake", events: &events, mu: &mu}, nil
	})

	_, err := storage.GetStorage(store, appMain, provider)
	require.NoError(t, err)

	outputs, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)
	outputs.SetOutputs(filepath.Join(root, "a.txt"), []string{filepath.Join(root, "out", "a.txt")})

	require.NoError(t, store.ForceClose())
	assert.Equal(t, []string{"close container", "close fake"}, events)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	opts := storage.Options{DataRoot: filepath.Join(root, ".incbuild"), Relativizer: target.NewRootRelativizer(root)}

	src := filepath.Join(root, "src", "a.txt")
	out := filepath.Join(root, "out", "a.txt")

	store, err := storage.Open(opts)
	require.NoError(t, err)

	outputs, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)
	outputs.SetOutputs(src, []string{out, out})

	stamps, err := store.FileStamps(appMain)
	require.NoError(t, err)
	stamps.Save(src, storage.Stamp{Size: 3, ModTime: 42, Hash: "abc"})

	buildID, err := store.MarkUpToDate(appMain)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := storage.Open(opts)
	require.NoError(t, err)

	defer reopened.Close()

	outputs, err = reopened.SourceToOutputMap(appMain)
	require.NoError(t, err)

	got, err := outputs.Outputs(src)
	require.NoError(t, err)
	assert.Equal(t, []string{out}, got)

	stamps, err = reopened.FileStamps(appMain)
	require.NoError(t, err)

	stamp, ok, err := stamps.Get(src)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", stamp.Hash)

	state, err := reopened.TargetState(appMain)
	require.NoError(t, err)

	ts, err := state.Get()
	require.NoError(t, err)
	assert.Equal(t, buildID, ts.BuildID)
	assert.True(t, ts.UpToDate)
}

func TestStore_CleanTarget(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	for _, bt := range []target.BuildTarget{appMain, appTest} {
		outputs, err := store.SourceToOutputMap(bt)
		require.NoError(t, err)
		outputs.SetOutputs("/src/a", []string{"/out/a"})
		require.NoError(t, outputs.Flush(true))
	}

	require.NoError(t, store.CleanTarget(appMain))

	mainOutputs, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)

	sources, err := mainOutputs.Sources()
	require.NoError(t, err)
	assert.Empty(t, sources)

	testOutputs, err := store.SourceToOutputMap(appTest)
	require.NoError(t, err)

	sources, err = testOutputs.Sources()
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a"}, sources)
}

func TestStore_PurgeClearsUnopenedMaps(t *testing.T) {
	t.Parallel()

	container := kvstore.NewMemory()

	raw, err := container.Map("app/production/" + storage.KindTargetState)
	require.NoError(t, err)
	require.NoError(t, raw.Put("state", []byte("garbage")))

	store := storage.New(container, storage.Options{DataRoot: t.TempDir(), Relativizer: target.NewRootRelativizer("/")})
	defer store.Close()

	outputs, err := store.SourceToOutputMap(appMain)
	require.NoError(t, err)
	outputs.SetOutputs("/src/a", []string{"/out/a"})

	require.NoError(t, store.Purge(appMain, storage.KindSourceToOutput, storage.KindTargetState))

	keys, err := raw.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	sources, err := outputs.Sources()
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestPendingDeletions(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	pending, err := store.PendingDeletions(appMain)
	require.NoError(t, err)

	pending.Add(
		target.RemovedFileInfo{SourceFile: "/src/b", Outputs: []string{"/out/b"}},
		target.RemovedFileInfo{SourceFile: "/src/a"},
	)
	pending.Remove("/src/a")

	infos, err := pending.Load()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "/src/b", infos[0].SourceFile)
	assert.Equal(t, []string{"/out/b"}, infos[0].Outputs)
}

func TestStore_Targets(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	defer store.Close()

	_, err := store.FileStamps(appTest)
	require.NoError(t, err)

	_, err = store.SourceToOutputMap(appMain)
	require.NoError(t, err)

	_, err = store.SourceToOutputMap(appTest)
	require.NoError(t, err)

	assert.Equal(t, []target.BuildTarget{appTest, appMain}, store.Targets())
}

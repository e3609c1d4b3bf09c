package differ

import (
	"context"
	"errors"
	"io/fs"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// LibraryPrefix starts the node identity of a library.
const LibraryPrefix = "lib:"

// LibraryID returns the node identity of a library given its portable path.
func LibraryID(relPath string) string {
	return LibraryPrefix + relPath
}

// libraryCheck is the staged outcome of checking a target's libraries.
type libraryCheck struct {
	stamps  map[string]storage.Stamp
	removed []string
}

// CheckLibraries stamps every library of the target concurrently and
// returns the identities of those added, changed or removed since the last
// committed build. The new stamps are staged until CommitLibraries.
func (d *Differ) CheckLibraries(ctx context.Context, desc target.Descriptor) ([]string, error) {
	stamps, err := storage.GetStorage(d.store, desc.Target, storage.LibraryStampProvider)
	if err != nil {
		return nil, err
	}

	libraries := slices.Clone(desc.Libraries)
	slices.Sort(libraries)
	libraries = slices.Compact(libraries)

	current := make([]*storage.Stamp, len(libraries))
	changed := make([]bool, len(libraries))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers())

	for i, path := range libraries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			previous, ok, getErr := stamps.Get(path)
			if getErr != nil {
				return getErr
			}

			stamp, stampErr := storage.NewStamp(path)
			if errors.Is(stampErr, fs.ErrNotExist) {
				changed[i] = ok

				return nil
			}

			if stampErr != nil {
				return stampErr
			}

			current[i] = &stamp
			changed[i] = !ok || previous.Hash != stamp.Hash

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	check := libraryCheck{stamps: make(map[string]storage.Stamp, len(libraries))}
	rel := d.store.Relativizer()

	var ids []string

	for i, path := range libraries {
		if current[i] != nil {
			check.stamps[path] = *current[i]
		}

		if changed[i] {
			ids = append(ids, LibraryID(rel.ToRelative(path)))
		}
	}

	known, err := stamps.Paths()
	if err != nil {
		return nil, err
	}

	for _, path := range known {
		if _, present := check.stamps[path]; !present {
			check.removed = append(check.removed, path)
			ids = append(ids, LibraryID(rel.ToRelative(path)))
		}
	}

	d.mu.Lock()
	d.staged[desc.Target] = check
	d.mu.Unlock()

	slices.Sort(ids)

	return slices.Compact(ids), nil
}

// CommitLibraries saves the library stamps staged by the last
// CheckLibraries of the target.
func (d *Differ) CommitLibraries(t target.BuildTarget) error {
	d.mu.Lock()
	check, ok := d.staged[t]
	delete(d.staged, t)
	d.mu.Unlock()

	if !ok {
		return nil
	}

	stamps, err := storage.GetStorage(d.store, t, storage.LibraryStampProvider)
	if err != nil {
		return err
	}

	for path, stamp := range check.stamps {
		stamps.Save(path, stamp)
	}

	for _, path := range check.removed {
		stamps.Remove(path)
	}

	return nil
}

func (d *Differ) workers() int {
	if d.opts.CheckWorkers > 0 {
		return d.opts.CheckWorkers
	}

	return runtime.GOMAXPROCS(0)
}

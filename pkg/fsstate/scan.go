package fsstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// ScanSources lists every source file under the target's roots in order.
// Roots that do not exist are skipped. When the descriptor names extensions
// only files with one of them are sources.
func ScanSources(desc target.Descriptor) ([]string, error) {
	var files []string

	for _, root := range desc.SourceRoots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == root {
					return filepath.SkipDir
				}

				return err
			}

			if entry.IsDir() || !entry.Type().IsRegular() {
				return nil
			}

			if isSource(desc, path) {
				files = append(files, path)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}

	slices.Sort(files)

	return slices.Compact(files), nil
}

func isSource(desc target.Descriptor, path string) bool {
	if len(desc.Extensions) == 0 {
		return true
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	for _, want := range desc.Extensions {
		if strings.EqualFold(strings.TrimPrefix(want, "."), ext) {
			return true
		}
	}

	return false
}

// DetectChanges compares the source files of a target with the stamps
// recorded by the previous build. Files without a matching stamp are
// changed. Stamped files, and files with recorded outputs, that no longer
// exist are deleted together with those outputs.
func DetectChanges(desc target.Descriptor, stamps *storage.FileStampStorage, outputs *storage.SourceToOutputMap) (target.SourceFileStateResult, error) {
	files, err := ScanSources(desc)
	if err != nil {
		return target.SourceFileStateResult{}, err
	}

	present := make(map[string]struct{}, len(files))

	var changed []string

	for _, path := range files {
		present[path] = struct{}{}

		info, statErr := os.Stat(path)
		if statErr != nil {
			return target.SourceFileStateResult{}, fmt.Errorf("stat %s: %w", path, statErr)
		}

		fresh, checkErr := stamps.IsUpToDate(path, info)
		if checkErr != nil {
			return target.SourceFileStateResult{}, checkErr
		}

		if !fresh {
			changed = append(changed, path)
		}
	}

	stamped, err := stamps.Paths()
	if err != nil {
		return target.SourceFileStateResult{}, err
	}

	withOutputs, err := outputs.Sources()
	if err != nil {
		return target.SourceFileStateResult{}, err
	}

	known := slices.Compact(slices.Sorted(slices.Values(append(stamped, withOutputs...))))

	var deleted []target.RemovedFileInfo

	for _, path := range known {
		if _, ok := present[path]; ok {
			continue
		}

		outs, outErr := outputs.Outputs(path)
		if outErr != nil {
			return target.SourceFileStateResult{}, outErr
		}

		deleted = append(deleted, target.RemovedFileInfo{SourceFile: path, Outputs: outs})
	}

	return target.NewSourceFileStateResult(changed, deleted...), nil
}

package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/incbuild/pkg/pipeline"
)

const (
	outputDirPerm  = 0o750
	outputFilePerm = 0o640
)

// ResourceCopier copies every dirty source into the target's output
// directory, keeping its path relative to the source root, and records the
// copy as the source's output.
type ResourceCopier struct{}

// Name implements pipeline.Stage.
func (ResourceCopier) Name() string { return "copy" }

// Build implements pipeline.Stage.
func (ResourceCopier) Build(ctx context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
	desc := rc.Descriptor()
	if desc.OutputDir == "" {
		return pipeline.NothingDone, nil
	}

	dirty := rc.DirtyFiles()
	if len(dirty) == 0 {
		return pipeline.NothingDone, nil
	}

	for _, src := range dirty {
		if err := ctx.Err(); err != nil {
			return pipeline.NothingDone, err
		}

		dst := filepath.Join(desc.OutputDir, filepath.FromSlash(SourceID(desc, src)))

		if err := copyFile(src, dst); err != nil {
			rc.ReportError(src, err.Error())

			continue
		}

		if err := rc.RegisterOutputs(src, dst); err != nil {
			return pipeline.NothingDone, err
		}
	}

	return pipeline.DidWork, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), outputDirPerm); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputFilePerm)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}

	return out.Close()
}

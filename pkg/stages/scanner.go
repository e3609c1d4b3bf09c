// Package stages holds reference build stages: a scanner that turns include
// directives into dependency nodes and a copier that publishes sources into
// the output directory.
package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/differ"
	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
	"github.com/Sumatoshi-tech/incbuild/pkg/pipeline"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

const tracerName = "incbuild"

// DefaultIncludePattern matches `#include "path"` and `import "path"` lines.
var DefaultIncludePattern = regexp.MustCompile(`(?m)^\s*(?:#include|import)\s+"([^"]+)"`)

// IncludeScanner produces one node per source. The node identity is the
// source path relative to its root, the fingerprint is a hash of the
// content, and the usages are the paths named by include directives.
// Directives naming a library file become library usages.
type IncludeScanner struct {
	// Pattern must have one capture group holding the included path.
	// Defaults to DefaultIncludePattern.
	Pattern *regexp.Regexp

	// Relativizer must be the one of the build store so that library
	// usages match the identities the differencer reports as changed.
	Relativizer target.PathRelativizer

	Tracer trace.Tracer
}

// Name implements pipeline.Stage.
func (s *IncludeScanner) Name() string { return "scan" }

// Build implements pipeline.Stage.
func (s *IncludeScanner) Build(ctx context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
	dirty := rc.DirtyFiles()
	if len(dirty) == 0 {
		return pipeline.NothingDone, nil
	}

	desc := rc.Descriptor()

	for _, path := range dirty {
		if err := ctx.Err(); err != nil {
			return pipeline.NothingDone, err
		}

		node, err := s.scan(ctx, desc, path)
		if err != nil {
			rc.ReportError(path, err.Error())

			continue
		}

		rc.RegisterNodes(path, node)
	}

	return pipeline.DidWork, nil
}

func (s *IncludeScanner) scan(ctx context.Context, desc target.Descriptor, path string) (depgraph.Node, error) {
	_, span := s.tracer().Start(ctx, observability.SpanFile,
		trace.WithAttributes(attribute.String("incbuild.file.path", path)))
	defer span.End()

	content, err := os.ReadFile(path)
	if err != nil {
		return depgraph.Node{}, fmt.Errorf("read source: %w", err)
	}

	sum := sha256.Sum256(content)
	node := depgraph.Node{
		ID:          SourceID(desc, path),
		Fingerprint: hex.EncodeToString(sum[:]),
	}

	libraries := s.libraryIDs(desc)

	for _, m := range s.pattern().FindAllSubmatch(content, -1) {
		included := filepath.ToSlash(filepath.Clean(string(m[1])))
		if id, ok := libraries[included]; ok {
			node.Usages = append(node.Usages, id)

			continue
		}

		node.Usages = append(node.Usages, included)
	}

	slices.Sort(node.Usages)
	node.Usages = slices.Compact(node.Usages)

	span.SetAttributes(attribute.Int("incbuild.file.usages", len(node.Usages)))

	return node, nil
}

func (s *IncludeScanner) pattern() *regexp.Regexp {
	if s.Pattern != nil {
		return s.Pattern
	}

	return DefaultIncludePattern
}

func (s *IncludeScanner) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}

	return otel.Tracer(tracerName)
}

// SourceID returns the slash-separated path of a source relative to the
// first root containing it, or its base name when no root does.
func SourceID(desc target.Descriptor, path string) string {
	if rel, ok := underRoot(desc.SourceRoots, path); ok {
		return rel
	}

	return filepath.Base(path)
}

// libraryIDs maps the base name of each library to its node identity.
func (s *IncludeScanner) libraryIDs(desc target.Descriptor) map[string]string {
	ids := make(map[string]string, len(desc.Libraries))

	for _, lib := range desc.Libraries {
		rel := filepath.ToSlash(lib)
		if s.Relativizer != nil {
			rel = s.Relativizer.ToRelative(lib)
		}

		ids[filepath.Base(lib)] = differ.LibraryID(rel)
	}

	return ids
}

func underRoot(roots []string, path string) (string, bool) {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}

		return filepath.ToSlash(rel), true
	}

	return "", false
}

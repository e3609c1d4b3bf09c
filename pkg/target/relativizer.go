package target

import (
	"path"
	"path/filepath"
	"strings"
)

// PathRelativizer converts between absolute filesystem paths and the portable
// form stored inside persistent structures.
type PathRelativizer interface {
	ToRelative(abs string) string
	ToAbsolute(rel string) string
}

// RootRelativizer relativizes paths against a single project root. Paths
// outside the root are kept absolute.
type RootRelativizer struct {
	root string
}

// NewRootRelativizer creates a relativizer for the given root directory.
func NewRootRelativizer(root string) *RootRelativizer {
	return &RootRelativizer{root: filepath.Clean(root)}
}

// Root returns the project root.
func (r *RootRelativizer) Root() string {
	return r.root
}

// ToRelative returns the slash-separated path of abs relative to the root.
func (r *RootRelativizer) ToRelative(abs string) string {
	rel, err := filepath.Rel(r.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(filepath.Clean(abs))
	}

	return filepath.ToSlash(rel)
}

// ToAbsolute reverses ToRelative.
func (r *RootRelativizer) ToAbsolute(rel string) string {
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return filepath.FromSlash(rel)
	}

	return filepath.Join(r.root, filepath.FromSlash(rel))
}

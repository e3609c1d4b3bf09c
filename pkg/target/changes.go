package target

import "sort"

// RemovedFileInfo describes a deleted source and the outputs it produced
// during its last successful compilation.
type RemovedFileInfo struct {
	SourceFile string   `json:"source_file"`
	Outputs    []string `json:"outputs"`
}

// SourceFileStateResult is the change set computed for a target before it
// is built. It is consumed once per target build.
type SourceFileStateResult struct {
	ChangedOrAddedFiles map[string]struct{}
	DeletedFiles        []RemovedFileInfo
}

// NewSourceFileStateResult builds a change set from plain path lists.
func NewSourceFileStateResult(changed []string, deleted ...RemovedFileInfo) SourceFileStateResult {
	files := make(map[string]struct{}, len(changed))
	for _, path := range changed {
		files[path] = struct{}{}
	}

	return SourceFileStateResult{ChangedOrAddedFiles: files, DeletedFiles: deleted}
}

// IsEmpty reports whether nothing changed.
func (r SourceFileStateResult) IsEmpty() bool {
	return len(r.ChangedOrAddedFiles) == 0 && len(r.DeletedFiles) == 0
}

// Changed returns the changed or added paths in sorted order.
func (r SourceFileStateResult) Changed() []string {
	paths := make([]string, 0, len(r.ChangedOrAddedFiles))
	for path := range r.ChangedOrAddedFiles {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

// DeletedSources returns the deleted source paths in input order.
func (r SourceFileStateResult) DeletedSources() []string {
	paths := make([]string, 0, len(r.DeletedFiles))
	for _, info := range r.DeletedFiles {
		paths = append(paths, info.SourceFile)
	}

	return paths
}

// MergeDeleted appends deletions whose source is not already present.
func (r *SourceFileStateResult) MergeDeleted(extra []RemovedFileInfo) {
	seen := make(map[string]struct{}, len(r.DeletedFiles))
	for _, info := range r.DeletedFiles {
		seen[info.SourceFile] = struct{}{}
	}

	for _, info := range extra {
		if _, dup := seen[info.SourceFile]; dup {
			continue
		}

		seen[info.SourceFile] = struct{}{}
		r.DeletedFiles = append(r.DeletedFiles, info)
	}
}

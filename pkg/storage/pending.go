package storage

import "github.com/Sumatoshi-tech/incbuild/pkg/target"

// KindPendingDeletions is the storage kind of PendingDeletions.
const KindPendingDeletions = "pending-deletes"

// PendingDeletionsProvider creates PendingDeletions storages.
var PendingDeletionsProvider = NewProvider(KindPendingDeletions, func(ctx Context) (*PendingDeletions, error) {
	m, err := ctx.OpenMap()
	if err != nil {
		return nil, err
	}

	return &PendingDeletions{
		records:     newRecordMap[target.RemovedFileInfo](m, ctx.Codec),
		relativizer: ctx.Relativizer,
	}, nil
})

// PendingDeletions remembers deleted sources whose removal has not yet been
// integrated into the dependency graph, so that a later build processes them.
type PendingDeletions struct {
	records     *recordMap[target.RemovedFileInfo]
	relativizer target.PathRelativizer
}

// PendingDeletions returns the pending deletion storage of a target.
func (s *Store) PendingDeletions(t target.BuildTarget) (*PendingDeletions, error) {
	return GetStorage(s, t, PendingDeletionsProvider)
}

// Add records deleted sources.
func (p *PendingDeletions) Add(infos ...target.RemovedFileInfo) {
	for _, info := range infos {
		rel := target.RemovedFileInfo{SourceFile: p.relativizer.ToRelative(info.SourceFile)}
		for _, out := range info.Outputs {
			rel.Outputs = append(rel.Outputs, p.relativizer.ToRelative(out))
		}

		p.records.put(rel.SourceFile, &rel)
	}
}

// Load returns every pending deletion in absolute form.
func (p *PendingDeletions) Load() ([]target.RemovedFileInfo, error) {
	keys, err := p.records.keys()
	if err != nil {
		return nil, err
	}

	infos := make([]target.RemovedFileInfo, 0, len(keys))

	for _, key := range keys {
		rel, ok, err := p.records.get(key)
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		info := target.RemovedFileInfo{SourceFile: p.relativizer.ToAbsolute(rel.SourceFile)}
		for _, out := range rel.Outputs {
			info.Outputs = append(info.Outputs, p.relativizer.ToAbsolute(out))
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// Remove drops sources from the pending set.
func (p *PendingDeletions) Remove(sources ...string) {
	for _, src := range sources {
		p.records.remove(p.relativizer.ToRelative(src))
	}
}

// Flush implements Storage.
func (p *PendingDeletions) Flush(memoryCachesOnly bool) error {
	return p.records.flush(!memoryCachesOnly)
}

// Clean implements Storage.
func (p *PendingDeletions) Clean() error {
	return p.records.clean()
}

// Close implements Storage.
func (p *PendingDeletions) Close() error {
	return p.records.flush(true)
}

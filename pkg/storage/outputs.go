package storage

import (
	"slices"

	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// KindSourceToOutput is the storage kind of SourceToOutputMap.
const KindSourceToOutput = "src-out"

// SourceToOutputProvider creates SourceToOutputMap storages.
var SourceToOutputProvider = NewProvider(KindSourceToOutput, func(ctx Context) (*SourceToOutputMap, error) {
	m, err := ctx.OpenMap()
	if err != nil {
		return nil, err
	}

	return &SourceToOutputMap{
		records:     newRecordMap[[]string](m, ctx.Codec),
		relativizer: ctx.Relativizer,
	}, nil
})

// SourceToOutputMap records which outputs each source produced. Paths are
// accepted and returned in absolute form and stored relativized.
type SourceToOutputMap struct {
	records     *recordMap[[]string]
	relativizer target.PathRelativizer
}

// SourceToOutputMap returns the source→outputs storage of a target.
func (s *Store) SourceToOutputMap(t target.BuildTarget) (*SourceToOutputMap, error) {
	return GetStorage(s, t, SourceToOutputProvider)
}

// Outputs returns the outputs recorded for source.
func (m *SourceToOutputMap) Outputs(source string) ([]string, error) {
	rel, ok, err := m.records.get(m.relativizer.ToRelative(source))
	if err != nil || !ok {
		return nil, err
	}

	return m.absolute(*rel), nil
}

// SetOutputs replaces the outputs recorded for source.
func (m *SourceToOutputMap) SetOutputs(source string, outputs []string) {
	rel := make([]string, 0, len(outputs))
	for _, out := range outputs {
		rel = append(rel, m.relativizer.ToRelative(out))
	}

	slices.Sort(rel)
	rel = slices.Compact(rel)

	m.records.put(m.relativizer.ToRelative(source), &rel)
}

// AppendOutputs adds outputs to those already recorded for source.
func (m *SourceToOutputMap) AppendOutputs(source string, outputs ...string) error {
	current, err := m.Outputs(source)
	if err != nil {
		return err
	}

	m.SetOutputs(source, append(current, outputs...))

	return nil
}

// Remove forgets source.
func (m *SourceToOutputMap) Remove(source string) {
	m.records.remove(m.relativizer.ToRelative(source))
}

// Sources lists every source with recorded outputs.
func (m *SourceToOutputMap) Sources() ([]string, error) {
	keys, err := m.records.keys()
	if err != nil {
		return nil, err
	}

	return m.absolute(keys), nil
}

func (m *SourceToOutputMap) absolute(paths []string) []string {
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		result = append(result, m.relativizer.ToAbsolute(p))
	}

	return result
}

// Flush implements Storage.
func (m *SourceToOutputMap) Flush(memoryCachesOnly bool) error {
	return m.records.flush(!memoryCachesOnly)
}

// Clean implements Storage.
func (m *SourceToOutputMap) Clean() error {
	return m.records.clean()
}

// Close implements Storage.
func (m *SourceToOutputMap) Close() error {
	return m.records.flush(true)
}

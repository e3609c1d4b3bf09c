package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// KindTargetState is the storage kind of TargetStateStorage.
const KindTargetState = "target-state"

// targetStateKey is the only key of the target state map.
const targetStateKey = "state"

// TargetState summarizes the last successful build of a target.
type TargetState struct {
	BuildID   string    `json:"build_id"`
	LastBuild time.Time `json:"last_build"`
	UpToDate  bool      `json:"up_to_date"`
}

// TargetStateProvider creates TargetStateStorage storages.
var TargetStateProvider = NewProvider(KindTargetState, func(ctx Context) (*TargetStateStorage, error) {
	m, err := ctx.OpenMap()
	if err != nil {
		return nil, err
	}

	return &TargetStateStorage{records: newRecordMap[TargetState](m, ctx.Codec)}, nil
})

// TargetStateStorage holds the TargetState of one target.
type TargetStateStorage struct {
	records *recordMap[TargetState]
}

// TargetState returns the state storage of a target.
func (s *Store) TargetState(t target.BuildTarget) (*TargetStateStorage, error) {
	return GetStorage(s, t, TargetStateProvider)
}

// MarkUpToDate records a successful build of the target and returns its id.
func (s *Store) MarkUpToDate(t target.BuildTarget) (string, error) {
	st, err := s.TargetState(t)
	if err != nil {
		return "", err
	}

	state := TargetState{BuildID: uuid.NewString(), LastBuild: time.Now().UTC(), UpToDate: true}
	st.records.put(targetStateKey, &state)

	return state.BuildID, nil
}

// MarkDirty clears the up-to-date flag, keeping the last build identity.
func (t *TargetStateStorage) MarkDirty() error {
	state, err := t.Get()
	if err != nil {
		return err
	}

	state.UpToDate = false
	t.records.put(targetStateKey, &state)

	return nil
}

// Get returns the recorded state, or the zero state for a never-built target.
func (t *TargetStateStorage) Get() (TargetState, error) {
	state, ok, err := t.records.get(targetStateKey)
	if err != nil || !ok {
		return TargetState{}, err
	}

	return *state, nil
}

// Flush implements Storage.
func (t *TargetStateStorage) Flush(memoryCachesOnly bool) error {
	return t.records.flush(!memoryCachesOnly)
}

// Clean implements Storage.
func (t *TargetStateStorage) Clean() error {
	return t.records.clean()
}

// Close implements Storage.
func (t *TargetStateStorage) Close() error {
	return t.records.flush(true)
}

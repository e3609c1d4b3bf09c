package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
)

// persisterState is a struct for persister testing.
type persisterState struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

func TestPersister_SaveLoad(t *testing.T) {
	t.Parallel()

	m, err := kvstore.NewMemory().Map("states")
	require.NoError(t, err)

	p := NewPersister[persisterState](NewLZ4Codec(NewGobCodec()))

	require.NoError(t, p.Save(m, "one", &persisterState{Label: "hello", Value: 42}))
	require.NoError(t, p.Save(m, "two", &persisterState{Label: "world", Value: 7}))

	got, ok, err := p.Load(m, "one")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, persisterState{Label: "hello", Value: 42}, *got)

	all, err := p.LoadAll(m)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 7, all["two"].Value)
}

func TestPersister_LoadMissing(t *testing.T) {
	t.Parallel()

	m, err := kvstore.NewMemory().Map("states")
	require.NoError(t, err)

	got, ok, err := NewPersister[persisterState](NewJSONCodec()).Load(m, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestPersister_UndecodableRecordIsCorrupted(t *testing.T) {
	t.Parallel()

	m, err := kvstore.NewMemory().Map("states")
	require.NoError(t, err)
	require.NoError(t, m.Put("broken", []byte("{not json")))

	_, _, err = NewPersister[persisterState](NewJSONCodec()).Load(m, "broken")
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
}

package persist

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testState is a struct for codec testing.
type testState struct {
	Name   string         `json:"name"`
	Count  int            `json:"count"`
	Values map[string]int `json:"values"`
}

func TestCodecs_Decode(t *testing.T) {
	t.Parallel()

	codecs := map[string]Codec{
		"json":     NewJSONCodec(),
		"gob":      NewGobCodec(),
		"json+lz4": NewLZ4Codec(NewJSONCodec()),
		"gob+lz4":  NewLZ4Codec(NewGobCodec()),
	}

	original := testState{Name: "test", Count: 42, Values: map[string]int{"a": 1, "b": 2}}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			data, err := Marshal(codec, original)
			require.NoError(t, err)

			var decoded testState

			require.NoError(t, Unmarshal(codec, data, &decoded))
			assert.Equal(t, original, decoded)
		})
	}
}

func TestJSONCodec_CompactByDefault(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, NewJSONCodec().Encode(&buf, testState{Name: "compact", Count: 1}))

	// Compact JSON has at most one trailing newline (from json.Encoder).
	assert.LessOrEqual(t, strings.Count(buf.String(), "\n"), 1)
}

func TestJSONCodec_PrettyPrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, NewIndentedJSONCodec().Encode(&buf, testState{Name: "pretty", Count: 1}))

	assert.Contains(t, buf.String(), "\n  \"name\"")
}

func TestLZ4Codec_Compresses(t *testing.T) {
	t.Parallel()

	state := testState{Name: strings.Repeat("repetitive ", 500)}

	plain, err := Marshal(NewJSONCodec(), state)
	require.NoError(t, err)

	compressed, err := Marshal(NewLZ4Codec(NewJSONCodec()), state)
	require.NoError(t, err)

	assert.Less(t, len(compressed), len(plain))
}

func TestByName(t *testing.T) {
	t.Parallel()

	codec, err := ByName(NameGob, true)
	require.NoError(t, err)
	assert.Equal(t, ".gob.lz4", codec.Extension())

	codec, err = ByName(NameJSON, false)
	require.NoError(t, err)
	assert.Equal(t, ".json", codec.Extension())

	_, err = ByName("xml", false)
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestGobCodec_DecodeInvalidData(t *testing.T) {
	t.Parallel()

	var decoded testState

	err := NewGobCodec().Decode(bytes.NewBufferString("not gob data"), &decoded)
	assert.Error(t, err)
}

package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	Command string `json:"command"`
	A       int    `json:"a"`
	B       int    `json:"b"`
	Note    string `json:"note,omitempty"`
}

func TestCodecsAgree(t *testing.T) {
	original := addArgs{Command: "add", A: 1, B: 2, Note: "naïve café"}

	for _, name := range []string{NameJSON, NameJSONIter} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(&original)
			require.NoError(t, err)

			// Both codecs must produce what encoding/json would.
			std, _ := json.Marshal(&original)
			assert.JSONEq(t, string(std), string(data))

			var decoded addArgs
			require.NoError(t, c.Unmarshal(data, &decoded))
			assert.Equal(t, original, decoded)
		})
	}
}

func TestRawMessagePassesThrough(t *testing.T) {
	type envelope struct {
		Body json.RawMessage `json:"body"`
	}
	for _, c := range []Codec{JSONCodec{}, JSONIterCodec{}} {
		data, err := c.Marshal(envelope{Body: json.RawMessage(`{"x":[1,2]}`)})
		require.NoError(t, err)
		assert.JSONEq(t, `{"body":{"x":[1,2]}}`, string(data))
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := ByName("binary")
	assert.Error(t, err)

	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, NameJSON, c.Name())
}

// JSON 编解码性能（不走网络，纯 codec）
func benchmarkCodec(b *testing.B, c Codec) {
	args := &addArgs{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := c.Marshal(args)
		var out addArgs
		_ = c.Unmarshal(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, JSONCodec{})
}

func BenchmarkCodecJSONIter(b *testing.B) {
	benchmarkCodec(b, JSONIterCodec{})
}

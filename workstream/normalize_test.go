package workstream

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/workstream/types"
)

func TestNormalize_StripsVolatileFields(t *testing.T) {
	base := map[string]any{"query": "weather", "city": "paris"}
	noisy := map[string]any{
		"city":       "paris",
		"query":      "weather",
		"timestamp":  "2026-01-01T00:00:00Z",
		"session_id": "s-1",
		"request_id": "r-9",
		"trace_id":   "abc",
	}

	h1, err := Normalize(base)
	require.NoError(t, err)
	h2, err := Normalize(noisy)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestNormalize_StripsNestedVolatileFields(t *testing.T) {
	a := map[string]any{
		"items": []any{
			map[string]any{"id": 1, "trace_id": "x"},
			map[string]any{"id": 2, "meta": map[string]any{"timestamp": 1}},
		},
	}
	b := map[string]any{
		"items": []any{
			map[string]any{"id": 1},
			map[string]any{"id": 2, "meta": map[string]any{}},
		},
	}

	h1, err := Normalize(a)
	require.NoError(t, err)
	h2, err := Normalize(b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNormalize_ExtraVolatileFields(t *testing.T) {
	a := map[string]any{"q": "x", "nonce": 1}
	b := map[string]any{"q": "x", "nonce": 2}

	h1, _ := Normalize(a)
	h2, _ := Normalize(b)
	assert.NotEqual(t, h1, h2)

	h1, _ = Normalize(a, "nonce")
	h2, _ = Normalize(b, "nonce")
	assert.Equal(t, h1, h2)
}

func TestNormalize_UnicodeNFC(t *testing.T) {
	// "é" 的组合形式与预组合形式
	composed := map[string]any{"name": "caf\u00e9"}
	decomposed := map[string]any{"name": "cafe\u0301"}

	h1, err := Normalize(composed)
	require.NoError(t, err)
	h2, err := Normalize(decomposed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNormalize_UnicodeKeyCollision(t *testing.T) {
	payload := map[string]any{
		"cafe\u0301": 1,
		"caf\u00e9":  2,
	}
	for i := 0; i < 50; i++ {
		_, err := Normalize(payload)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrInvalidInput))
	}

	// 嵌套层同样检测
	_, err := NormalizeOutput(map[string]any{"outer": []any{payload}})
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	// 不冲突的键仍按 NFC 规整
	h1, err := Normalize(map[string]any{"cafe\u0301": 1})
	require.NoError(t, err)
	h2, err := Normalize(map[string]any{"caf\u00e9": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNormalize_StructAndMapAgree(t *testing.T) {
	type req struct {
		City  string `json:"city"`
		Query string `json:"query"`
	}
	h1, err := Normalize(req{City: "paris", Query: "weather"})
	require.NoError(t, err)
	h2, err := Normalize(map[string]any{"query": "weather", "city": "paris"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNormalize_Unserializable(t *testing.T) {
	_, err := Normalize(map[string]any{"fn": func() {}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
}

func TestNormalizeOutput_KeepsVolatileFields(t *testing.T) {
	h1, err := NormalizeOutput(map[string]any{"v": 1})
	require.NoError(t, err)
	h2, err := NormalizeOutput(map[string]any{"v": 1, "timestamp": 5})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestNormalizeOutput_Nil(t *testing.T) {
	h1, err := NormalizeOutput(nil)
	require.NoError(t, err)
	h2, err := NormalizeOutput(nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

// 语义等价的输入必须得到相同指纹
func TestProperty_NormalizeIgnoresVolatileNoise(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("volatile keys never change the fingerprint", prop.ForAll(
		func(keys []string, values []int, ts string, sid string) bool {
			payload := make(map[string]any)
			for i, k := range keys {
				if i < len(values) {
					payload["k_"+k] = values[i]
				}
			}
			noisy := make(map[string]any, len(payload)+2)
			for k, v := range payload {
				noisy[k] = v
			}
			noisy["timestamp"] = ts
			noisy["session_id"] = sid
			noisy["nested"] = map[string]any{"request_id": sid}
			payload["nested"] = map[string]any{}

			h1, err1 := Normalize(payload)
			h2, err2 := Normalize(noisy)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("fingerprint is deterministic and hex encoded", prop.ForAll(
		func(s string, n int) bool {
			payload := map[string]any{"s": s, "n": n, "list": []any{s, n}}
			h1, err1 := Normalize(payload)
			h2, err2 := Normalize(payload)
			return err1 == nil && err2 == nil && h1 == h2 && len(h1) == 64
		},
		gen.AnyString(),
		gen.Int(),
	))

	properties.TestingRun(t)
}

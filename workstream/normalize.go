package workstream

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/text/unicode/norm"

	"github.com/BaSui01/workstream/types"
)

// DefaultVolatileFields 默认剔除的易变字段，这些字段不影响原子的语义输入。
var DefaultVolatileFields = []string{"timestamp", "session_id", "request_id", "trace_id"}

// Normalize 计算输入的规范指纹。
// 递归剔除 DefaultVolatileFields 与 extra 中列出的键，按键排序序列化为紧凑 JSON，
// 字符串统一为 NFC，最终返回 SHA-256 十六进制串。
// 语义相同的输入（仅键顺序或易变字段不同）必然得到相同指纹。
func Normalize(payload any, extra ...string) (string, error) {
	volatile := make(map[string]struct{}, len(DefaultVolatileFields)+len(extra))
	for _, k := range DefaultVolatileFields {
		volatile[k] = struct{}{}
	}
	for _, k := range extra {
		volatile[k] = struct{}{}
	}
	return fingerprint(payload, volatile)
}

// NormalizeOutput 计算输出的规范指纹，不剔除任何字段。
func NormalizeOutput(payload any) (string, error) {
	return fingerprint(payload, nil)
}

func fingerprint(payload any, volatile map[string]struct{}) (string, error) {
	data, err := canonicalize(payload, volatile)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(payload any, volatile map[string]struct{}) ([]byte, error) {
	// 先经一次 JSON 往返，把结构体、具名类型统一成 map/slice/json.Number
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "payload is not JSON-serializable").WithCause(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "payload is not JSON-serializable").WithCause(err)
	}

	stripped, err := strip(generic, volatile)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stripped); err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "canonical encoding failed").WithCause(err)
	}
	// Encoder 会追加换行
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// strip 递归剔除易变键并把字符串规整为 NFC。
// encoding/json 序列化 map 时按键排序，键序由此确定。
// 两个键规整后相同时无法确定保留哪个值，返回 INVALID_INPUT。
func strip(v any, volatile map[string]struct{}) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, skip := volatile[k]; skip {
				continue
			}
			key := norm.NFC.String(k)
			if _, dup := out[key]; dup {
				return nil, types.Errorf(types.ErrInvalidInput, "keys %q collide after unicode normalization", key)
			}
			sv, err := strip(val, volatile)
			if err != nil {
				return nil, err
			}
			out[key] = sv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			sv, err := strip(val, volatile)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	case string:
		return norm.NFC.String(t), nil
	default:
		return t, nil
	}
}

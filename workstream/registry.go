package workstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/workstream/types"
)

// Registry 意图到模板的映射
type Registry map[string]DAGTemplate

// registryFile 模板文件的顶层结构
type registryFile struct {
	Templates []DAGTemplate `yaml:"templates" json:"templates"`
}

// LoadRegistry 从 YAML 或 JSON 文件加载模板注册表，按扩展名选择格式。
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseRegistry(data, format)
}

// ParseRegistry 解析模板内容并逐一校验。format 为 "json" 或 "yaml"。
//
// 支持两种布局：顶层 templates 列表，或以意图为键的映射
// (intent: {version, atoms})，映射形式下意图取自键名。
// 未知字段一律拒绝，空注册表视为无效。
func ParseRegistry(data []byte, format string) (Registry, error) {
	var (
		templates []DAGTemplate
		err       error
	)
	switch format {
	case "json":
		templates, err = decodeJSONTemplates(data)
	case "yaml", "yml", "":
		templates, err = decodeYAMLTemplates(data)
	default:
		return nil, types.Errorf(types.ErrInvalidTemplate, "unsupported template format %q", format)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInvalidTemplate, "failed to parse templates").WithCause(err)
	}
	if len(templates) == 0 {
		return nil, types.NewError(types.ErrInvalidTemplate, "registry declares no templates")
	}

	reg := make(Registry, len(templates))
	for _, t := range templates {
		if _, dup := reg[t.Intent]; dup {
			return nil, types.Errorf(types.ErrInvalidTemplate, "duplicate intent %q", t.Intent)
		}
		reg[t.Intent] = t
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func decodeYAMLTemplates(data []byte) ([]DAGTemplate, error) {
	var root map[string]yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if list, ok := root["templates"]; ok && list.Kind == yaml.SequenceNode {
		if len(root) > 1 {
			return nil, fmt.Errorf("unexpected top-level keys beside templates: %v", extraKeys(root))
		}
		var file registryFile
		return file.Templates, strictYAML(data, &file)
	}

	out := make([]DAGTemplate, 0, len(root))
	for _, intent := range slices.Sorted(maps.Keys(root)) {
		node := root[intent]
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return nil, err
		}
		var t DAGTemplate
		if err := strictYAML(raw, &t); err != nil {
			return nil, fmt.Errorf("intent %s: %w", intent, err)
		}
		if t, err = keyedIntent(intent, t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeJSONTemplates(data []byte) ([]DAGTemplate, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if list, ok := root["templates"]; ok && bytes.HasPrefix(bytes.TrimSpace(list), []byte("[")) {
		if len(root) > 1 {
			return nil, fmt.Errorf("unexpected top-level keys beside templates: %v", extraKeys(root))
		}
		var templates []DAGTemplate
		return templates, strictJSON(list, &templates)
	}

	out := make([]DAGTemplate, 0, len(root))
	for _, intent := range slices.Sorted(maps.Keys(root)) {
		var t DAGTemplate
		if err := strictJSON(root[intent], &t); err != nil {
			return nil, fmt.Errorf("intent %s: %w", intent, err)
		}
		t, err := keyedIntent(intent, t)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// keyedIntent 映射形式下意图取自键名，条目内若声明 intent 必须一致
func keyedIntent(key string, t DAGTemplate) (DAGTemplate, error) {
	if t.Intent != "" && t.Intent != key {
		return t, fmt.Errorf("template keyed %q declares intent %q", key, t.Intent)
	}
	t.Intent = key
	return t, nil
}

func strictYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func strictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func extraKeys[V any](root map[string]V) []string {
	keys := make([]string, 0, len(root))
	for k := range root {
		if k != "templates" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Validate 按意图名排序逐一校验模板
func (r Registry) Validate() error {
	for _, intent := range slices.Sorted(maps.Keys(r)) {
		t := r[intent]
		if t.Intent != intent {
			return types.Errorf(types.ErrInvalidTemplate,
				"template registered as %q declares intent %q", intent, t.Intent)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

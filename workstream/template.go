package workstream

import (
	"maps"
	"slices"

	"github.com/BaSui01/workstream/types"
)

// AtomTemplate 原子节点的静态定义
type AtomTemplate struct {
	AtomID      string         `yaml:"atom_id" json:"atom_id"`
	Endpoint    string         `yaml:"endpoint" json:"endpoint"`
	Purpose     string         `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	Idempotency Idempotency    `yaml:"idempotency" json:"idempotency"`
	Version     string         `yaml:"version" json:"version"`
	DependsOn   []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Validate 检查单个原子模板的必填字段
func (t AtomTemplate) Validate() error {
	if t.AtomID == "" {
		return types.NewError(types.ErrInvalidTemplate, "atom_id is required")
	}
	if t.Endpoint == "" {
		return types.Errorf(types.ErrInvalidTemplate, "atom %s: endpoint is required", t.AtomID).WithAtom(t.AtomID)
	}
	if !t.Idempotency.Valid() {
		return types.Errorf(types.ErrInvalidTemplate,
			"atom %s: idempotency must be %q or %q, got %q",
			t.AtomID, IdempotencyPure, IdempotencyEffectful, t.Idempotency).WithAtom(t.AtomID)
	}
	return nil
}

// Instantiate 将静态字段与请求上下文合并为具体节点，请求上下文覆盖同名的静态参数。
func (t AtomTemplate) Instantiate(reqCtx map[string]any) AtomNode {
	params := maps.Clone(t.Parameters)
	if params == nil && len(reqCtx) > 0 {
		params = make(map[string]any, len(reqCtx))
	}
	maps.Copy(params, reqCtx)

	return AtomNode{
		AtomID:      t.AtomID,
		Endpoint:    t.Endpoint,
		Purpose:     t.Purpose,
		Idempotency: t.Idempotency,
		Version:     t.Version,
		DependsOn:   slices.Clone(t.DependsOn),
		Parameters:  params,
	}
}

// DAGTemplate 一个意图对应的原子依赖图
type DAGTemplate struct {
	Intent      string         `yaml:"intent" json:"intent"`
	Version     string         `yaml:"version" json:"version"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Atoms       []AtomTemplate `yaml:"atoms" json:"atoms"`
}

// Validate 校验所有原子模板并做静态环检测
func (t DAGTemplate) Validate() error {
	if t.Intent == "" {
		return types.NewError(types.ErrInvalidTemplate, "intent is required")
	}
	if len(t.Atoms) == 0 {
		return types.Errorf(types.ErrInvalidTemplate, "intent %s has no atoms", t.Intent)
	}
	nodes := make([]AtomNode, 0, len(t.Atoms))
	for _, a := range t.Atoms {
		if err := a.Validate(); err != nil {
			return err
		}
		nodes = append(nodes, AtomNode{AtomID: a.AtomID, DependsOn: a.DependsOn})
	}
	_, err := ValidateDAG(nodes)
	return err
}

// Instantiate 实例化全部原子并校验，返回按拓扑序排列的 Plan。
func (t DAGTemplate) Instantiate(reqCtx map[string]any) (*Plan, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	byID := make(map[string]AtomNode, len(t.Atoms))
	nodes := make([]AtomNode, 0, len(t.Atoms))
	for _, a := range t.Atoms {
		n := a.Instantiate(reqCtx)
		byID[n.AtomID] = n
		nodes = append(nodes, n)
	}
	order, err := ValidateDAG(nodes)
	if err != nil {
		return nil, err
	}

	seq := make([]AtomNode, 0, len(order))
	for _, id := range order {
		seq = append(seq, byID[id])
	}
	return &Plan{
		Intent:     t.Intent,
		Version:    t.Version,
		Sequence:   seq,
		TotalAtoms: len(seq),
	}, nil
}

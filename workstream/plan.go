package workstream

import "slices"

// Plan 实例化后的执行计划，Sequence 为拓扑序。
type Plan struct {
	Intent     string     `json:"intent"`
	Version    string     `json:"version"`
	Sequence   []AtomNode `json:"sequence"`
	TotalAtoms int        `json:"total_atoms"`
}

// Node 按 ID 查找节点
func (p *Plan) Node(atomID string) (AtomNode, bool) {
	for _, n := range p.Sequence {
		if n.AtomID == atomID {
			return n, true
		}
	}
	return AtomNode{}, false
}

// Downstream 返回所有直接或间接依赖 atomID 的节点，按拓扑序排列。
func (p *Plan) Downstream(atomID string) []string {
	affected := map[string]bool{atomID: true}
	var out []string
	for _, n := range p.Sequence {
		if affected[n.AtomID] {
			continue
		}
		if slices.ContainsFunc(n.DependsOn, func(dep string) bool { return affected[dep] }) {
			affected[n.AtomID] = true
			out = append(out, n.AtomID)
		}
	}
	return out
}

// Ancestors 返回 atomID 的全部祖先，由近及远（广度优先）。
func (p *Plan) Ancestors(atomID string) []string {
	start, ok := p.Node(atomID)
	if !ok {
		return nil
	}
	seen := map[string]bool{atomID: true}
	queue := slices.Clone(start.DependsOn)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		if n, ok := p.Node(cur); ok {
			queue = append(queue, n.DependsOn...)
		}
	}
	return out
}

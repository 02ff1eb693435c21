package workstream

import (
	"slices"
	"strings"

	"github.com/BaSui01/workstream/types"
)

// ValidateDAG 静态校验节点集合并返回拓扑序。
// 同层就绪节点保持输入顺序，结果确定。
// 重复 ID 返回 INVALID_TEMPLATE，未知依赖返回 UNKNOWN_DEPENDENCY，存在环返回 TEMPLATE_CYCLE。
func ValidateDAG(nodes []AtomNode) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.AtomID == "" {
			return nil, types.Errorf(types.ErrInvalidTemplate, "node at position %d has empty atom_id", i)
		}
		if _, dup := index[n.AtomID]; dup {
			return nil, types.Errorf(types.ErrInvalidTemplate, "duplicate atom_id %q", n.AtomID).WithAtom(n.AtomID)
		}
		index[n.AtomID] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, dep := range n.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, types.Errorf(types.ErrUnknownDependency,
					"atom %s depends on unknown atom %s", n.AtomID, dep).WithAtom(n.AtomID)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn：就绪队列按原始位置排序
	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, nodes[cur].AtomID)
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				pos, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, pos, next)
			}
		}
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, nodes[i].AtomID)
			}
		}
		return nil, types.Errorf(types.ErrTemplateCycle,
			"dependency cycle among atoms: %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

// RuntimeValidate 运行期检查节点能否执行。
// 任一依赖未完成返回 DEPENDENCY_NOT_MET；
// 输入指纹与上次相同且未强制执行时返回 false，表示无需重跑。
func RuntimeValidate(node AtomNode, completed map[string]bool, inputHash string, previousInputs map[string]string, force bool) (bool, error) {
	var missing []string
	for _, dep := range node.DependsOn {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return false, types.Errorf(types.ErrDependencyNotMet,
			"atom %s waiting on: %s", node.AtomID, strings.Join(missing, ", ")).WithAtom(node.AtomID)
	}

	if force || inputHash == "" {
		return true, nil
	}
	if prev, ok := previousInputs[node.AtomID]; ok && prev == inputHash {
		return false, nil
	}
	return true, nil
}

// MockInvoker 的原子调用测试模拟实现。
//
// 支持按原子设置固定输出、前 N 次失败、持续错误与自定义函数。
package mocks

import (
	"context"
	"maps"
	"sync"

	"github.com/BaSui01/workstream/workstream"
)

// MockInvokerCall 记录单次调用
type MockInvokerCall struct {
	AtomID string
	Input  map[string]any
	Error  error
}

type atomScript struct {
	output    map[string]any
	metadata  map[string]any
	err       error
	failFirst int
	fn        func(ctx context.Context, node workstream.AtomNode, input map[string]any) (workstream.AtomResult, error)
}

// MockInvoker 是 workstream.Invoker 的模拟实现。
// 未配置的原子返回 {"atom": <atom_id>}。
type MockInvoker struct {
	mu      sync.Mutex
	scripts map[string]*atomScript
	calls   []MockInvokerCall
	counts  map[string]int
}

// NewMockInvoker 创建新的 MockInvoker
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		scripts: make(map[string]*atomScript),
		counts:  make(map[string]int),
	}
}

func (m *MockInvoker) script(atomID string) *atomScript {
	s, ok := m.scripts[atomID]
	if !ok {
		s = &atomScript{}
		m.scripts[atomID] = s
	}
	return s
}

// WithOutput 设置原子的固定输出
func (m *MockInvoker) WithOutput(atomID string, output map[string]any) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script(atomID).output = output
	return m
}

// WithMetadata 设置原子返回的元数据
func (m *MockInvoker) WithMetadata(atomID string, metadata map[string]any) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script(atomID).metadata = metadata
	return m
}

// WithError 设置原子始终返回的错误
func (m *MockInvoker) WithError(atomID string, err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script(atomID).err = err
	return m
}

// WithFailures 原子前 n 次调用返回 err，之后成功
func (m *MockInvoker) WithFailures(atomID string, n int, err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.script(atomID)
	s.failFirst = n
	s.err = err
	return m
}

// WithFunc 设置自定义调用函数，优先于其他配置
func (m *MockInvoker) WithFunc(atomID string, fn func(ctx context.Context, node workstream.AtomNode, input map[string]any) (workstream.AtomResult, error)) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script(atomID).fn = fn
	return m
}

// Invoke 实现 workstream.Invoker
func (m *MockInvoker) Invoke(ctx context.Context, node workstream.AtomNode, input map[string]any) (workstream.AtomResult, error) {
	m.mu.Lock()
	m.counts[node.AtomID]++
	n := m.counts[node.AtomID]
	s := m.scripts[node.AtomID]
	m.mu.Unlock()

	var (
		res workstream.AtomResult
		err error
	)
	switch {
	case s != nil && s.fn != nil:
		res, err = s.fn(ctx, node, input)
	case s != nil && s.err != nil && (s.failFirst == 0 || n <= s.failFirst):
		err = s.err
	case s != nil && s.output != nil:
		res = workstream.AtomResult{Output: maps.Clone(s.output), Metadata: maps.Clone(s.metadata)}
	default:
		res = workstream.AtomResult{Output: map[string]any{"atom": node.AtomID}}
		if s != nil {
			res.Metadata = maps.Clone(s.metadata)
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockInvokerCall{AtomID: node.AtomID, Input: input, Error: err})
	m.mu.Unlock()
	return res, err
}

// CallCount 返回原子被调用的次数
func (m *MockInvoker) CallCount(atomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[atomID]
}

// Calls 返回全部调用记录
func (m *MockInvoker) Calls() []MockInvokerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockInvokerCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset 清空调用记录
func (m *MockInvoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.counts = make(map[string]int)
}

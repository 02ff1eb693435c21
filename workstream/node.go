package workstream

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Idempotency 描述原子的副作用性质。
type Idempotency string

const (
	// IdempotencyPure 纯函数原子：相同输入必得相同输出，可短路与缓存。
	IdempotencyPure Idempotency = "pure"
	// IdempotencyEffectful 有副作用原子：每次请求都必须真正调用。
	IdempotencyEffectful Idempotency = "effectful"
)

// Valid reports whether the value is a known idempotency class.
func (i Idempotency) Valid() bool {
	return i == IdempotencyPure || i == IdempotencyEffectful
}

// AtomNode 是模板实例化后的具体执行节点。
type AtomNode struct {
	AtomID      string         `json:"atom_id"`
	Endpoint    string         `json:"endpoint"`
	Purpose     string         `json:"purpose,omitempty"`
	Idempotency Idempotency    `json:"idempotency"`
	Version     string         `json:"version"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Pure reports whether the node may be short-circuited or memoized.
func (n AtomNode) Pure() bool {
	return n.Idempotency == IdempotencyPure
}

// Clone returns a copy that shares no slices or maps with n.
func (n AtomNode) Clone() AtomNode {
	n.DependsOn = slices.Clone(n.DependsOn)
	n.Parameters = maps.Clone(n.Parameters)
	return n
}

// AtomResult 是一次成功调用的返回。
type AtomResult struct {
	Output   map[string]any `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AtomError 是原子调用失败时的结构化错误，Category 用于重试策略的中止分类。
type AtomError struct {
	Category  string
	Message   string
	Retryable bool
	Cause     error
}

func (e *AtomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AtomError) Unwrap() error { return e.Cause }

// ErrorCategory implements retry.Categorized.
func (e *AtomError) ErrorCategory() string { return e.Category }

// Invoker 负责真正调用一个原子服务。
type Invoker interface {
	Invoke(ctx context.Context, node AtomNode, input map[string]any) (AtomResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, node AtomNode, input map[string]any) (AtomResult, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, node AtomNode, input map[string]any) (AtomResult, error) {
	return f(ctx, node, input)
}

package workstream

import (
	"context"
	"maps"
	"sync"
)

// AtomIdentity 唯一标识一次原子调用：原子名、规范输入指纹与版本。
type AtomIdentity struct {
	Name      string `json:"name"`
	InputHash string `json:"input_hash"`
	Version   string `json:"version"`
}

// Key 返回用于存储的复合键。
func (id AtomIdentity) Key() string {
	return id.Name + ":" + id.Version + ":" + id.InputHash
}

// Memoizer 缓存纯函数原子的输出，跨运行共享。
type Memoizer interface {
	// Get 返回缓存的输出；未命中时 ok 为 false
	Get(ctx context.Context, id AtomIdentity) (output map[string]any, ok bool, err error)

	// Set 写入输出
	Set(ctx context.Context, id AtomIdentity, output map[string]any) error
}

// MemoryMemoizer 进程内 Memoizer 实现，并发安全。
type MemoryMemoizer struct {
	mu    sync.RWMutex
	cache map[string]map[string]any
}

// NewMemoryMemoizer 创建进程内 Memoizer
func NewMemoryMemoizer() *MemoryMemoizer {
	return &MemoryMemoizer{cache: make(map[string]map[string]any)}
}

// Get 实现 Memoizer.Get
func (m *MemoryMemoizer) Get(_ context.Context, id AtomIdentity) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.cache[id.Key()]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(out), true, nil
}

// Set 实现 Memoizer.Set
func (m *MemoryMemoizer) Set(_ context.Context, id AtomIdentity, output map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[id.Key()] = maps.Clone(output)
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryMemoizer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Clear drops every entry.
func (m *MemoryMemoizer) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]map[string]any)
}

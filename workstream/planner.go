package workstream

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/workstream/types"
)

// Planner 根据意图选择模板并实例化为 Plan。注册表可在运行中整体替换。
type Planner struct {
	mu       sync.RWMutex
	registry Registry
	logger   *zap.Logger
}

// NewPlanner 创建 Planner，注册表非法时返回错误。
func NewPlanner(registry Registry, logger *zap.Logger) (*Planner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return &Planner{
		registry: maps.Clone(registry),
		logger:   logger.With(zap.String("component", "planner")),
	}, nil
}

// Plan 为意图生成执行计划，未知意图返回 UNKNOWN_INTENT。
func (p *Planner) Plan(intent string, reqCtx map[string]any) (*Plan, error) {
	p.mu.RLock()
	tmpl, ok := p.registry[intent]
	p.mu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrUnknownIntent, "no template registered for intent %q", intent)
	}
	plan, err := tmpl.Instantiate(reqCtx)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("plan created",
		zap.String("intent", intent),
		zap.String("version", plan.Version),
		zap.Int("total_atoms", plan.TotalAtoms),
	)
	return plan, nil
}

// Reload 校验新注册表后整体替换；校验失败时保留旧注册表。
func (p *Planner) Reload(registry Registry) error {
	if err := registry.Validate(); err != nil {
		p.logger.Error("template reload rejected", zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.registry = maps.Clone(registry)
	p.mu.Unlock()

	p.logger.Info("templates reloaded", zap.Int("intents", len(registry)))
	return nil
}

// Intents 返回已注册意图，按名称排序
func (p *Planner) Intents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.registry))
}

// Template returns the template registered for intent.
func (p *Planner) Template(intent string) (DAGTemplate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.registry[intent]
	return t, ok
}

package config

import (
	"slices"

	"github.com/BaSui01/workstream/circuitbreaker"
	"github.com/BaSui01/workstream/retry"
	"github.com/BaSui01/workstream/workstream"
)

// EngineConfig 把文件配置转换为 workstream.EngineConfig
func (c *Config) EngineConfig() workstream.EngineConfig {
	return workstream.EngineConfig{
		Store: workstream.StoreConfig{
			DedupeBudget:        c.Engine.DedupeBudget,
			Cooldown:            c.Engine.Cooldown,
			MaxBacktracks:       c.Engine.MaxBacktracks,
			BacktrackTimeBudget: c.Engine.BacktrackTimeBudget,
		},
		Loop: workstream.LoopConfig{
			Window:               c.Loop.Window,
			InputRepeatThreshold: c.Loop.InputRepeatThreshold,
			RatioThreshold:       c.Loop.RatioThreshold,
			StallThreshold:       c.Loop.StallThreshold,
			PerNodeTimeBudget:    c.Loop.PerNodeTimeBudget,
		},
		Retry: retry.Policy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseBackoff: c.Retry.BaseBackoff,
			Jitter:      c.Retry.Jitter,
			AbortOn:     slices.Clone(c.Retry.AbortOn),
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTime:     c.Breaker.RecoveryTime,
		},
		MaxParallel:    c.Engine.MaxParallel,
		ShortCircuit:   c.Engine.ShortCircuit,
		VolatileFields: slices.Clone(c.Engine.VolatileFields),
	}
}

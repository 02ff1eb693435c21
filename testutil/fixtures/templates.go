// Package fixtures 提供测试用的模板与注册表样例。
package fixtures

import (
	"fmt"

	"github.com/BaSui01/workstream/workstream"
)

// WeatherTemplate 四步线性模板，最后一步有副作用
func WeatherTemplate() workstream.DAGTemplate {
	return workstream.DAGTemplate{
		Intent:  "weather_report",
		Version: "1",
		Atoms: []workstream.AtomTemplate{
			{AtomID: "geocode", Endpoint: "/atoms/geocode", Idempotency: workstream.IdempotencyPure, Version: "1"},
			{AtomID: "forecast", Endpoint: "/atoms/forecast", Idempotency: workstream.IdempotencyPure, Version: "1",
				DependsOn: []string{"geocode"}},
			{AtomID: "summarize", Endpoint: "/atoms/summarize", Idempotency: workstream.IdempotencyPure, Version: "1",
				DependsOn: []string{"forecast"}},
			{AtomID: "notify", Endpoint: "/atoms/notify", Idempotency: workstream.IdempotencyEffectful, Version: "1",
				DependsOn: []string{"summarize"}},
		},
	}
}

// DiamondTemplate root -> (left, right) -> join
func DiamondTemplate() workstream.DAGTemplate {
	return workstream.DAGTemplate{
		Intent:  "diamond",
		Version: "1",
		Atoms: []workstream.AtomTemplate{
			{AtomID: "root", Endpoint: "/atoms/root", Idempotency: workstream.IdempotencyPure, Version: "1"},
			{AtomID: "left", Endpoint: "/atoms/left", Idempotency: workstream.IdempotencyPure, Version: "1",
				DependsOn: []string{"root"}},
			{AtomID: "right", Endpoint: "/atoms/right", Idempotency: workstream.IdempotencyPure, Version: "1",
				DependsOn: []string{"root"}},
			{AtomID: "join", Endpoint: "/atoms/join", Idempotency: workstream.IdempotencyPure, Version: "1",
				DependsOn: []string{"left", "right"}},
		},
	}
}

// FanOutTemplate 一个根节点加 n 个并行叶子
func FanOutTemplate(n int) workstream.DAGTemplate {
	atoms := []workstream.AtomTemplate{
		{AtomID: "root", Endpoint: "/atoms/root", Idempotency: workstream.IdempotencyPure, Version: "1"},
	}
	for i := 0; i < n; i++ {
		atoms = append(atoms, workstream.AtomTemplate{
			AtomID:      fmt.Sprintf("leaf-%d", i),
			Endpoint:    "/atoms/leaf",
			Idempotency: workstream.IdempotencyPure,
			Version:     "1",
			DependsOn:   []string{"root"},
		})
	}
	return workstream.DAGTemplate{Intent: "fan_out", Version: "1", Atoms: atoms}
}

// Registry 返回包含全部样例模板的注册表
func Registry() workstream.Registry {
	return workstream.Registry{
		"weather_report": WeatherTemplate(),
		"diamond":        DiamondTemplate(),
		"fan_out":        FanOutTemplate(3),
	}
}

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 workstream 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（WORKSTREAM_<SECTION>_<FIELD>）
// 的顺序叠加，Config.EngineConfig 将其转换为引擎使用的
// workstream.EngineConfig。模板文件的热加载由 workstream.TemplateWatcher 负责。
package config

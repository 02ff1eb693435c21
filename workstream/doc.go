// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workstream 提供基于 DAG 的原子任务（atom）编排执行引擎。

# 概述

一个 workstream 由意图（intent）驱动：Planner 根据意图选取 DAGTemplate，
实例化为带拓扑顺序的 Plan；Runner 按依赖关系调度每个 AtomNode，
通过 Invoker 调用远端原子服务，并把结果写入按运行隔离的 ContextStore。

# 核心组件

  - Normalize / NormalizeOutput：剔除易变字段后生成规范 JSON 的 SHA-256 指纹
  - Memoizer：按 (atom, input hash, version) 缓存纯函数原子的输出
  - ExecutionPolicy：熔断 + 指数退避重试 + 遥测的单原子执行策略
  - ContextStore：追加式快照日志，负责去重预算、短路、冷却与回溯预算
  - LoopDetector：基于滑动窗口识别重复输入、抖动、停滞等循环模式
  - ValidateDAG / RuntimeValidate：静态环检测与运行期依赖检查
  - Workstream：单次运行的可变状态，串行化所有状态变更
  - Runner：按波次并行驱动整个 Plan，处理循环信号与回溯

# 并发模型

单次运行内的 ContextStore、LoopDetector、Telemetry 与熔断器都是运行私有的，
所有变更在 Workstream 的互斥锁下串行执行；原子调用本身在锁外并发进行，
并发度由 EngineConfig.MaxParallel 限制。
*/
package workstream

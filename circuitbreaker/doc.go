// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供基于失败阈值与恢复窗口的熔断器。

# 概述

熔断器只维护两个计数：连续失败次数与最后一次失败时间。
失败次数达到 FailureThreshold 且距最后一次失败不足 RecoveryTime 时处于 Open；
恢复窗口过去后允许一次探测（HalfOpen，按 Closed 处理），
探测成功即完全关闭，探测失败则重新打开并重启窗口。
没有独立的半开探测计数器。

# 核心类型

  - Breaker — 熔断器（RecordFailure / RecordSuccess / IsOpen / State）
  - Config  — 熔断器配置
  - State   — Closed / Open / HalfOpen
*/
package circuitbreaker

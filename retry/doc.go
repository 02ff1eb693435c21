// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package retry 提供带抖动的有界指数退避重试策略。

# 概述

Policy 描述一次原子调用最多尝试多少次、两次尝试之间等待多久，
以及哪些错误类别（abort 类）应跳过剩余重试立即向上传播。
BackoffTime 按 base * 2^(attempt-1) ± jitter 计算等待时间，下限为 0。

# 核心类型

  - Policy       — 重试策略配置（MaxAttempts / BaseBackoff / Jitter / AbortOn）
  - Retryer      — 通用重试器接口（Do / DoWithResult）
  - Categorized  — 暴露错误类别的错误接口，供 abort 判定使用

# 主要能力

  - 指数退避 + 均匀抖动，Rand 可注入以便测试
  - Wait 在退避期间监听 context 取消
  - DoWithResultTyped 泛型包装，省去类型断言
*/
package retry

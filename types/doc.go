// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 workstream 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workstream、retry、
circuitbreaker 以及 cmd 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable、AtomID 标记
  - 配置错误：UNKNOWN_INTENT / TEMPLATE_CYCLE / UNKNOWN_DEPENDENCY / INVALID_TEMPLATE
  - 执行错误：ATOM_FAILED / ATOM_ABORTED / RETRIES_EXHAUSTED / CIRCUIT_OPEN / DEPENDENCY_NOT_MET
  - 运行安全：DEDUPE_BUDGET_EXCEEDED / BACKTRACK_BUDGET_EXCEEDED / LOOP_UNRECOVERABLE

# 主要能力

  - 错误工具链：IsCode / GetErrorCode / IsRetryable（均基于 errors.As，支持包装错误）
  - 错误分类：IsConfigurationError / IsFatal
*/
package types

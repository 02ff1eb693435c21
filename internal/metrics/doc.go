// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 把 workstream 遥测事件转换为 Prometheus 指标。

# 概述

Collector 实现 workstream.TelemetrySink，通过 workstream.WithSink
注入引擎后，每条重试、去重、熔断、循环、回溯与执行事件都会落到
对应的 Counter / Histogram 上。指标通过 promauto 注册到默认
Registry，由 cmd/workstream 的 /metrics 端点暴露。

# 指标

  - atom_executions_total{intent,atom_id,status}
  - atom_execution_duration_seconds{intent,atom_id}
  - atom_retries_total / atom_duplicates_total / circuit_trips_total
  - loops_detected_total{intent,reason} / backtracks_total
  - runs_total{intent,status} / run_duration_seconds
  - run_archive_duration_seconds{status}
*/
package metrics

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 workstream 命令行入口。

# 子命令

  - validate：加载并校验模板文件
  - plan：为意图实例化执行计划并输出（json/yaml）
  - run：规划并执行一个意图，原子通过 HTTP 调用原子服务
  - serve：启动 HTTP 服务，提供 /v1/runs、/v1/intents、/metrics、
    /healthz、/readyz，并在 templates.watch 开启时热加载模板
  - runs：查询运行归档
  - version：输出构建信息（Version、BuildTime、GitCommit 由 ldflags 注入）

# 装配

app 按配置依次创建模板 Planner、Prometheus Collector、OTel Providers、
记忆化后端（memory 或 redis）、运行归档（database.driver 非空时）与
原子 HTTP 客户端，最后组装 workstream.Runner。

模板或配置错误以退出码 2 结束，其余失败为 1。
*/
package main

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server 管理 workstream serve 暴露的运维 HTTP 服务。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 在 ctx 结束
或服务异常退出时触发优雅关闭，Shutdown 可重复调用。信号处理由
调用方通过 signal.NotifyContext 完成。

ConfigFrom 把 config.ServerConfig（metrics_port、read_timeout、
shutdown_timeout）映射为监听配置。
*/
package server

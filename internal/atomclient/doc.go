// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 atomclient 提供 workstream.Invoker 的 HTTP 实现。

每次调用向 {base_url}{endpoint} 发送 POST，请求体为
{atom_id, version, purpose, input}，2xx 响应体为 {output, metadata}。

错误映射：

  - 4xx → AtomError{Category: "client_error", Retryable: false}
  - 429 → AtomError{Category: "rate_limited", Retryable: true}
  - 5xx → AtomError{Category: "server_error", Retryable: true}
  - 连接失败、超时 → AtomError{Category: "transport", Retryable: true}

服务端可以在错误体 {"error": {"category", "message"}} 中指定更精确的类别，
配合 retry.Policy.AbortOn 使用。出站请求经过 rate.Limiter 限流，
并携带 run / atom / trace 标识与 W3C trace context。
*/
package atomclient

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 workstream 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual
  - 时间辅助: FakeClock 可手动推进的时钟，配合 workstream.WithClock 使用

# 子包

  - testutil/mocks: MockInvoker，按原子脚本化输出、失败次数与错误注入，并记录调用
  - testutil/fixtures: 预置 DAGTemplate 与模板注册表

# 使用示例

	ctx := testutil.TestContext(t)
	inv := mocks.NewMockInvoker().WithOutput("geocode", map[string]any{"lat": 1.0})
	runner := workstream.NewRunner(ec, inv)
*/
package testutil

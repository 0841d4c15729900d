// 版权所有 2024 GuardFlow Authors. All rights reserved.
// 此源代码的使用受 MIT 许可证管辖，许可证可在 LICENSE 文件中找到。

/*
Package testutil 提供 GuardFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode / AssertQuotaDenied / AssertMessagesEqual
  - 异步断言: AssertEventuallyTrue / WaitFor，用于等待异步持久化完成

# 子包

  - testutil/mocks: MockAdapter（上游模型适配器，支持意图尾行、延迟与
    错误注入）、RecordingSink（审计记录与告警写入）
  - testutil/fixtures: 用户、任务、任务分配、消息与历史记录工厂

# 使用示例

	adapter := mocks.NewMockAdapter().WithIntent("done", "coding", 0.9)
	resp, err := p.Process(testutil.TestContext(t), pipeline.Request{
		User:       fixtures.DefaultUser("u1"),
		Task:       fixtures.CodingTask("t1"),
		Assignment: fixtures.Assignment("u1", "t1"),
		Messages:   fixtures.Prompt("fix my loop"),
	})
*/
package testutil

// 版权所有 2024 GuardFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义治理管线访问上游模型服务的适配器契约。

# 概述

管线只依赖 [Adapter] 接口：一次调用携带注入的系统指令、对话消息、
响应 Token 上限与超时，返回回复正文与 Token 用量。具体实现位于子包：

  - openaicompat：OpenAI 兼容的 HTTP 接口，带提供方级别限速
  - tokenizer：上游未返回用量时的本地 Token 计数

# 错误语义

适配器返回 [types.Error]：超时为 UPSTREAM_TIMEOUT，其余失败为
UPSTREAM_ERROR。管线不在进程内重试。
*/
package llm

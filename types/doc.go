// Copyright (c) GuardFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 GuardFlow 治理管线的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 governance、llm、store
等上层模块提供统一的数据契约。用户身份、任务配置、任务分配、请求审计记录、
告警以及错误码均定义于此，以避免循环依赖。

# 核心类型

  - User / Quotas：用户身份、配额、用量计数器、偏离分数与封禁状态
  - Task / TaskKind：任务配置；TaskKind 为封闭的 DummyTask / RegularTask 变体
  - TaskAssignment：每个 (用户, 任务) 的累计 Token 用量
  - RequestRecord：一次请求的不可变审计记录
  - Alert：异常告警及其状态流转
  - Message / Role：对话消息
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与配额明细

# 主要能力

  - Context 传播：WithRequestID / WithTenantID / WithUserID / WithTaskID
  - 错误工具链：AsError / IsErrorCode / HTTPStatusOf / IsRetryable
  - 常用错误构造：NewQuotaExceededError / NewRateLimitedError / NewUpstreamTimeoutError
  - 告警状态机：AlertStatus.CanTransitionTo
*/
package types

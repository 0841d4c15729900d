// 版权所有 2024 GuardFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的治理管线指标采集。

# 概述

Collector 使用 promauto 注册到默认 Registry，所有指标按 namespace 隔离，
由运维端口的 /metrics 暴露。Record 方法对 nil 接收者安全，
未启用指标时组件可直接传入 nil。

# 指标分组

  - HTTP：运维端点请求数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 治理：请求最终状态、准入拒绝（按错误码与配额类型）、安全过滤结果、
    偏离增量分布、自动封禁、告警、限流降级放行。
  - 上游：调用次数、耗时与 Token 用量，按 provider/model 分组。
  - 异步写入：任务池满时被丢弃的记录与告警。
  - 数据库：活跃/空闲连接数。
*/
package metrics

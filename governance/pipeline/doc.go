// 版权所有 2024 GuardFlow Authors. All rights reserved.
// 此源代码的使用受 MIT 许可证管辖，许可证可在 LICENSE 文件中找到。

/*
Package pipeline 把单次补全请求串联为完整的治理流程。

# 生命周期

	Received → QuotaPrecheck → ContentGate → UpstreamCall
	         → UsageAccounting → AnomalyCheck → Recorded

准入拒绝与安全拦截直接进入 Recorded{blocked}，不调用上游；
上游失败进入 Recorded{error}，不记账、不评分、不产生告警。

准入检查中小时限流排在最后：被封禁、任务或配额拒绝的请求不占用限流次数。

# 安全拦截告警

安全过滤判定为 block 时，管线自行通过 anomaly.Engine.Raise 登记一条
suspicious_content（high）告警。它不属于异常引擎基于用量的三类检测
（单次大请求、连续大请求、快速消耗），只在拦截路径上触发。

# 并发

配额检查与记账分别在账户存储的用户级原子区内完成，
上游调用期间不持有任何锁。审计记录与告警通过任务池异步写入，
响应路径不等待持久化。

# 任务变体

哑任务（DummyTask）经过安全过滤后直接调用上游，跳过意图评分；
常规任务（RegularTask）注入分类指令，并在回复后计算偏离增量。
*/
package pipeline

/*
guardflow 是 GuardFlow 治理服务的进程入口。

子命令：

  - serve：按配置组装账户存储、限流、安全过滤、上游适配器、偏离评分与
    异常告警，启动运维端口（/health、/ready、/version）与指标端口
    （/metrics），并运行日/月用量清零调度与治理参数热更新
  - migrate：基于内嵌 SQL 管理数据库 Schema 版本
  - health：探测运行中实例的 /health
  - version：输出构建信息
*/
package main

// 版权所有 2024 GuardFlow Authors. All rights reserved.
// 此源代码的使用受 MIT 许可证管辖，许可证可在 LICENSE 文件中找到。

/*
Package database 提供基于 GORM 的数据库连接池管理。

# 概述

Open 按 config.DatabaseConfig 选择方言（postgres、mysql 或纯 Go 的
sqlite），打开 GORM 实例并交给 PoolManager 管理。PoolManager 负责
连接池参数、后台探活与关闭，账户存储通过 DB() 获取 GORM 实例。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB、Ping、Stats、
    Close 等生命周期方法
  - PoolConfig：最大空闲/打开连接数、生命周期与探活间隔
  - PoolStats：连接池快照，可通过 WithStatsHook 上报指标

# 瞬时错误

IsRetryableError 识别死锁、序列化失败与 SQLite 写锁竞争等瞬时错误，
账户存储的乐观锁重试循环遇到这类错误时会再试一次。
*/
package database

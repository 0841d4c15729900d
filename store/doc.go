// Copyright (c) GuardFlow Authors.
// Licensed under the MIT License.

/*
Package store 提供治理管线的持久化契约与两种实现。

# 概述

store 定义账户原子更新（Accounts）、请求历史查询（History）、
审计记录写入（RecordSink）与告警存储（AlertStore）四组接口。
配额计数器、偏离分数与封禁状态只能经由 Accounts.UpdateAccount
在用户级串行边界内修改。

# 实现

  - MemoryStore：进程内实现，按用户加锁，适用于单实例部署与测试
  - GormStore：基于 GORM 的关系型实现，事务 + version 列乐观锁，
    冲突时有限次重试；支持 PostgreSQL、MySQL 与 SQLite

子包 archive 提供基于 MongoDB 的审计归档写入。
*/
package store

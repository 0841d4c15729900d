/*
Package migration 管理 GuardFlow 治理表的 Schema 版本。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，覆盖
users、tasks、user_tasks、request_logs 与 alerts 五张表，列定义与
store 包的 GORM 模型一致（含乐观锁 version 列）。SchemaMigrator
基于 golang-migrate 执行 up/down/steps/goto/force，CLI 为
`guardflow migrate` 子命令提供表格化输出。

sqlite 方言使用 golang-migrate 的 sqlite3 驱动，需要开启 cgo 构建。
*/
package migration

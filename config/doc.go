// Package config 提供 GuardFlow 的配置管理功能。
//
// 包含配置加载、默认值、校验以及治理参数的热更新。
// 支持从 YAML 文件与环境变量加载配置，环境变量优先。
package config

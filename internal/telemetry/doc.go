// Package telemetry 封装 OpenTelemetry SDK 初始化，并为治理管线各阶段提供 span 辅助函数。
// 未启用遥测时使用 noop 实现，不连接任何外部服务。
package telemetry

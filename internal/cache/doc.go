// 版权所有 2024 GuardFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理 GuardFlow 与 Redis 之间的连接。

# 概述

Manager 负责连接生命周期：初始化时 Ping 确认可达，后台定时健康检查，
Close 时停止检查并释放连接。限流器通过 Client 获取底层客户端，
就绪探针先看 Healthy 记录的后台检查结果，再用 Ping 确认。

# 核心类型

  - Manager：连接管理器，提供 Client / Ping / Healthy / Close。
  - Config：地址、密码、连接池、TLS 开关与健康检查间隔。
*/
package cache

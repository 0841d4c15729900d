/*
Package server 管理 GuardFlow 运维端口与指标端口的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞绑定端口，Shutdown 在
配置的超时内排空连接，Errors 暴露后台服务的异常退出。WaitForSignal
等待 SIGINT/SIGTERM 或任一服务器失败，由 cmd/guardflow 在收到后
依次关闭服务器、异步写入池与存储。
*/
package server

// Package tlsutil 集中管理出站连接（上游模型接口、Redis）的 TLS 设置。
package tlsutil

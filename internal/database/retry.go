package database

import "strings"

// transientPatterns 驱动错误文本中表示可重试的片段（已转小写）
var transientPatterns = []string{
	"deadlock",
	"serialization failure",
	// postgres: could not serialize access
	"40001",
	// sqlite 写锁竞争
	"database is locked",
	"sqlite_busy",
	// mysql 1205
	"lock wait timeout",
	"lock timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	// database/sql 的 driver.ErrBadConn
	"bad connection",
}

// IsRetryableError 判断错误是否为瞬时错误。存储层的乐观锁重试循环据此决定是否再试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

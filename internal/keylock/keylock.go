// Package keylock 提供按 key 互斥的锁。锁条目带引用计数，无人持有时即回收。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker 按 key 串行化。不同 key 之间只共享登记引用计数的短临界区
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New 创建 Locker
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock 获取 key 的锁并返回释放函数，释放函数可重复调用
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Do 持有 key 的锁执行 fn
func (l *Locker) Do(key string, fn func() error) error {
	unlock := l.Lock(key)
	defer unlock()
	return fn()
}

// Len 当前被持有或等待中的 key 数量
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

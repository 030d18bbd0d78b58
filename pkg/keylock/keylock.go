// Package keylock 提供按 key 划分的互斥锁。
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // 容量为 1，持有者占用唯一的槽位
	refs int
}

// KeyLock 对同一个 key 的持有者串行化，不同 key 之间互不影响。
// 不再被引用的 key 会被回收。
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New 创建一个 KeyLock。
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

func (k *KeyLock) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock 获取 key 对应的锁，ctx 结束时放弃等待并返回 ctx.Err()。
// 成功时返回的 unlock 必须且只能调用一次。
func (k *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	e := k.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

// Len 返回当前被引用的 key 数量。
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Package sessionlock 提供按会话 ID 划分的互斥锁注册表。
// 会话状态的每次变更（计数、状态迁移、过期判定）都必须在对应锁内完成，
// 以保证"最后一个分片只触发一次装配"的约束在并发提交下成立。
package sessionlock

import "sync"

// Registry 以会话 ID 为键惰性分配互斥锁。
type Registry struct {
	locks sync.Map // key: sessionID, value: *sync.Mutex
}

// NewRegistry 创建一个空的锁注册表。
func NewRegistry() *Registry {
	return &Registry{}
}

// Get 返回会话对应的互斥锁，不存在时创建。
func (r *Registry) Get(sessionID string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Forget 在会话进入终态后移除其锁，避免注册表随历史会话无限增长。
// 对已移除的 ID 再次 Get 会拿到新锁，终态会话不会再发生状态竞争。
func (r *Registry) Forget(sessionID string) {
	r.locks.Delete(sessionID)
}

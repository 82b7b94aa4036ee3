// Package presence 维护订阅句柄与用户之间的双向索引。
package presence

import (
	"sync"

	"github.com/google/uuid"
)

const subscriptionPrefix = "sub_"

// NewSubscriptionID 生成订阅 ID：sub_<uuid>
func NewSubscriptionID() string { return subscriptionPrefix + uuid.NewString() }

// Registry 进程内的订阅索引：subID -> userID 与 userID -> []subID。
// 两个索引由同一把读写锁保护，每次操作整体生效。
// 仅在进程生命周期内有效，不具备判定离线的权威，见 Tracker。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]uint64
	byUser map[uint64][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]uint64),
		byUser: make(map[uint64][]string),
	}
}

// Create 总是分配新句柄（多端登录）
func (r *Registry) Create(userID uint64) string {
	id := NewSubscriptionID()
	r.mu.Lock()
	r.add(userID, id)
	r.mu.Unlock()
	return id
}

// GetOrCreate 已有句柄时返回最早的一个，否则分配新句柄；created 表示是否新分配
func (r *Registry) GetOrCreate(userID uint64) (id string, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.byUser[userID]; len(subs) > 0 {
		return subs[0], false
	}
	id = NewSubscriptionID()
	r.add(userID, id)
	return id, true
}

// Hydrate 幂等插入，用于把持久化记录合并进内存
func (r *Registry) Hydrate(userID uint64, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byID[subID]; ok {
		if owner == userID {
			return
		}
		r.detach(owner, subID)
	}
	r.add(userID, subID)
}

func (r *Registry) Resolve(subID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[subID]
	return u, ok
}

// SubscriptionsOf 返回副本，调用方可随意修改
func (r *Registry) SubscriptionsOf(userID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byUser[userID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// Remove 移除单个句柄，返回其所属用户
func (r *Registry) Remove(subID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.byID[subID]
	if !ok {
		return 0, false
	}
	// 先清反向索引，再删正向索引
	r.detach(owner, subID)
	delete(r.byID, subID)
	return owner, true
}

// RemoveAll 移除用户全部句柄，返回被移除的句柄
func (r *Registry) RemoveAll(userID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.byUser[userID]
	delete(r.byUser, userID)
	for _, id := range subs {
		delete(r.byID, id)
	}
	return subs
}

// Len 当前句柄总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// add 调用方持有写锁
func (r *Registry) add(userID uint64, subID string) {
	r.byID[subID] = userID
	r.byUser[userID] = append(r.byUser[userID], subID)
}

// detach 调用方持有写锁；只动反向索引
func (r *Registry) detach(userID uint64, subID string) {
	subs := r.byUser[userID]
	for i, id := range subs {
		if id == subID {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byUser, userID)
		return
	}
	r.byUser[userID] = subs
}

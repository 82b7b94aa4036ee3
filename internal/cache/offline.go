// Package cache 基于 redis 的快速路径：离线重试队列、群消息已读集合、用户身份缓存。
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOfflineTTL 离线队列过期时间，每次写入都会重置
const DefaultOfflineTTL = 7 * 24 * time.Hour

// OfflineQueue 每个接收方一个 list：尾部追加、头部读取，回放顺序即写入顺序。
type OfflineQueue struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewOfflineQueue(rdb *redis.Client, ttl time.Duration) *OfflineQueue {
	if ttl <= 0 {
		ttl = DefaultOfflineTTL
	}
	return &OfflineQueue{rdb: rdb, ttl: ttl}
}

func OfflineKey(recipient string) string { return "offline:" + recipient }

// Push 追加一条并刷新过期时间
func (q *OfflineQueue) Push(ctx context.Context, recipient string, payload []byte) error {
	key := OfflineKey(recipient)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("offline push %s: %w", recipient, err)
	}
	return nil
}

// Drain 取出全部并删除（最早的在前）。LRANGE 与 DEL 在同一事务里执行，
// 中间不会丢掉并发写入的条目。
func (q *OfflineQueue) Drain(ctx context.Context, recipient string) ([][]byte, error) {
	key := OfflineKey(recipient)
	var rng *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offline drain %s: %w", recipient, err)
	}
	return toBytes(rng.Val()), nil
}

// Peek 只读不删
func (q *OfflineQueue) Peek(ctx context.Context, recipient string) ([][]byte, error) {
	vals, err := q.rdb.LRange(ctx, OfflineKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return toBytes(vals), nil
}

func (q *OfflineQueue) Len(ctx context.Context, recipient string) (int64, error) {
	return q.rdb.LLen(ctx, OfflineKey(recipient)).Result()
}

func toBytes(vals []string) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

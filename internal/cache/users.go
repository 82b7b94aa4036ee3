package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
)

// UserSnapshot 投递路径需要的最小身份信息
type UserSnapshot struct {
	ID     uint64 `json:"id"`
	OpenID string `json:"open_id"`
	Name   string `json:"name"`
}

// UserDirectory 身份解析的 cache-aside 封装：先 MGET 批量命中，
// 未命中的引用一次性回库并回填。群发时成员列表整体走这里。
type UserDirectory struct {
	users repository.UserRepository
	rdb   *redis.Client
	ttl   time.Duration
}

func NewUserDirectory(users repository.UserRepository, rdb *redis.Client, ttl time.Duration) *UserDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &UserDirectory{users: users, rdb: rdb, ttl: ttl}
}

func userKey(ref string) string { return "user:ref:" + ref }

// Resolve 解析单个引用；未知引用返回 repository.ErrNotFound
func (d *UserDirectory) Resolve(ctx context.Context, ref string) (*UserSnapshot, error) {
	got, err := d.ResolveMany(ctx, []string{ref})
	if err != nil {
		return nil, err
	}
	snap, ok := got[ref]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return snap, nil
}

// ResolveMany 返回 ref -> snapshot；无法解析的引用不在结果中
func (d *UserDirectory) ResolveMany(ctx context.Context, refs []string) (map[string]*UserSnapshot, error) {
	out := make(map[string]*UserSnapshot, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = userKey(ref)
	}
	// 缓存不可用时直接回库
	if vals, err := d.rdb.MGet(ctx, keys...).Result(); err == nil {
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var snap UserSnapshot
			if uErr := json.Unmarshal([]byte(str), &snap); uErr == nil {
				out[refs[i]] = &snap
			}
		}
	}

	missing := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := out[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := d.users.ResolveMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	pipe := d.rdb.Pipeline()
	for ref, u := range loaded {
		snap := snapshotOf(u)
		out[ref] = snap
		if payload, err := json.Marshal(snap); err == nil {
			pipe.Set(ctx, userKey(ref), payload, d.ttl)
		}
	}
	if pipe.Len() > 0 {
		_, _ = pipe.Exec(ctx)
	}
	return out, nil
}

func snapshotOf(u *model.User) *UserSnapshot {
	return &UserSnapshot{ID: u.ID, OpenID: u.OpenID, Name: u.Name}
}

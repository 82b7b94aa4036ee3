package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultGroupReadTTL = 30 * 24 * time.Hour

// GroupReadState 群消息逐成员已读：每条消息一个集合，避免在消息表上按成员扇出写。
type GroupReadState struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGroupReadState(rdb *redis.Client, ttl time.Duration) *GroupReadState {
	if ttl <= 0 {
		ttl = DefaultGroupReadTTL
	}
	return &GroupReadState{rdb: rdb, ttl: ttl}
}

func GroupReadKey(groupID, messageID string) string {
	return fmt.Sprintf("groupread:%s:%s", groupID, messageID)
}

func (s *GroupReadState) MarkRead(ctx context.Context, groupID, messageID, userID string) error {
	return s.MarkManyRead(ctx, groupID, []string{messageID}, userID)
}

// MarkManyRead 一次往返标记多条
func (s *GroupReadState) MarkManyRead(ctx context.Context, groupID string, messageIDs []string, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, mid := range messageIDs {
			key := GroupReadKey(groupID, mid)
			pipe.SAdd(ctx, key, userID)
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *GroupReadState) IsRead(ctx context.Context, groupID, messageID, userID string) (bool, error) {
	return s.rdb.SIsMember(ctx, GroupReadKey(groupID, messageID), userID).Result()
}

func (s *GroupReadState) Readers(ctx context.Context, groupID, messageID string) ([]string, error) {
	return s.rdb.SMembers(ctx, GroupReadKey(groupID, messageID)).Result()
}

func (s *GroupReadState) ReadCount(ctx context.Context, groupID, messageID string) (int64, error) {
	return s.rdb.SCard(ctx, GroupReadKey(groupID, messageID)).Result()
}

package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// GroupReadStatus 群消息已读情况
type GroupReadStatus struct {
	MessageID string   `json:"message_id"`
	Readers   []string `json:"readers"`
	Count     int64    `json:"count"`
}

// MessageService 历史、已读与离线回放
type MessageService interface {
	History(ctx context.Context, owner, peer string, after int64, limit int) ([]*model.SingleMessage, error)
	GroupHistory(ctx context.Context, groupID string, after int64, limit int) ([]*model.GroupMessage, error)
	MarkSingleRead(ctx context.Context, messageID, reader string) error
	MarkGroupRead(ctx context.Context, groupID string, messageIDs []string, reader string) error
	GroupReadStatus(ctx context.Context, groupID, messageID string) (*GroupReadStatus, error)
	// ReplayOffline 取出并清空离线队列，按写入顺序返回，同一 message_id 只保留第一条
	ReplayOffline(ctx context.Context, recipient string) ([]*push.Envelope, error)
}

type messageService struct {
	messages  repository.MessageRepository
	readState *cache.GroupReadState
	offline   *cache.OfflineQueue
}

func NewMessageService(messages repository.MessageRepository, readState *cache.GroupReadState, offline *cache.OfflineQueue) MessageService {
	return &messageService{messages: messages, readState: readState, offline: offline}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func (s *messageService) History(ctx context.Context, owner, peer string, after int64, limit int) ([]*model.SingleMessage, error) {
	if owner == "" || peer == "" {
		return nil, invalidf("owner and peer are required")
	}
	return s.messages.ListSingle(ctx, owner, peer, after, clampLimit(limit))
}

func (s *messageService) GroupHistory(ctx context.Context, groupID string, after int64, limit int) ([]*model.GroupMessage, error) {
	if groupID == "" {
		return nil, invalidf("group id is required")
	}
	return s.messages.ListGroup(ctx, groupID, after, clampLimit(limit))
}

func (s *messageService) MarkSingleRead(ctx context.Context, messageID, reader string) error {
	m, err := s.messages.GetSingle(ctx, messageID)
	if err != nil {
		return translate(err, "message "+messageID)
	}
	if m.ToID != reader {
		return invalidf("only the recipient can mark message %s as read", messageID)
	}
	if _, err := s.messages.MarkSingleRead(ctx, messageID, reader); err != nil {
		return fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	return nil
}

func (s *messageService) MarkGroupRead(ctx context.Context, groupID string, messageIDs []string, reader string) error {
	if groupID == "" || reader == "" {
		return invalidf("group id and reader are required")
	}
	if len(messageIDs) == 0 {
		return invalidf("message ids are required")
	}
	return s.readState.MarkManyRead(ctx, groupID, messageIDs, reader)
}

func (s *messageService) GroupReadStatus(ctx context.Context, groupID, messageID string) (*GroupReadStatus, error) {
	readers, err := s.readState.Readers(ctx, groupID, messageID)
	if err != nil {
		return nil, err
	}
	return &GroupReadStatus{MessageID: messageID, Readers: readers, Count: int64(len(readers))}, nil
}

func (s *messageService) ReplayOffline(ctx context.Context, recipient string) ([]*push.Envelope, error) {
	if recipient == "" {
		return nil, invalidf("recipient is required")
	}
	raw, err := s.offline.Drain(ctx, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]*push.Envelope, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, data := range raw {
		env, err := push.UnmarshalEnvelope(data)
		if err != nil {
			logger.Warn("drop undecodable offline message", zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		if _, dup := seen[env.MessageID]; dup {
			continue
		}
		seen[env.MessageID] = struct{}{}
		out = append(out, env)
	}
	return out, nil
}

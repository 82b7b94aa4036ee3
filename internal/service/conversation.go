package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/pkg/logger"
)

// ConversationStore 会话仓储中对账需要的部分
type ConversationStore interface {
	Get(ctx context.Context, chatID, ownerID string) (*model.Conversation, error)
	FindExact(ctx context.Context, chatID, ownerID string, chatType model.ChatType) (*model.Conversation, error)
	FindByOwner(ctx context.Context, chatID, ownerID string) (*model.Conversation, error)
	FindByChatID(ctx context.Context, chatID string) (*model.Conversation, error)
	Insert(ctx context.Context, c *model.Conversation) error
	UpdateType(ctx context.Context, chatID, ownerID string, chatType model.ChatType, peerID string) error
	Restore(ctx context.Context, c *model.Conversation) (bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Conversation, error)
	BumpSequence(ctx context.Context, chatID, ownerID string, seq int64, markRead bool) error
	UpdateReadSequence(ctx context.Context, chatID, ownerID string, seq int64) error
	SetTop(ctx context.Context, chatID, ownerID string, top bool) error
	SetMute(ctx context.Context, chatID, ownerID string, mute bool) error
	SoftDelete(ctx context.Context, chatID, ownerID string) error
}

// ConversationService 会话服务
type ConversationService interface {
	// GetOrCreate 幂等获取会话，顺带修复类型漂移与并发创建冲突
	GetOrCreate(ctx context.Context, chatID, ownerID string, chatType model.ChatType, peerID string) (*model.Conversation, error)
	// Classify 只读：按已持久化的会话给出本次发送的类型，不写库
	Classify(ctx context.Context, chatID, ownerID string, requested model.ChatType) (model.ChatType, error)
	List(ctx context.Context, ownerID string) ([]*model.Conversation, error)
	SetTop(ctx context.Context, chatID, ownerID string, top bool) error
	SetMute(ctx context.Context, chatID, ownerID string, mute bool) error
	// UpdateRead 已读位置前移；单聊同时把对端发来的消息置为已读
	UpdateRead(ctx context.Context, chatID, ownerID string, seq int64) error
	BumpSequence(ctx context.Context, chatID, ownerID string, seq int64, markRead bool) error
	// Delete 软删除会话；单聊同时软删除双方之间的消息
	Delete(ctx context.Context, chatID, ownerID string) error
	UnreadStats(ctx context.Context, ownerID string) (*UnreadStats, error)
}

// ChatUnread 单个会话的未读数
type ChatUnread struct {
	ChatID   string         `json:"chat_id"`
	ChatType model.ChatType `json:"chat_type"`
	PeerID   string         `json:"peer_id"`
	IsMute   bool           `json:"is_mute"`
	Unread   int64          `json:"unread"`
}

type UnreadStats struct {
	Total  int64        `json:"total"`
	Single int64        `json:"single"`
	Group  int64        `json:"group"`
	Chats  []ChatUnread `json:"chats"`
}

// OwnerMatcher 判断两个引用是否为同一身份（open_id 与用户名可能混用）
type OwnerMatcher func(ctx context.Context, a, b string) bool

func exactOwner(_ context.Context, a, b string) bool { return a == b }

type conversationService struct {
	store     ConversationStore
	messages  repository.MessageRepository
	sameOwner OwnerMatcher
}

func NewConversationService(store ConversationStore, messages repository.MessageRepository, sameOwner OwnerMatcher) ConversationService {
	if sameOwner == nil {
		sameOwner = exactOwner
	}
	return &conversationService{store: store, messages: messages, sameOwner: sameOwner}
}

type getOrCreateRequest struct {
	ChatID   string         `validate:"required,max=160"`
	OwnerID  string         `validate:"required,max=64"`
	ChatType model.ChatType `validate:"oneof=1 2"`
	PeerID   string         `validate:"required,max=64"`
}

func (s *conversationService) GetOrCreate(ctx context.Context, chatID, ownerID string, chatType model.ChatType, peerID string) (*model.Conversation, error) {
	if err := validateStruct(getOrCreateRequest{ChatID: chatID, OwnerID: ownerID, ChatType: chatType, PeerID: peerID}); err != nil {
		return nil, err
	}

	// 1. 精确匹配
	conv, err := s.store.FindExact(ctx, chatID, ownerID, chatType)
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", chatID, err)
	}
	if conv != nil {
		if conv.PeerID != peerID {
			logger.Warn("conversation peer mismatch",
				zap.String("chat_id", chatID), zap.String("owner", ownerID),
				zap.String("stored_peer", conv.PeerID), zap.String("peer", peerID))
		}
		return conv, nil
	}

	// 2. 同 (chat_id, owner) 但类型不同：历史漂移，原地修正
	conflict, err := s.store.FindByOwner(ctx, chatID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", chatID, err)
	}
	if conflict != nil {
		return s.repair(ctx, conflict, chatType, peerID), nil
	}

	// 3. 新建
	fresh := &model.Conversation{
		ChatID:   chatID,
		OwnerID:  ownerID,
		ChatType: chatType,
		PeerID:   peerID,
		Version:  1,
	}
	err = s.store.Insert(ctx, fresh)
	if err == nil {
		return fresh, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, fmt.Errorf("insert conversation %s: %w", chatID, err)
	}
	return s.afterDuplicate(ctx, fresh)
}

func (s *conversationService) Classify(ctx context.Context, chatID, ownerID string, requested model.ChatType) (model.ChatType, error) {
	conv, err := s.store.FindExact(ctx, chatID, ownerID, requested)
	if err != nil {
		return requested, fmt.Errorf("find conversation %s: %w", chatID, err)
	}
	if conv != nil {
		return conv.ChatType, nil
	}
	// 无记录或类型漂移：漂移行会在 GetOrCreate 中按请求类型修正
	return requested, nil
}

// repair 修正类型漂移。无论写库是否成功，都返回调用方请求的类型。
func (s *conversationService) repair(ctx context.Context, stale *model.Conversation, chatType model.ChatType, peerID string) *model.Conversation {
	logger.Warn("conversation type drift",
		zap.String("chat_id", stale.ChatID), zap.String("owner", stale.OwnerID),
		zap.Stringer("stored", stale.ChatType), zap.Stringer("wanted", chatType))
	if err := s.store.UpdateType(ctx, stale.ChatID, stale.OwnerID, chatType, peerID); err != nil {
		logger.Warn("repair conversation type failed",
			zap.String("chat_id", stale.ChatID), zap.String("owner", stale.OwnerID), zap.Error(err))
	}
	fixed := *stale
	fixed.ChatType = chatType
	fixed.PeerID = peerID
	fixed.Version++
	return &fixed
}

// afterDuplicate 插入撞上唯一键后的恢复路径
func (s *conversationService) afterDuplicate(ctx context.Context, want *model.Conversation) (*model.Conversation, error) {
	// 并发创建者赢了
	conv, err := s.store.FindExact(ctx, want.ChatID, want.OwnerID, want.ChatType)
	if err != nil {
		return nil, fmt.Errorf("requery conversation %s: %w", want.ChatID, err)
	}
	if conv != nil {
		return conv, nil
	}

	// 本人软删除的行仍占着主键
	restored, err := s.store.Restore(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("restore conversation %s: %w", want.ChatID, err)
	}
	if restored {
		conv, err := s.store.Get(ctx, want.ChatID, want.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("load restored conversation %s: %w", want.ChatID, err)
		}
		return conv, nil
	}

	// 并发创建者写入了另一种类型
	conflict, err := s.store.FindByOwner(ctx, want.ChatID, want.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("requery conversation %s: %w", want.ChatID, err)
	}
	if conflict != nil {
		return s.repair(ctx, conflict, want.ChatType, want.PeerID), nil
	}

	// 旧表结构：一个 chat_id 只有一行
	legacy, err := s.store.FindByChatID(ctx, want.ChatID)
	if err != nil {
		return nil, fmt.Errorf("find conversation by chat id %s: %w", want.ChatID, err)
	}
	if legacy == nil {
		return nil, fmt.Errorf("conversation %s: duplicate key but no row visible", want.ChatID)
	}
	if !s.sameOwner(ctx, legacy.OwnerID, want.OwnerID) {
		logger.Error("conversation owned by another identity",
			zap.String("chat_id", want.ChatID), zap.String("owner", want.OwnerID),
			zap.String("stored_owner", legacy.OwnerID))
		return nil, fmt.Errorf("%w: chat %s belongs to %s", ErrDataIntegrity, want.ChatID, legacy.OwnerID)
	}
	if legacy.ChatType != want.ChatType {
		return s.repair(ctx, legacy, want.ChatType, want.PeerID), nil
	}
	return legacy, nil
}

func (s *conversationService) List(ctx context.Context, ownerID string) ([]*model.Conversation, error) {
	if ownerID == "" {
		return nil, invalidf("owner id is required")
	}
	list, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	// 以 chat_id 前缀为准修正类型
	for _, c := range list {
		want, ok := model.ChatTypeFromID(c.ChatID)
		if !ok || want == c.ChatType {
			continue
		}
		if err := s.store.UpdateType(ctx, c.ChatID, c.OwnerID, want, ""); err != nil {
			logger.Warn("repair conversation type failed",
				zap.String("chat_id", c.ChatID), zap.String("owner", c.OwnerID), zap.Error(err))
		} else {
			c.Version++
		}
		c.ChatType = want
	}
	return list, nil
}

func (s *conversationService) SetTop(ctx context.Context, chatID, ownerID string, top bool) error {
	return translate(s.store.SetTop(ctx, chatID, ownerID, top), "conversation "+chatID)
}

func (s *conversationService) SetMute(ctx context.Context, chatID, ownerID string, mute bool) error {
	return translate(s.store.SetMute(ctx, chatID, ownerID, mute), "conversation "+chatID)
}

func (s *conversationService) BumpSequence(ctx context.Context, chatID, ownerID string, seq int64, markRead bool) error {
	return translate(s.store.BumpSequence(ctx, chatID, ownerID, seq, markRead), "conversation "+chatID)
}

func (s *conversationService) UpdateRead(ctx context.Context, chatID, ownerID string, seq int64) error {
	if seq < 0 {
		return invalidf("read sequence must not be negative")
	}
	conv, err := s.store.Get(ctx, chatID, ownerID)
	if err != nil {
		return translate(err, "conversation "+chatID)
	}
	if err := s.store.UpdateReadSequence(ctx, chatID, ownerID, seq); err != nil {
		return translate(err, "conversation "+chatID)
	}
	if conv.ChatType == model.ChatSingle {
		if _, err := s.messages.MarkSingleReadFrom(ctx, ownerID, conv.PeerID, seq); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
	}
	return nil
}

func (s *conversationService) Delete(ctx context.Context, chatID, ownerID string) error {
	conv, err := s.store.Get(ctx, chatID, ownerID)
	if err != nil {
		return translate(err, "conversation "+chatID)
	}
	if err := s.store.SoftDelete(ctx, chatID, ownerID); err != nil {
		return translate(err, "conversation "+chatID)
	}
	if conv.ChatType == model.ChatSingle {
		n, err := s.messages.SoftDeleteSingleBetween(ctx, ownerID, conv.PeerID)
		if err != nil {
			return fmt.Errorf("delete messages of %s: %w", chatID, err)
		}
		logger.Info("conversation deleted",
			zap.String("chat_id", chatID), zap.String("owner", ownerID), zap.Int64("messages", n))
	}
	return nil
}

func (s *conversationService) UnreadStats(ctx context.Context, ownerID string) (*UnreadStats, error) {
	list, err := s.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stats := &UnreadStats{Chats: make([]ChatUnread, 0, len(list))}
	for _, c := range list {
		var n int64
		switch c.ChatType {
		case model.ChatSingle:
			n, err = s.messages.CountUnreadSingle(ctx, ownerID, c.PeerID)
		case model.ChatGroup:
			n, err = s.messages.CountGroupAfter(ctx, c.PeerID, ownerID, c.ReadSequence)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("count unread of %s: %w", c.ChatID, err)
		}
		if n == 0 {
			continue
		}
		stats.Chats = append(stats.Chats, ChatUnread{
			ChatID: c.ChatID, ChatType: c.ChatType, PeerID: c.PeerID, IsMute: c.IsMute, Unread: n,
		})
		stats.Total += n
		if c.ChatType == model.ChatSingle {
			stats.Single += n
		} else {
			stats.Group += n
		}
	}
	sort.SliceStable(stats.Chats, func(i, j int) bool { return stats.Chats[i].Unread > stats.Chats[j].Unread })
	return stats, nil
}

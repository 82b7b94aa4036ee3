package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/im-server/internal/model"
)

// ConversationRepository 会话元数据。Find* 未命中返回 (nil, nil)，Get 未命中返回 ErrNotFound。
type ConversationRepository interface {
	Get(ctx context.Context, chatID, ownerID string) (*model.Conversation, error)
	FindExact(ctx context.Context, chatID, ownerID string, chatType model.ChatType) (*model.Conversation, error)
	// FindByOwner 按 (chat_id, owner_id) 查，不区分类型
	FindByOwner(ctx context.Context, chatID, ownerID string) (*model.Conversation, error)
	// FindByChatID 只按 chat_id 查（兼容旧表结构：一个 chat_id 只有一行）
	FindByChatID(ctx context.Context, chatID string) (*model.Conversation, error)
	// Insert 唯一键冲突时返回 ErrDuplicate
	Insert(ctx context.Context, c *model.Conversation) error
	// UpdateType 修正类型漂移并递增 version；peerID 为空时保留原值
	UpdateType(ctx context.Context, chatID, ownerID string, chatType model.ChatType, peerID string) error
	// Restore 恢复本人已软删除的行，返回是否恢复
	Restore(ctx context.Context, c *model.Conversation) (bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Conversation, error)
	// BumpSequence sequence 只增不减；markRead 时 read_sequence 同步前移
	BumpSequence(ctx context.Context, chatID, ownerID string, seq int64, markRead bool) error
	UpdateReadSequence(ctx context.Context, chatID, ownerID string, seq int64) error
	SetTop(ctx context.Context, chatID, ownerID string, top bool) error
	SetMute(ctx context.Context, chatID, ownerID string, mute bool) error
	SoftDelete(ctx context.Context, chatID, ownerID string) error
}

type conversationRepository struct{ db *gorm.DB }

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Get(ctx context.Context, chatID, ownerID string) (*model.Conversation, error) {
	var c model.Conversation
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *conversationRepository) FindExact(ctx context.Context, chatID, ownerID string, chatType model.ChatType) (*model.Conversation, error) {
	return firstOrNil[model.Conversation](r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ? AND chat_type = ?", chatID, ownerID, chatType))
}

func (r *conversationRepository) FindByOwner(ctx context.Context, chatID, ownerID string) (*model.Conversation, error) {
	return firstOrNil[model.Conversation](r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID))
}

func (r *conversationRepository) FindByChatID(ctx context.Context, chatID string) (*model.Conversation, error) {
	return firstOrNil[model.Conversation](r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at"))
}

func (r *conversationRepository) Insert(ctx context.Context, c *model.Conversation) error {
	if c.Version == 0 {
		c.Version = 1
	}
	err := r.db.WithContext(ctx).Create(c).Error
	if IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

func (r *conversationRepository) UpdateType(ctx context.Context, chatID, ownerID string, chatType model.ChatType, peerID string) error {
	updates := map[string]any{
		"chat_type": chatType,
		"version":   gorm.Expr("version + 1"),
	}
	if peerID != "" {
		updates["peer_id"] = peerID
	}
	return r.update(ctx, chatID, ownerID, updates)
}

func (r *conversationRepository) Restore(ctx context.Context, c *model.Conversation) (bool, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Model(&model.Conversation{}).
		Where("chat_id = ? AND owner_id = ? AND deleted_at IS NOT NULL", c.ChatID, c.OwnerID).
		Updates(map[string]any{
			"deleted_at":    nil,
			"chat_type":     c.ChatType,
			"peer_id":       c.PeerID,
			"is_top":        false,
			"is_mute":       false,
			"read_sequence": gorm.Expr("sequence"),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

func (r *conversationRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Conversation, error) {
	var res []*model.Conversation
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("is_top DESC").
		Order("updated_at DESC").
		Find(&res).Error
	return res, err
}

func (r *conversationRepository) BumpSequence(ctx context.Context, chatID, ownerID string, seq int64, markRead bool) error {
	updates := map[string]any{
		"sequence":   gorm.Expr("CASE WHEN sequence < ? THEN ? ELSE sequence END", seq, seq),
		"updated_at": time.Now(),
	}
	if markRead {
		updates["read_sequence"] = gorm.Expr("CASE WHEN read_sequence < ? THEN ? ELSE read_sequence END", seq, seq)
	}
	return r.update(ctx, chatID, ownerID, updates)
}

func (r *conversationRepository) UpdateReadSequence(ctx context.Context, chatID, ownerID string, seq int64) error {
	return r.update(ctx, chatID, ownerID, map[string]any{
		"read_sequence": gorm.Expr("CASE WHEN read_sequence < ? THEN ? ELSE read_sequence END", seq, seq),
	})
}

func (r *conversationRepository) SetTop(ctx context.Context, chatID, ownerID string, top bool) error {
	return r.update(ctx, chatID, ownerID, map[string]any{"is_top": top})
}

func (r *conversationRepository) SetMute(ctx context.Context, chatID, ownerID string, mute bool) error {
	return r.update(ctx, chatID, ownerID, map[string]any{"is_mute": mute})
}

func (r *conversationRepository) SoftDelete(ctx context.Context, chatID, ownerID string) error {
	res := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Delete(&model.Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// update 未命中任何行时返回 ErrNotFound
func (r *conversationRepository) update(ctx context.Context, chatID, ownerID string, updates map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

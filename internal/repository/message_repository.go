package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/im-server/internal/model"
)

// MessageRepository 消息落库。message_id 为幂等键：重复写入不报错，返回 created=false。
type MessageRepository interface {
	SaveSingle(ctx context.Context, m *model.SingleMessage) (bool, error)
	SaveGroup(ctx context.Context, m *model.GroupMessage) (bool, error)
	GetSingle(ctx context.Context, messageID string) (*model.SingleMessage, error)
	GetGroup(ctx context.Context, messageID string) (*model.GroupMessage, error)
	// ListSingle 双方之间 sequence 大于 after 的消息，升序；不含实时类消息
	ListSingle(ctx context.Context, a, b string, after int64, limit int) ([]*model.SingleMessage, error)
	ListGroup(ctx context.Context, groupID string, after int64, limit int) ([]*model.GroupMessage, error)
	// MarkSingleRead 只有接收方可以置已读
	MarkSingleRead(ctx context.Context, messageID, reader string) (bool, error)
	MarkSingleReadFrom(ctx context.Context, reader, peer string, upTo int64) (int64, error)
	CountUnreadSingle(ctx context.Context, owner, peer string) (int64, error)
	// CountGroupAfter 群内 sequence 大于 after 且非本人发送的消息数
	CountGroupAfter(ctx context.Context, groupID, owner string, after int64) (int64, error)
	SoftDeleteSingleBetween(ctx context.Context, a, b string) (int64, error)
}

type messageRepository struct{ db *gorm.DB }

func NewMessageRepository(db *gorm.DB) MessageRepository { return &messageRepository{db: db} }

func (r *messageRepository) SaveSingle(ctx context.Context, m *model.SingleMessage) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	return res.RowsAffected > 0, res.Error
}

func (r *messageRepository) SaveGroup(ctx context.Context, m *model.GroupMessage) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	return res.RowsAffected > 0, res.Error
}

func (r *messageRepository) GetSingle(ctx context.Context, messageID string) (*model.SingleMessage, error) {
	var m model.SingleMessage
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *messageRepository) GetGroup(ctx context.Context, messageID string) (*model.GroupMessage, error) {
	var m model.GroupMessage
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *messageRepository) ListSingle(ctx context.Context, a, b string, after int64, limit int) ([]*model.SingleMessage, error) {
	var res []*model.SingleMessage
	err := r.db.WithContext(ctx).
		Where("((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))", a, b, b, a).
		Where("sequence > ?", after).
		Where("content_type NOT IN ?", model.EphemeralContentTypes()).
		Order("sequence").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *messageRepository) ListGroup(ctx context.Context, groupID string, after int64, limit int) ([]*model.GroupMessage, error) {
	var res []*model.GroupMessage
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND sequence > ?", groupID, after).
		Where("content_type NOT IN ?", model.EphemeralContentTypes()).
		Order("sequence").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *messageRepository) MarkSingleRead(ctx context.Context, messageID, reader string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.SingleMessage{}).
		Where("message_id = ? AND to_id = ? AND read_status = ?", messageID, reader, model.Unread).
		Update("read_status", model.Read)
	return res.RowsAffected > 0, res.Error
}

func (r *messageRepository) MarkSingleReadFrom(ctx context.Context, reader, peer string, upTo int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.SingleMessage{}).
		Where("to_id = ? AND from_id = ? AND read_status = ? AND sequence <= ?", reader, peer, model.Unread, upTo).
		Update("read_status", model.Read)
	return res.RowsAffected, res.Error
}

func (r *messageRepository) CountUnreadSingle(ctx context.Context, owner, peer string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).
		Model(&model.SingleMessage{}).
		Where("to_id = ? AND from_id = ? AND read_status = ?", owner, peer, model.Unread).
		Where("content_type NOT IN ?", model.EphemeralContentTypes()).
		Count(&cnt).Error
	return cnt, err
}

func (r *messageRepository) CountGroupAfter(ctx context.Context, groupID, owner string, after int64) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).
		Model(&model.GroupMessage{}).
		Where("group_id = ? AND sequence > ? AND from_id <> ?", groupID, after, owner).
		Where("content_type NOT IN ?", model.EphemeralContentTypes()).
		Count(&cnt).Error
	return cnt, err
}

func (r *messageRepository) SoftDeleteSingleBetween(ctx context.Context, a, b string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))", a, b, b, a).
		Delete(&model.SingleMessage{})
	return res.RowsAffected, res.Error
}

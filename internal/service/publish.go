package service

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
)

// MessageWriter 消息落库；带 outbox 记录时与消息在同一事务内写入
type MessageWriter interface {
	WriteSingle(ctx context.Context, m *model.SingleMessage, out *model.OutboxEntry) (bool, error)
	WriteGroup(ctx context.Context, m *model.GroupMessage, out *model.OutboxEntry) (bool, error)
}

type txMessageWriter struct{ db *gorm.DB }

func NewMessageWriter(db *gorm.DB) MessageWriter { return &txMessageWriter{db: db} }

func (w *txMessageWriter) WriteSingle(ctx context.Context, m *model.SingleMessage, out *model.OutboxEntry) (bool, error) {
	return w.write(ctx, out, func(repo repository.MessageRepository) (bool, error) {
		return repo.SaveSingle(ctx, m)
	})
}

func (w *txMessageWriter) WriteGroup(ctx context.Context, m *model.GroupMessage, out *model.OutboxEntry) (bool, error) {
	return w.write(ctx, out, func(repo repository.MessageRepository) (bool, error) {
		return repo.SaveGroup(ctx, m)
	})
}

// write 消息已存在（重复的 message_id）时不再写 outbox，避免重复入队
func (w *txMessageWriter) write(ctx context.Context, out *model.OutboxEntry, save func(repository.MessageRepository) (bool, error)) (bool, error) {
	var created bool
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = save(repository.NewMessageRepository(tx))
		if err != nil {
			return err
		}
		if !created || out == nil {
			return nil
		}
		return repository.NewOutboxRepository(tx).Create(ctx, out)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

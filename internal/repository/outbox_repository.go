package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/im-server/internal/model"
)

// OutboxRepository 发件箱台账。只记录，不投递；投递由 relay 完成。
type OutboxRepository interface {
	Create(ctx context.Context, e *model.OutboxEntry) error
	Get(ctx context.Context, id int64) (*model.OutboxEntry, error)
	MarkSent(ctx context.Context, id int64) error
	UpdateStatus(ctx context.Context, id int64, status model.OutboxStatus) error
	IncrementAttempts(ctx context.Context, id int64, lastError string) error
	SetNextTryAt(ctx context.Context, id int64, at time.Time) error
	// RecordFailure 一次失败尝试：attempts+1、记录错误、设置状态与下次重试时间
	RecordFailure(ctx context.Context, id int64, lastError string, status model.OutboxStatus, nextTryAt *time.Time) error
	// ListPending 到期的 PENDING 记录，按创建时间升序
	ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
	// ListFailed FAILED 记录，最近更新的在前
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
	// ClaimPending 认领一批到期记录并把 next_try_at 推后 lease，防止其它 worker 重复认领
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEntry, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Create(ctx context.Context, e *model.OutboxEntry) error {
	if e.Status == "" {
		e.Status = model.OutboxPending
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *outboxRepository) Get(ctx context.Context, id int64) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]any{
		"status":      model.OutboxSent,
		"next_try_at": nil,
	})
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id int64, status model.OutboxStatus) error {
	return r.update(ctx, id, map[string]any{"status": status})
}

func (r *outboxRepository) IncrementAttempts(ctx context.Context, id int64, lastError string) error {
	return r.update(ctx, id, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	})
}

func (r *outboxRepository) SetNextTryAt(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, id, map[string]any{"next_try_at": at})
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id int64, lastError string, status model.OutboxStatus, nextTryAt *time.Time) error {
	return r.update(ctx, id, map[string]any{
		"attempts":    gorm.Expr("attempts + 1"),
		"last_error":  lastError,
		"status":      status,
		"next_try_at": nextTryAt,
	})
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	var res []*model.OutboxEntry
	err := r.due(r.db.WithContext(ctx), time.Now()).
		Order("created_at").
		Order("id").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *outboxRepository) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	var res []*model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxFailed).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEntry, error) {
	var batch []*model.OutboxEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		q := r.due(tx, now).Order("created_at").Order("id").Limit(limit)
		// sqlite 无行锁，单写者下直接认领
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		leaseUntil := now.Add(lease)
		for _, e := range batch {
			e.NextTryAt = &leaseUntil
		}
		return tx.Model(&model.OutboxEntry{}).
			Where("id IN ?", ids).
			Update("next_try_at", leaseUntil).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *outboxRepository) due(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where("status = ? AND (next_try_at IS NULL OR next_try_at <= ?)", model.OutboxPending, now)
}

func (r *outboxRepository) update(ctx context.Context, id int64, updates map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

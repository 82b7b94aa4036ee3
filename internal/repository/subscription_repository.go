package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/im-server/internal/model"
)

// SubscriptionRepository 订阅的持久化副本，供其它实例冷启动时恢复在线状态
type SubscriptionRepository interface {
	Create(ctx context.Context, s *model.Subscription) error
	Delete(ctx context.Context, subscriptionID string) error
	DeleteByUser(ctx context.Context, userID uint64) error
	FindByID(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	// ListSince 返回 since 之后创建的订阅，按创建时间升序
	ListSince(ctx context.Context, userID uint64, since time.Time) ([]*model.Subscription, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type subscriptionRepository struct{ db *gorm.DB }

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, s *model.Subscription) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error
}

func (r *subscriptionRepository) Delete(ctx context.Context, subscriptionID string) error {
	return r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&model.Subscription{}).Error
}

func (r *subscriptionRepository) DeleteByUser(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&model.Subscription{}).Error
}

func (r *subscriptionRepository) FindByID(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	return firstOrNil[model.Subscription](r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID))
}

func (r *subscriptionRepository) ListSince(ctx context.Context, userID uint64, since time.Time) ([]*model.Subscription, error) {
	var res []*model.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at").
		Find(&res).Error
	return res, err
}

func (r *subscriptionRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&model.Subscription{})
	return res.RowsAffected, res.Error
}

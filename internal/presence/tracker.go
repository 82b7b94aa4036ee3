package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/pkg/logger"
)

// DefaultWindow 持久化订阅被视为可能在线的最长时间
const DefaultWindow = 24 * time.Hour

// SubscriptionStore 订阅的持久化副本
type SubscriptionStore interface {
	Create(ctx context.Context, s *model.Subscription) error
	Delete(ctx context.Context, subscriptionID string) error
	DeleteByUser(ctx context.Context, userID uint64) error
	FindByID(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	ListSince(ctx context.Context, userID uint64, since time.Time) ([]*model.Subscription, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Tracker 内存索引 + 持久化副本。多实例部署时其它实例上的连接只存在于库里，
// 因此判定离线前必须先查库回填。
type Tracker struct {
	reg    *Registry
	store  SubscriptionStore
	window time.Duration
	now    func() time.Time
}

func NewTracker(reg *Registry, store SubscriptionStore, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{reg: reg, store: store, window: window, now: time.Now}
}

func (t *Tracker) Registry() *Registry { return t.reg }

// Connect 为用户分配新句柄并落库；落库失败只记日志，内存句柄照常返回。
func (t *Tracker) Connect(ctx context.Context, userID uint64) string {
	id := t.reg.Create(userID)
	sub := &model.Subscription{SubscriptionID: id, UserID: userID, CreatedAt: t.now()}
	if err := t.store.Create(ctx, sub); err != nil {
		logger.Warn("persist subscription failed",
			zap.Uint64("user", userID), zap.String("subscription", id), zap.Error(err))
	}
	return id
}

// GetOrCreate 复用本实例上最早的句柄，没有时才分配并落库
func (t *Tracker) GetOrCreate(ctx context.Context, userID uint64) string {
	id, created := t.reg.GetOrCreate(userID)
	if !created {
		return id
	}
	sub := &model.Subscription{SubscriptionID: id, UserID: userID, CreatedAt: t.now()}
	if err := t.store.Create(ctx, sub); err != nil {
		logger.Warn("persist subscription failed",
			zap.Uint64("user", userID), zap.String("subscription", id), zap.Error(err))
	}
	return id
}

// Disconnect 清理内存与持久化副本
func (t *Tracker) Disconnect(ctx context.Context, subID string) error {
	t.reg.Remove(subID)
	if err := t.store.Delete(ctx, subID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", subID, err)
	}
	return nil
}

// DisconnectAll 移除用户全部句柄，包括其它实例写入的持久化副本；返回本实例移除的句柄数
func (t *Tracker) DisconnectAll(ctx context.Context, userID uint64) (int, error) {
	removed := t.reg.RemoveAll(userID)
	if err := t.store.DeleteByUser(ctx, userID); err != nil {
		return len(removed), fmt.Errorf("delete subscriptions of %d: %w", userID, err)
	}
	return len(removed), nil
}

// Online 判断用户是否在线：先查内存；为空时加载窗口内的持久化订阅回填后再查。
// 投递链路只能通过这里判定离线。
func (t *Tracker) Online(ctx context.Context, userID uint64) (bool, []string, error) {
	if subs := t.reg.SubscriptionsOf(userID); len(subs) > 0 {
		return true, subs, nil
	}
	rows, err := t.store.ListSince(ctx, userID, t.now().Add(-t.window))
	if err != nil {
		return false, nil, fmt.Errorf("load subscriptions of %d: %w", userID, err)
	}
	for _, row := range rows {
		t.reg.Hydrate(userID, row.SubscriptionID)
	}
	subs := t.reg.SubscriptionsOf(userID)
	return len(subs) > 0, subs, nil
}

// Owner 订阅所属用户；内存未命中时查窗口内的持久化副本并回填
func (t *Tracker) Owner(ctx context.Context, subID string) (uint64, bool) {
	if uid, ok := t.reg.Resolve(subID); ok {
		return uid, true
	}
	row, err := t.store.FindByID(ctx, subID)
	if err != nil {
		logger.Warn("load subscription failed", zap.String("subscription", subID), zap.Error(err))
		return 0, false
	}
	if row == nil || row.CreatedAt.Before(t.now().Add(-t.window)) {
		return 0, false
	}
	t.reg.Hydrate(row.UserID, row.SubscriptionID)
	return row.UserID, true
}

// PurgeStale 删除窗口外的持久化订阅
func (t *Tracker) PurgeStale(ctx context.Context) (int64, error) {
	n, err := t.store.DeleteOlderThan(ctx, t.now().Add(-t.window))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("purged stale subscriptions", zap.Int64("count", n))
	}
	return n, nil
}

// StartJanitor 定期清理过期订阅；返回停止函数
func (t *Tracker) StartJanitor(interval time.Duration) func(context.Context) error {
	if interval <= 0 {
		interval = time.Hour
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := t.PurgeStale(ctx); err != nil {
					logger.Warn("purge stale subscriptions failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return func(ctx context.Context) error {
		close(stop)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

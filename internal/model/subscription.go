package model

import "time"

// Subscription 一个客户端会话的持久化副本，仅用于冷启动恢复在线状态。
type Subscription struct {
	SubscriptionID string    `gorm:"primaryKey;type:varchar(64)"`
	UserID         uint64    `gorm:"index:idx_sub_user_created,priority:1;not null"`
	CreatedAt      time.Time `gorm:"index:idx_sub_user_created,priority:2;index"`
}

func (Subscription) TableName() string { return "subscriptions" }

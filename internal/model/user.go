package model

import "time"

// User 用户身份（资料维护在外部服务，这里只保留投递所需的身份字段）。
// ID 为内部数值身份，在线状态按它索引；OpenID 为对外身份，推送主题与离线队列按它索引。
type User struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OpenID    string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name      string `gorm:"type:varchar(64);index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

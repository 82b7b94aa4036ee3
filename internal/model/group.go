package model

import (
	"time"

	"gorm.io/gorm"
)

// Group 群组（增删改由外部服务负责）
type Group struct {
	GroupID   string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID   string `gorm:"type:varchar(64);index"`
	Name      string `gorm:"type:varchar(128)"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Group) TableName() string { return "chat_groups" }

// GroupMember 群成员；MemberID 可能是 open_id 也可能是用户名（历史数据），
// 且 (group_id, member_id) 没有唯一约束，历史上存在重复行。
type GroupMember struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	GroupID   string `gorm:"type:varchar(64);index:idx_member_group;not null"`
	MemberID  string `gorm:"type:varchar(64);index:idx_member_member;not null"`
	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (GroupMember) TableName() string { return "group_members" }

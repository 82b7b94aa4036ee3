package model

import "time"

// OutboxStatus 发件箱状态
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxSent, OutboxFailed:
		return true
	}
	return false
}

// OutboxEntry 异步外发台账；表本身不对 message_id 做唯一约束，去重由调用方负责。
// 记录永不删除，供审计。
type OutboxEntry struct {
	ID         int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID  string       `json:"message_id" gorm:"type:varchar(64);index;not null"`
	Payload    []byte       `json:"payload"`
	Exchange   string       `json:"exchange" gorm:"type:varchar(128);not null"`
	RoutingKey string       `json:"routing_key" gorm:"type:varchar(128);not null"`
	Attempts   int          `json:"attempts" gorm:"not null;default:0"`
	Status     OutboxStatus `json:"status" gorm:"type:varchar(16);index:idx_outbox_status_next,priority:1;not null"`
	LastError  *string      `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt  time.Time    `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time    `json:"updated_at"`
	NextTryAt  *time.Time   `json:"next_try_at,omitempty" gorm:"index:idx_outbox_status_next,priority:2"`
}

func (OutboxEntry) TableName() string { return "outbox" }

package model

import (
	"time"

	"gorm.io/gorm"
)

// ReadStatus 单聊已读状态
const (
	Unread int8 = 0
	Read   int8 = 1
)

// MessageContent 单聊/群聊消息行共用的内容列
type MessageContent struct {
	Body        string      `json:"body" gorm:"type:text;not null"`
	ContentType ContentType `json:"content_type" gorm:"not null;index"`
	FileURL     *string     `json:"file_url,omitempty" gorm:"type:varchar(512)"`
	FileName    *string     `json:"file_name,omitempty" gorm:"type:varchar(255)"`
	FileType    *string     `json:"file_type,omitempty" gorm:"type:varchar(64)"`
}

// Content 还原为带标签的内容
func (m MessageContent) Content() (Content, error) {
	var att *Attachment
	if m.FileURL != nil {
		att = &Attachment{URL: *m.FileURL}
		if m.FileName != nil {
			att.Name = *m.FileName
		}
		if m.FileType != nil {
			att.MimeType = *m.FileType
		}
	}
	return NewContent(m.ContentType, m.Body, att)
}

// ContentColumns 将内容展开为列
func ContentColumns(c Content) MessageContent {
	mc := MessageContent{Body: c.Body(), ContentType: c.Type()}
	if att := c.Attachment(); att != nil {
		mc.FileURL = strPtr(att.URL)
		if att.Name != "" {
			mc.FileName = strPtr(att.Name)
		}
		if att.MimeType != "" {
			mc.FileType = strPtr(att.MimeType)
		}
	}
	return mc
}

func strPtr(s string) *string { return &s }

// SingleMessage 单聊消息，message_id 为外部提供的幂等键。
type SingleMessage struct {
	MessageID string `json:"message_id" gorm:"primaryKey;type:varchar(64)"`
	FromID    string `json:"from_id" gorm:"type:varchar(64);index:idx_single_pair,priority:1;not null"`
	ToID      string `json:"to_id" gorm:"type:varchar(64);index:idx_single_pair,priority:2;index:idx_single_to_read,priority:1;not null"`
	MessageContent
	ReadStatus int8           `json:"read_status" gorm:"not null;default:0;index:idx_single_to_read,priority:2"`
	Sequence   int64          `json:"sequence" gorm:"not null;index"`
	ReplyTo    *string        `json:"reply_to,omitempty" gorm:"type:varchar(64)"`
	Extra      *string        `json:"extra,omitempty" gorm:"type:text"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`
}

func (SingleMessage) TableName() string { return "messages_single" }

// GroupMessage 群聊消息；逐成员已读状态放在 redis 集合中，不写消息行。
type GroupMessage struct {
	MessageID string `json:"message_id" gorm:"primaryKey;type:varchar(64)"`
	GroupID   string `json:"group_id" gorm:"type:varchar(64);index:idx_group_seq,priority:1;not null"`
	FromID    string `json:"from_id" gorm:"type:varchar(64);not null"`
	MessageContent
	Sequence  int64          `json:"sequence" gorm:"not null;index:idx_group_seq,priority:2"`
	ReplyTo   *string        `json:"reply_to,omitempty" gorm:"type:varchar(64)"`
	Extra     *string        `json:"extra,omitempty" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (GroupMessage) TableName() string { return "messages_group" }

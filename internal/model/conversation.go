package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ChatType 会话类型，单聊与群聊互斥
type ChatType int8

const (
	ChatSingle ChatType = 1
	ChatGroup  ChatType = 2
)

func (t ChatType) Valid() bool { return t == ChatSingle || t == ChatGroup }

func (t ChatType) String() string {
	switch t {
	case ChatSingle:
		return "single"
	case ChatGroup:
		return "group"
	default:
		return fmt.Sprintf("chat(%d)", int8(t))
	}
}

const (
	singlePrefix = "single_"
	groupPrefix  = "group_"
)

// SingleChatID 单聊会话 ID：两端 ID 排序后拼接，双方得到同一个 ID。
func SingleChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return singlePrefix + a + "_" + b
}

// GroupChatID 群聊会话 ID
func GroupChatID(groupID string) string { return groupPrefix + groupID }

// ChatTypeFromID 从会话 ID 前缀解析出约定的类型；无法识别时 ok=false。
func ChatTypeFromID(chatID string) (ChatType, bool) {
	switch {
	case strings.HasPrefix(chatID, singlePrefix):
		return ChatSingle, true
	case strings.HasPrefix(chatID, groupPrefix):
		return ChatGroup, true
	default:
		return 0, false
	}
}

// ChatIDFor 按类型生成会话 ID；单聊的 peer 为对端，群聊的 peer 为群 ID。
func ChatIDFor(t ChatType, owner, peer string) string {
	if t == ChatGroup {
		return GroupChatID(peer)
	}
	return SingleChatID(owner, peer)
}

// Conversation 会话：每个参与者一行，主键 (chat_id, owner_id)。
// 同一 chat_id 下所有行的 chat_type 必须一致。
type Conversation struct {
	ChatID       string         `json:"chat_id" gorm:"primaryKey;type:varchar(160)"`
	OwnerID      string         `json:"owner_id" gorm:"primaryKey;type:varchar(64);index:idx_conv_owner_updated,priority:1"`
	ChatType     ChatType       `json:"chat_type" gorm:"not null"`
	PeerID       string         `json:"peer_id" gorm:"type:varchar(64);not null"`
	IsTop        bool           `json:"is_top" gorm:"not null;default:false"`
	IsMute       bool           `json:"is_mute" gorm:"not null;default:false"`
	Sequence     int64          `json:"sequence" gorm:"not null;default:0"`
	ReadSequence int64          `json:"read_sequence" gorm:"not null;default:0"`
	Remark       *string        `json:"remark,omitempty" gorm:"type:varchar(255)"`
	Version      int64          `json:"version" gorm:"not null;default:1"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"index:idx_conv_owner_updated,priority:2"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Conversation) TableName() string { return "conversations" }

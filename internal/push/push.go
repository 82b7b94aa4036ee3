// Package push 推送通道：每个接收方一个主题，载荷为消息信封。
package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/d60-Lab/im-server/internal/model"
)

// ErrNotConnected 连接不可用（断线重连期间或已关闭）
var ErrNotConnected = errors.New("push channel not connected")

// Publisher 发布一条消息；返回 nil 只表示 broker 已收到，不代表客户端已收到。
// msgID 用作去重头，可为空。
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// InboxSubject 接收方的收件主题
func InboxSubject(recipient string) string { return "user/" + recipient + "/inbox" }

// Envelope 推送与离线队列共用的消息信封
type Envelope struct {
	MessageID   string            `json:"message_id"`
	ChatType    model.ChatType    `json:"chat_type"`
	ChatID      string            `json:"chat_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	GroupID     string            `json:"group_id,omitempty"`
	Body        string            `json:"body"`
	ContentType model.ContentType `json:"content_type"`
	Attachment  *model.Attachment `json:"attachment,omitempty"`
	Sequence    int64             `json:"sequence"`
	TimestampMs int64             `json:"timestamp_ms"`
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Content 还原带标签的内容
func (e *Envelope) Content() (model.Content, error) {
	return model.NewContent(e.ContentType, e.Body, e.Attachment)
}

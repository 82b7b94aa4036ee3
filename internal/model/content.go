package model

import (
	"errors"
	"fmt"
)

// ContentType 消息内容类型
type ContentType int

const (
	ContentText       ContentType = 1
	ContentImage      ContentType = 2
	ContentFile       ContentType = 3
	ContentCallInvite ContentType = 4 // 语音/视频呼叫邀请，仅实时有效
)

func (t ContentType) Valid() bool { return t >= ContentText && t <= ContentCallInvite }

// Ephemeral 过期即无意义的类型：接收方离线时不推送也不进离线队列，历史查询也不返回。
func (t ContentType) Ephemeral() bool { return t == ContentCallInvite }

func (t ContentType) String() string {
	switch t {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentFile:
		return "file"
	case ContentCallInvite:
		return "call_invite"
	default:
		return fmt.Sprintf("content(%d)", int(t))
	}
}

// EphemeralContentTypes 历史查询需排除的类型
func EphemeralContentTypes() []ContentType { return []ContentType{ContentCallInvite} }

// Attachment 附件引用（上传由外部服务完成，这里只保存引用）
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Content 带标签的消息内容；只有本包内的类型可以实现。
type Content interface {
	Type() ContentType
	Body() string
	Attachment() *Attachment
	sealed()
}

// EphemeralContent 标记实时内容
type EphemeralContent interface {
	Content
	ephemeral()
}

type TextContent struct{ Text string }

func (TextContent) Type() ContentType       { return ContentText }
func (c TextContent) Body() string          { return c.Text }
func (TextContent) Attachment() *Attachment { return nil }
func (TextContent) sealed()                 {}

type ImageContent struct {
	Caption string
	Image   Attachment
}

func (ImageContent) Type() ContentType         { return ContentImage }
func (c ImageContent) Body() string            { return c.Caption }
func (c ImageContent) Attachment() *Attachment { return &c.Image }
func (ImageContent) sealed()                   {}

type FileContent struct {
	Caption string
	File    Attachment
}

func (FileContent) Type() ContentType         { return ContentFile }
func (c FileContent) Body() string            { return c.Caption }
func (c FileContent) Attachment() *Attachment { return &c.File }
func (FileContent) sealed()                   {}

// CallInviteContent 呼叫邀请；Payload 为客户端信令（SDP 等）的原样字符串。
type CallInviteContent struct {
	Payload string
}

func (CallInviteContent) Type() ContentType       { return ContentCallInvite }
func (c CallInviteContent) Body() string          { return c.Payload }
func (CallInviteContent) Attachment() *Attachment { return nil }
func (CallInviteContent) sealed()                 {}
func (CallInviteContent) ephemeral()              {}

// IsEphemeral 判断内容是否为实时内容
func IsEphemeral(c Content) bool {
	_, ok := c.(EphemeralContent)
	return ok
}

var (
	ErrUnknownContentType = errors.New("unknown content type")
	ErrEmptyContent       = errors.New("message body is empty")
	ErrMissingAttachment  = errors.New("attachment url is required")
	ErrContentTooLarge    = errors.New("content field too large")
)

// 附件字段上限与消息表列宽一致
const (
	MaxAttachmentURL  = 512
	MaxAttachmentName = 255
	MaxMimeType       = 64

	DefaultMaxBodyBytes = 64 << 10
)

// ValidateContent 检查正文与附件长度；maxBody <= 0 时使用 DefaultMaxBodyBytes
func ValidateContent(c Content, maxBody int) error {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if n := len(c.Body()); n > maxBody {
		return fmt.Errorf("%w: body is %d bytes, limit %d", ErrContentTooLarge, n, maxBody)
	}
	return validateAttachment(c.Attachment())
}

func validateAttachment(att *Attachment) error {
	if att == nil {
		return nil
	}
	switch {
	case len(att.URL) > MaxAttachmentURL:
		return fmt.Errorf("%w: attachment url exceeds %d bytes", ErrContentTooLarge, MaxAttachmentURL)
	case len(att.Name) > MaxAttachmentName:
		return fmt.Errorf("%w: attachment name exceeds %d bytes", ErrContentTooLarge, MaxAttachmentName)
	case len(att.MimeType) > MaxMimeType:
		return fmt.Errorf("%w: attachment mime type exceeds %d bytes", ErrContentTooLarge, MaxMimeType)
	}
	return nil
}

// NewContent 由类型标签、正文与可选附件构造内容。附件长度在此校验，正文上限由调用方决定。
func NewContent(t ContentType, body string, att *Attachment) (Content, error) {
	if err := validateAttachment(att); err != nil {
		return nil, err
	}
	switch t {
	case ContentText:
		if body == "" {
			return nil, ErrEmptyContent
		}
		return TextContent{Text: body}, nil
	case ContentImage:
		if att == nil || att.URL == "" {
			return nil, ErrMissingAttachment
		}
		return ImageContent{Caption: body, Image: *att}, nil
	case ContentFile:
		if att == nil || att.URL == "" {
			return nil, ErrMissingAttachment
		}
		return FileContent{Caption: body, File: *att}, nil
	case ContentCallInvite:
		if body == "" {
			return nil, ErrEmptyContent
		}
		return CallInviteContent{Payload: body}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownContentType, int(t))
	}
}

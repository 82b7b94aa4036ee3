package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/im-server/internal/api/middleware"
	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/response"
)

// Sender 发送管线
type Sender interface {
	Send(ctx context.Context, req service.SendRequest) (*service.SendReceipt, error)
}

// Presence 订阅（在线会话）管理
type Presence interface {
	Connect(ctx context.Context, userID uint64) string
	GetOrCreate(ctx context.Context, userID uint64) string
	Disconnect(ctx context.Context, subID string) error
	DisconnectAll(ctx context.Context, userID uint64) (int, error)
	Owner(ctx context.Context, subID string) (uint64, bool)
}

// Directory 调用方身份解析
type Directory interface {
	Resolve(ctx context.Context, ref string) (*cache.UserSnapshot, error)
}

type Handler struct {
	sender        Sender
	presence      Presence
	users         Directory
	conversations service.ConversationService
	messages      service.MessageService
	outbox        service.OutboxService
}

type Deps struct {
	Sender        Sender
	Presence      Presence
	Users         Directory
	Conversations service.ConversationService
	Messages      service.MessageService
	Outbox        service.OutboxService
}

func New(d Deps) *Handler {
	return &Handler{
		sender:        d.Sender,
		presence:      d.Presence,
		users:         d.Users,
		conversations: d.Conversations,
		messages:      d.Messages,
		outbox:        d.Outbox,
	}
}

// caller 解析令牌中的身份；失败时已写响应
func (h *Handler) caller(c *gin.Context) (*cache.UserSnapshot, bool) {
	ref := middleware.UserRef(c)
	if ref == "" {
		response.Unauthorized(c, "unauthenticated")
		return nil, false
	}
	u, err := h.users.Resolve(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Unauthorized(c, "unknown user")
		} else {
			response.InternalError(c, err)
		}
		return nil, false
	}
	return u, true
}

// fail 服务层错误到 HTTP 状态的映射
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func queryInt64(c *gin.Context, key string) int64 {
	v, _ := strconv.ParseInt(c.Query(key), 10, 64)
	return v
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

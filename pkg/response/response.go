package response

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/pkg/logger"
)

// Response 统一响应体
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: msg})
}

func BadRequest(c *gin.Context, msg string) { fail(c, http.StatusBadRequest, msg) }

func Unauthorized(c *gin.Context, msg string) { fail(c, http.StatusUnauthorized, msg) }

func NotFound(c *gin.Context, msg string) { fail(c, http.StatusNotFound, msg) }

func Conflict(c *gin.Context, msg string) { fail(c, http.StatusConflict, msg) }

func TooManyRequests(c *gin.Context, msg string) { fail(c, http.StatusTooManyRequests, msg) }

// InternalError 记录日志并上报 Sentry（未配置 DSN 时 sentry 为空操作），
// 对外只返回通用信息。
func InternalError(c *gin.Context, err error) {
	logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	if hub := sentry.GetHubFromContext(c.Request.Context()); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
	fail(c, http.StatusInternalServerError, "internal server error")
}

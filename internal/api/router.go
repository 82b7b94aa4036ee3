package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	_ "github.com/d60-Lab/im-server/docs"
	"github.com/d60-Lab/im-server/internal/api/handler"
	"github.com/d60-Lab/im-server/internal/api/middleware"
	"github.com/d60-Lab/im-server/pkg/logger"
)

type RouterOptions struct {
	ServiceName string
	JWTSecret   string
	JWTIssuer   string
	// SendLimiter 为空时不限流
	SendLimiter *middleware.RateLimiter
	Swagger     bool
}

// NewRouter 注册全部路由；/api/v1 下除健康检查外都需要令牌
func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(), gzip.Gzip(gzip.DefaultCompression))
	if opts.ServiceName != "" {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if opts.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := r.Group("/api/v1", middleware.Auth(opts.JWTSecret, opts.JWTIssuer))

	subs := v1.Group("/subscriptions")
	subs.POST("", h.Connect)
	subs.DELETE("", h.DisconnectAll)
	subs.DELETE("/:id", h.Disconnect)
	subs.GET("/:id/user", h.SubscriptionOwner)

	limited := func(next gin.HandlerFunc) []gin.HandlerFunc {
		if opts.SendLimiter == nil {
			return []gin.HandlerFunc{next}
		}
		return []gin.HandlerFunc{opts.SendLimiter.Middleware(), next}
	}
	msgs := v1.Group("/messages")
	msgs.POST("/single", limited(h.SendSingle)...)
	msgs.POST("/group", limited(h.SendGroup)...)
	msgs.GET("/single", h.History)
	msgs.POST("/single/:message_id/read", h.MarkSingleRead)
	msgs.GET("/group/:group_id", h.GroupHistory)
	msgs.POST("/group/:group_id/read", h.MarkGroupRead)
	msgs.GET("/group/:group_id/:message_id/status", h.GroupReadStatus)
	msgs.GET("/offline", h.ReplayOffline)

	convs := v1.Group("/conversations")
	convs.POST("", h.OpenConversation)
	convs.GET("", h.ListConversations)
	convs.GET("/unread", h.UnreadStats)
	convs.PUT("/:chat_id/top", h.SetTop)
	convs.PUT("/:chat_id/mute", h.SetMute)
	convs.PUT("/:chat_id/read", h.UpdateRead)
	convs.DELETE("/:chat_id", h.DeleteConversation)

	out := v1.Group("/outbox")
	out.POST("", h.CreateOutbox)
	out.GET("", h.ListPendingOutbox)
	out.GET("/failed", h.ListFailedOutbox)
	out.GET("/:id", h.GetOutbox)
	out.POST("/:id/sent", h.MarkOutboxSent)
	out.POST("/:id/attempts", h.RetryOutbox)
	out.PUT("/:id/status", h.UpdateOutboxStatus)

	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

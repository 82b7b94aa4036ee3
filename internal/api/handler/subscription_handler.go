package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/im-server/pkg/response"
)

// Connect 为调用方创建推送订阅；reuse=true 时复用已有句柄
// @Summary 建立订阅（上线）
// @Tags 订阅
// @Produce json
// @Param reuse query bool false "复用已有订阅"
// @Security BearerAuth
// @Success 200 {object} response.Response{data=map[string]string}
// @Failure 401 {object} response.Response
// @Router /api/v1/subscriptions [post]
func (h *Handler) Connect(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	var subID string
	if c.Query("reuse") == "true" {
		subID = h.presence.GetOrCreate(c.Request.Context(), u.ID)
	} else {
		subID = h.presence.Connect(c.Request.Context(), u.ID)
	}
	response.Success(c, gin.H{"subscription_id": subID, "open_id": u.OpenID})
}

// Disconnect 删除调用方自己的订阅
// @Summary 删除订阅（下线）
// @Tags 订阅
// @Param id path string true "订阅ID"
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/subscriptions/{id} [delete]
func (h *Handler) Disconnect(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	subID := c.Param("id")
	if owner, found := h.presence.Owner(c.Request.Context(), subID); !found || owner != u.ID {
		response.NotFound(c, "subscription not found")
		return
	}
	if err := h.presence.Disconnect(c.Request.Context(), subID); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}

// DisconnectAll 删除调用方的全部订阅
// @Summary 全部下线
// @Tags 订阅
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=map[string]int}
// @Failure 401 {object} response.Response
// @Router /api/v1/subscriptions [delete]
func (h *Handler) DisconnectAll(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	n, err := h.presence.DisconnectAll(c.Request.Context(), u.ID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": n})
}

// SubscriptionOwner 查询订阅所属用户
// @Summary 查询订阅所属用户
// @Tags 订阅
// @Param id path string true "订阅ID"
// @Security BearerAuth
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 404 {object} response.Response
// @Router /api/v1/subscriptions/{id}/user [get]
func (h *Handler) SubscriptionOwner(c *gin.Context) {
	owner, found := h.presence.Owner(c.Request.Context(), c.Param("id"))
	if !found {
		response.NotFound(c, "subscription not found")
		return
	}
	response.Success(c, gin.H{"user_id": owner})
}

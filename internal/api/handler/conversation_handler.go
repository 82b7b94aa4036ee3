package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/pkg/response"
)

type openConversationRequest struct {
	ChatType model.ChatType `json:"chat_type" binding:"required,oneof=1 2"`
	// Peer 单聊为对方 open_id 或用户名，群聊为群 ID
	Peer string `json:"peer" binding:"required"`
}

type flagRequest struct {
	Value *bool `json:"value" binding:"required"`
}

type readRequest struct {
	Sequence int64 `json:"sequence" binding:"min=0"`
}

// OpenConversation 获取或创建会话
// @Summary 获取或创建会话
// @Tags 会话
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body openConversationRequest true "会话"
// @Success 200 {object} response.Response{data=model.Conversation}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/conversations [post]
func (h *Handler) OpenConversation(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	var req openConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var chatID, peerID string
	if req.ChatType == model.ChatSingle {
		peer, err := h.users.Resolve(ctx, req.Peer)
		if err != nil {
			fail(c, err)
			return
		}
		if peer.ID == u.ID {
			response.BadRequest(c, "cannot open a conversation with yourself")
			return
		}
		chatID, peerID = model.SingleChatID(u.OpenID, peer.OpenID), peer.OpenID
	} else {
		chatID, peerID = model.GroupChatID(req.Peer), req.Peer
	}

	conv, err := h.conversations.GetOrCreate(ctx, chatID, u.OpenID, req.ChatType, peerID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, conv)
}

// ListConversations 会话列表（置顶优先，最近更新优先）
// @Summary 会话列表
// @Tags 会话
// @Security BearerAuth
// @Success 200 {object} response.Response{data=[]model.Conversation}
// @Router /api/v1/conversations [get]
func (h *Handler) ListConversations(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	list, err := h.conversations.List(c.Request.Context(), u.OpenID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

// UnreadStats 未读统计
// @Summary 未读统计
// @Tags 会话
// @Security BearerAuth
// @Success 200 {object} response.Response{data=service.UnreadStats}
// @Router /api/v1/conversations/unread [get]
func (h *Handler) UnreadStats(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	stats, err := h.conversations.UnreadStats(c.Request.Context(), u.OpenID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// SetTop 置顶/取消置顶
// @Summary 会话置顶
// @Tags 会话
// @Accept json
// @Security BearerAuth
// @Param chat_id path string true "会话ID"
// @Param request body flagRequest true "是否置顶"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/conversations/{chat_id}/top [put]
func (h *Handler) SetTop(c *gin.Context) {
	h.setFlag(c, func(c *gin.Context, owner string, v bool) error {
		return h.conversations.SetTop(c.Request.Context(), c.Param("chat_id"), owner, v)
	})
}

// SetMute 免打扰
// @Summary 会话免打扰
// @Tags 会话
// @Accept json
// @Security BearerAuth
// @Param chat_id path string true "会话ID"
// @Param request body flagRequest true "是否免打扰"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/conversations/{chat_id}/mute [put]
func (h *Handler) SetMute(c *gin.Context) {
	h.setFlag(c, func(c *gin.Context, owner string, v bool) error {
		return h.conversations.SetMute(c.Request.Context(), c.Param("chat_id"), owner, v)
	})
}

func (h *Handler) setFlag(c *gin.Context, apply func(*gin.Context, string, bool) error) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := apply(c, u.OpenID, *req.Value); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// UpdateRead 已读位置前移
// @Summary 更新已读序号
// @Tags 会话
// @Accept json
// @Security BearerAuth
// @Param chat_id path string true "会话ID"
// @Param request body readRequest true "已读序号"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/conversations/{chat_id}/read [put]
func (h *Handler) UpdateRead(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.conversations.UpdateRead(c.Request.Context(), c.Param("chat_id"), u.OpenID, req.Sequence); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// DeleteConversation 删除会话
// @Summary 删除会话（单聊同时删除双方消息）
// @Tags 会话
// @Security BearerAuth
// @Param chat_id path string true "会话ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/conversations/{chat_id} [delete]
func (h *Handler) DeleteConversation(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), c.Param("chat_id"), u.OpenID); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

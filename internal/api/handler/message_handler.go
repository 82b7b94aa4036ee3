package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/im-server/internal/api/middleware"
	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/response"
)

type contentBody struct {
	MessageID   string            `json:"message_id"`
	ContentType model.ContentType `json:"content_type" binding:"required"`
	Body        string            `json:"body"`
	Attachment  *model.Attachment `json:"attachment"`
	ReplyTo     *string           `json:"reply_to"`
	Extra       *string           `json:"extra"`
}

type sendSingleRequest struct {
	To string `json:"to" binding:"required"`
	contentBody
}

type sendGroupRequest struct {
	GroupID string `json:"group_id" binding:"required"`
	contentBody
}

type markGroupReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required,min=1"`
}

func (h *Handler) send(c *gin.Context, chatType model.ChatType, to string, body contentBody) {
	content, err := model.NewContent(body.ContentType, body.Body, body.Attachment)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.sender.Send(c.Request.Context(), service.SendRequest{
		MessageID: body.MessageID,
		ChatType:  chatType,
		From:      middleware.UserRef(c),
		To:        to,
		Content:   content,
		ReplyTo:   body.ReplyTo,
		Extra:     body.Extra,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, receipt)
}

// SendSingle 发送单聊消息
// @Summary 发送单聊消息
// @Tags 消息
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body sendSingleRequest true "消息"
// @Success 200 {object} response.Response{data=service.SendReceipt}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/messages/single [post]
func (h *Handler) SendSingle(c *gin.Context) {
	var req sendSingleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.send(c, model.ChatSingle, req.To, req.contentBody)
}

// SendGroup 发送群聊消息
// @Summary 发送群聊消息
// @Tags 消息
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body sendGroupRequest true "消息"
// @Success 200 {object} response.Response{data=service.SendReceipt}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/messages/group [post]
func (h *Handler) SendGroup(c *gin.Context) {
	var req sendGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.send(c, model.ChatGroup, req.GroupID, req.contentBody)
}

// History 单聊历史
// @Summary 单聊历史（不含实时消息）
// @Tags 消息
// @Security BearerAuth
// @Param peer query string true "对方 open_id 或用户名"
// @Param after query int false "起始序号（不含）"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response{data=[]model.SingleMessage}
// @Router /api/v1/messages/single [get]
func (h *Handler) History(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	peerRef := c.Query("peer")
	if peerRef == "" {
		response.BadRequest(c, "peer is required")
		return
	}
	peer, err := h.users.Resolve(c.Request.Context(), peerRef)
	if err != nil {
		fail(c, err)
		return
	}
	list, err := h.messages.History(c.Request.Context(), u.OpenID, peer.OpenID, queryInt64(c, "after"), queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

// GroupHistory 群聊历史
// @Summary 群聊历史（不含实时消息）
// @Tags 消息
// @Security BearerAuth
// @Param group_id path string true "群ID"
// @Param after query int false "起始序号（不含）"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response{data=[]model.GroupMessage}
// @Router /api/v1/messages/group/{group_id} [get]
func (h *Handler) GroupHistory(c *gin.Context) {
	list, err := h.messages.GroupHistory(c.Request.Context(), c.Param("group_id"), queryInt64(c, "after"), queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

// MarkSingleRead 单条单聊消息已读（仅接收方）
// @Summary 单聊消息已读
// @Tags 消息
// @Security BearerAuth
// @Param message_id path string true "消息ID"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/messages/single/{message_id}/read [post]
func (h *Handler) MarkSingleRead(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	if err := h.messages.MarkSingleRead(c.Request.Context(), c.Param("message_id"), u.OpenID); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// MarkGroupRead 群消息批量已读
// @Summary 群消息已读
// @Tags 消息
// @Accept json
// @Security BearerAuth
// @Param group_id path string true "群ID"
// @Param request body markGroupReadRequest true "消息ID列表"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/messages/group/{group_id}/read [post]
func (h *Handler) MarkGroupRead(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	var req markGroupReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.messages.MarkGroupRead(c.Request.Context(), c.Param("group_id"), req.MessageIDs, u.OpenID); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// GroupReadStatus 群消息已读人
// @Summary 群消息已读情况
// @Tags 消息
// @Security BearerAuth
// @Param group_id path string true "群ID"
// @Param message_id path string true "消息ID"
// @Success 200 {object} response.Response{data=service.GroupReadStatus}
// @Router /api/v1/messages/group/{group_id}/{message_id}/status [get]
func (h *Handler) GroupReadStatus(c *gin.Context) {
	st, err := h.messages.GroupReadStatus(c.Request.Context(), c.Param("group_id"), c.Param("message_id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, st)
}

// ReplayOffline 拉取并清空离线消息
// @Summary 拉取离线消息
// @Tags 消息
// @Security BearerAuth
// @Success 200 {object} response.Response{data=[]push.Envelope}
// @Router /api/v1/messages/offline [get]
func (h *Handler) ReplayOffline(c *gin.Context) {
	u, ok := h.caller(c)
	if !ok {
		return
	}
	list, err := h.messages.ReplayOffline(c.Request.Context(), u.OpenID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

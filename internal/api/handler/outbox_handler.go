package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/response"
)

type updateStatusRequest struct {
	Status model.OutboxStatus `json:"status" binding:"required"`
}

type retryRequest struct {
	LastError string     `json:"last_error"`
	NextTryAt *time.Time `json:"next_try_at"`
}

func outboxID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid outbox id")
		return 0, false
	}
	return id, true
}

// CreateOutbox 写入一条外发记录
// @Summary 新建 outbox 记录
// @Tags 发件箱
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.CreateOutboxRequest true "记录"
// @Success 200 {object} response.Response{data=model.OutboxEntry}
// @Failure 400 {object} response.Response
// @Router /api/v1/outbox [post]
func (h *Handler) CreateOutbox(c *gin.Context) {
	var req service.CreateOutboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	e, err := h.outbox.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, e)
}

// ListPendingOutbox 到期待发记录
// @Summary 待发送记录
// @Tags 发件箱
// @Security BearerAuth
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response{data=[]model.OutboxEntry}
// @Router /api/v1/outbox [get]
func (h *Handler) ListPendingOutbox(c *gin.Context) {
	list, err := h.outbox.ListPending(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

// ListFailedOutbox 失败记录
// @Summary 失败记录
// @Tags 发件箱
// @Security BearerAuth
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response{data=[]model.OutboxEntry}
// @Router /api/v1/outbox/failed [get]
func (h *Handler) ListFailedOutbox(c *gin.Context) {
	list, err := h.outbox.ListFailed(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, list)
}

// GetOutbox 查询单条记录
// @Summary 查询 outbox 记录
// @Tags 发件箱
// @Security BearerAuth
// @Param id path int true "记录ID"
// @Success 200 {object} response.Response{data=model.OutboxEntry}
// @Failure 404 {object} response.Response
// @Router /api/v1/outbox/{id} [get]
func (h *Handler) GetOutbox(c *gin.Context) {
	id, ok := outboxID(c)
	if !ok {
		return
	}
	e, err := h.outbox.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, e)
}

// MarkOutboxSent 标记已发送
// @Summary 标记已发送
// @Tags 发件箱
// @Security BearerAuth
// @Param id path int true "记录ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/outbox/{id}/sent [post]
func (h *Handler) MarkOutboxSent(c *gin.Context) {
	id, ok := outboxID(c)
	if !ok {
		return
	}
	if err := h.outbox.MarkSent(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// UpdateOutboxStatus 修改状态
// @Summary 修改 outbox 状态
// @Tags 发件箱
// @Accept json
// @Security BearerAuth
// @Param id path int true "记录ID"
// @Param request body updateStatusRequest true "状态 PENDING/SENT/FAILED"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/outbox/{id}/status [put]
func (h *Handler) UpdateOutboxStatus(c *gin.Context) {
	id, ok := outboxID(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.outbox.UpdateStatus(c.Request.Context(), id, req.Status); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// RetryOutbox 记一次失败并安排下次重试
// @Summary 记录失败尝试
// @Tags 发件箱
// @Accept json
// @Security BearerAuth
// @Param id path int true "记录ID"
// @Param request body retryRequest true "错误信息与下次重试时间"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/outbox/{id}/attempts [post]
func (h *Handler) RetryOutbox(c *gin.Context) {
	id, ok := outboxID(c)
	if !ok {
		return
	}
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := h.outbox.IncrementAttempts(ctx, id, req.LastError); err != nil {
		fail(c, err)
		return
	}
	if req.NextTryAt != nil {
		if err := h.outbox.SetNextTryAt(ctx, id, *req.NextTryAt); err != nil {
			fail(c, err)
			return
		}
	}
	response.Success(c, nil)
}

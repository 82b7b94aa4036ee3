package service

import (
	"context"
	"time"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
)

const (
	defaultOutboxLimit = 50
	maxOutboxLimit     = 500
)

type CreateOutboxRequest struct {
	MessageID  string `json:"message_id" validate:"required,max=64"`
	Payload    []byte `json:"payload"`
	Exchange   string `json:"exchange" validate:"required,max=128"`
	RoutingKey string `json:"routing_key" validate:"required,max=128"`
}

// OutboxService 发件箱台账的校验层；message_id 不做唯一校验，重复入队由调用方避免
type OutboxService interface {
	Create(ctx context.Context, req CreateOutboxRequest) (*model.OutboxEntry, error)
	Get(ctx context.Context, id int64) (*model.OutboxEntry, error)
	MarkSent(ctx context.Context, id int64) error
	UpdateStatus(ctx context.Context, id int64, status model.OutboxStatus) error
	IncrementAttempts(ctx context.Context, id int64, lastError string) error
	SetNextTryAt(ctx context.Context, id int64, at time.Time) error
	ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
}

type outboxService struct {
	repo repository.OutboxRepository
}

func NewOutboxService(repo repository.OutboxRepository) OutboxService {
	return &outboxService{repo: repo}
}

func (s *outboxService) Create(ctx context.Context, req CreateOutboxRequest) (*model.OutboxEntry, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	e := &model.OutboxEntry{
		MessageID:  req.MessageID,
		Payload:    req.Payload,
		Exchange:   req.Exchange,
		RoutingKey: req.RoutingKey,
		Status:     model.OutboxPending,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *outboxService) Get(ctx context.Context, id int64) (*model.OutboxEntry, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, translate(err, "outbox entry")
	}
	return e, nil
}

func (s *outboxService) MarkSent(ctx context.Context, id int64) error {
	return translate(s.repo.MarkSent(ctx, id), "outbox entry")
}

func (s *outboxService) UpdateStatus(ctx context.Context, id int64, status model.OutboxStatus) error {
	if !status.Valid() {
		return invalidf("unknown outbox status %q", status)
	}
	return translate(s.repo.UpdateStatus(ctx, id, status), "outbox entry")
}

func (s *outboxService) IncrementAttempts(ctx context.Context, id int64, lastError string) error {
	return translate(s.repo.IncrementAttempts(ctx, id, lastError), "outbox entry")
}

func (s *outboxService) SetNextTryAt(ctx context.Context, id int64, at time.Time) error {
	return translate(s.repo.SetNextTryAt(ctx, id, at), "outbox entry")
}

func (s *outboxService) ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	return s.repo.ListPending(ctx, outboxLimit(limit))
}

func (s *outboxService) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	return s.repo.ListFailed(ctx, outboxLimit(limit))
}

func outboxLimit(limit int) int {
	if limit <= 0 {
		return defaultOutboxLimit
	}
	if limit > maxOutboxLimit {
		return maxOutboxLimit
	}
	return limit
}

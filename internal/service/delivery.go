package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/pkg/logger"
)

var tracer = otel.Tracer("github.com/d60-Lab/im-server/internal/service")

// Outcome 单个接收方的投递结果
type Outcome string

const (
	OutcomeDeliveredLive Outcome = "delivered-live"
	OutcomeQueuedOffline Outcome = "queued-offline"
	OutcomePersistedOnly Outcome = "persisted-only"
)

type RecipientOutcome struct {
	Recipient string  `json:"recipient"`
	UserID    uint64  `json:"user_id"`
	Online    bool    `json:"online"`
	Outcome   Outcome `json:"outcome"`
}

// HousekeepingError 附带写（会话序号、离线队列等）失败。只记录，不影响发送结果。
type HousekeepingError struct {
	Op        string
	Recipient string
	Err       error
}

func (e *HousekeepingError) Error() string {
	if e.Recipient == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Recipient, e.Err)
}

func (e *HousekeepingError) Unwrap() error { return e.Err }

// SendReceipt 发送结果。只要消息已落库，发送即成功；投递通道的问题体现在 Outcomes
// 与 Housekeeping 中。
type SendReceipt struct {
	MessageID    string               `json:"message_id"`
	ChatID       string               `json:"chat_id"`
	ChatType     model.ChatType       `json:"chat_type"`
	Sequence     int64                `json:"sequence"`
	TimestampMs  int64                `json:"timestamp_ms"`
	Duplicate    bool                 `json:"duplicate"`
	Outcomes     []RecipientOutcome   `json:"outcomes"`
	Housekeeping []*HousekeepingError `json:"-"`

	mu sync.Mutex
}

func (r *SendReceipt) housekeep(op, recipient string, err error) {
	logger.Warn("delivery housekeeping failed",
		zap.String("message_id", r.MessageID), zap.String("op", op),
		zap.String("recipient", recipient), zap.Error(err))
	r.mu.Lock()
	r.Housekeeping = append(r.Housekeeping, &HousekeepingError{Op: op, Recipient: recipient, Err: err})
	r.mu.Unlock()
}

// SendRequest 单聊时 To 为接收方引用，群聊时 To 为群 ID
type SendRequest struct {
	MessageID string         `validate:"omitempty,max=64"`
	ChatType  model.ChatType `validate:"oneof=1 2"`
	From      string         `validate:"required,max=64"`
	To        string         `validate:"required,max=64"`
	Content   model.Content  `validate:"required"`
	ReplyTo   *string        `validate:"omitempty,max=64"`
	Extra     *string        `validate:"omitempty,max=4096"`
}

// UserResolver 身份解析（open_id 或用户名）
type UserResolver interface {
	ResolveMany(ctx context.Context, refs []string) (map[string]*cache.UserSnapshot, error)
}

// PresenceChecker 见 presence.Tracker.Online
type PresenceChecker interface {
	Online(ctx context.Context, userID uint64) (bool, []string, error)
}

type OfflineStore interface {
	Push(ctx context.Context, recipient string, payload []byte) error
}

type SequenceSource interface {
	NextInt64() int64
}

// GroupDirectory 群成员只读视图
type GroupDirectory interface {
	Exists(ctx context.Context, groupID string) (bool, error)
	ListMembers(ctx context.Context, groupID string) ([]string, error)
}

// MessageReader 重复 message_id 时读取已有消息
type MessageReader interface {
	GetSingle(ctx context.Context, messageID string) (*model.SingleMessage, error)
	GetGroup(ctx context.Context, messageID string) (*model.GroupMessage, error)
}

type OutboxTarget struct {
	Enabled    bool
	Exchange   string
	RoutingKey string
}

type DeliveryOptions struct {
	PushTimeout time.Duration
	// MaxBodyBytes 正文上限，<= 0 时用 model.DefaultMaxBodyBytes
	MaxBodyBytes int
	// Concurrency 单次发送内并行投递的接收方数
	Concurrency int
	Outbox      OutboxTarget
}

type DeliveryDeps struct {
	IDs           SequenceSource
	Users         UserResolver
	Groups        GroupDirectory
	Writer        MessageWriter
	Messages      MessageReader
	Conversations ConversationService
	// Replicator 可选；为空时群聊接收方会话同步更新
	Replicator *ConversationReplicator
	Presence   PresenceChecker
	Publisher  push.Publisher
	Offline    OfflineStore
}

// Delivery 发送管线：校验 -> 会话对账定类型 -> 落库 -> 解析接收方 ->
// 逐个接收方判定在线、推送、失败或离线时入离线队列 -> 更新会话序号。
type Delivery struct {
	DeliveryDeps
	opts DeliveryOptions
}

func NewDelivery(deps DeliveryDeps, opts DeliveryOptions) *Delivery {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 2 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = model.DefaultMaxBodyBytes
	}
	return &Delivery{DeliveryDeps: deps, opts: opts}
}

func (d *Delivery) Send(ctx context.Context, req SendRequest) (*SendReceipt, error) {
	ctx, span := tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.Int("im.chat_type", int(req.ChatType)),
		attribute.String("im.message_id", req.MessageID),
	))
	defer span.End()

	receipt, err := d.send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("im.recipients", len(receipt.Outcomes)),
		attribute.Int("im.housekeeping_errors", len(receipt.Housekeeping)),
	)
	return receipt, nil
}

func (d *Delivery) send(ctx context.Context, req SendRequest) (*SendReceipt, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := model.ValidateContent(req.Content, d.opts.MaxBodyBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	sender, peer, direct, err := d.resolveParties(ctx, req)
	if err != nil {
		return nil, err
	}
	chatID := model.ChatIDFor(req.ChatType, sender.OpenID, peer)
	receipt := &SendReceipt{MessageID: req.MessageID, ChatID: chatID, ChatType: req.ChatType}

	// 类型以发送方会话持久化的 chat_type 为准，不看当前成员数。落库前只读不写。
	if t, err := d.Conversations.Classify(ctx, chatID, sender.OpenID, req.ChatType); err != nil {
		receipt.housekeep("classify chat", sender.OpenID, err)
	} else {
		receipt.ChatType = t
	}

	now := time.Now()
	env := push.Envelope{
		MessageID:   req.MessageID,
		ChatType:    receipt.ChatType,
		ChatID:      chatID,
		From:        sender.OpenID,
		To:          peer,
		Body:        req.Content.Body(),
		ContentType: req.Content.Type(),
		Attachment:  req.Content.Attachment(),
		Sequence:    d.IDs.NextInt64(),
		TimestampMs: now.UnixMilli(),
	}
	if receipt.ChatType == model.ChatGroup {
		env.GroupID = peer
	}
	if err := d.persist(ctx, req, &env, receipt); err != nil {
		return nil, err
	}
	receipt.Sequence = env.Sequence
	receipt.TimestampMs = env.TimestampMs

	// 已落库：调用方断开也要把投递做完
	ctx = context.WithoutCancel(ctx)

	recipients, err := d.recipients(ctx, receipt.ChatType, peer, sender, direct)
	if err != nil {
		receipt.housekeep("resolve recipients", "", err)
	}

	ephemeral := model.IsEphemeral(req.Content)
	receipt.Outcomes = make([]RecipientOutcome, len(recipients))
	p := pool.New().WithMaxGoroutines(d.opts.Concurrency)
	for i, r := range recipients {
		p.Go(func() {
			receipt.Outcomes[i] = d.deliverOne(ctx, env, ephemeral, r, receipt)
			d.touchRecipient(ctx, env, r, receipt)
		})
	}
	p.Wait()

	if _, err := d.Conversations.GetOrCreate(ctx, chatID, sender.OpenID, receipt.ChatType, peer); err != nil {
		receipt.housekeep("reconcile sender conversation", sender.OpenID, err)
	} else if err := d.Conversations.BumpSequence(ctx, chatID, sender.OpenID, env.Sequence, true); err != nil {
		receipt.housekeep("bump sender conversation", sender.OpenID, err)
	}
	return receipt, nil
}

// resolveParties 解析发送方与会话对端；单聊时 direct 为接收方
func (d *Delivery) resolveParties(ctx context.Context, req SendRequest) (sender *cache.UserSnapshot, peer string, direct *cache.UserSnapshot, err error) {
	refs := []string{req.From}
	if req.ChatType == model.ChatSingle {
		refs = append(refs, req.To)
	}
	users, err := d.Users.ResolveMany(ctx, refs)
	if err != nil {
		return nil, "", nil, fmt.Errorf("resolve users: %w", err)
	}
	sender, ok := users[req.From]
	if !ok {
		return nil, "", nil, fmt.Errorf("%w: sender %s", ErrNotFound, req.From)
	}

	if req.ChatType == model.ChatSingle {
		direct, ok = users[req.To]
		if !ok {
			return nil, "", nil, fmt.Errorf("%w: recipient %s", ErrNotFound, req.To)
		}
		if direct.ID == sender.ID {
			return nil, "", nil, invalidf("cannot send a message to yourself")
		}
		return sender, direct.OpenID, direct, nil
	}

	exists, err := d.Groups.Exists(ctx, req.To)
	if err != nil {
		return nil, "", nil, fmt.Errorf("check group %s: %w", req.To, err)
	}
	if !exists {
		return nil, "", nil, fmt.Errorf("%w: group %s", ErrNotFound, req.To)
	}
	return sender, req.To, nil, nil
}

// persist 主存储写入，失败即整个发送失败。重复的 message_id 沿用已有的序号。
func (d *Delivery) persist(ctx context.Context, req SendRequest, env *push.Envelope, receipt *SendReceipt) error {
	cols := model.ContentColumns(req.Content)
	createdAt := time.UnixMilli(env.TimestampMs)

	var out *model.OutboxEntry
	if d.opts.Outbox.Enabled {
		payload, err := env.Marshal()
		if err != nil {
			return fmt.Errorf("%w: encode outbox payload: %v", ErrPersist, err)
		}
		out = &model.OutboxEntry{
			MessageID:  env.MessageID,
			Payload:    payload,
			Exchange:   d.opts.Outbox.Exchange,
			RoutingKey: d.opts.Outbox.RoutingKey,
			Status:     model.OutboxPending,
		}
	}

	var (
		created bool
		err     error
	)
	switch receipt.ChatType {
	case model.ChatGroup:
		created, err = d.Writer.WriteGroup(ctx, &model.GroupMessage{
			MessageID:      env.MessageID,
			GroupID:        env.GroupID,
			FromID:         env.From,
			MessageContent: cols,
			Sequence:       env.Sequence,
			ReplyTo:        req.ReplyTo,
			Extra:          req.Extra,
			CreatedAt:      createdAt,
		}, out)
	default:
		created, err = d.Writer.WriteSingle(ctx, &model.SingleMessage{
			MessageID:      env.MessageID,
			FromID:         env.From,
			ToID:           env.To,
			MessageContent: cols,
			ReadStatus:     model.Unread,
			Sequence:       env.Sequence,
			ReplyTo:        req.ReplyTo,
			Extra:          req.Extra,
			CreatedAt:      createdAt,
		}, out)
	}
	if err != nil {
		logger.Error("persist message failed", zap.String("message_id", env.MessageID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if created {
		return nil
	}

	receipt.Duplicate = true
	seq, at, err := d.existing(ctx, receipt.ChatType, env.MessageID)
	if err != nil {
		return fmt.Errorf("%w: load existing message: %v", ErrPersist, err)
	}
	env.Sequence = seq
	env.TimestampMs = at.UnixMilli()
	return nil
}

func (d *Delivery) existing(ctx context.Context, chatType model.ChatType, messageID string) (int64, time.Time, error) {
	if chatType == model.ChatGroup {
		m, err := d.Messages.GetGroup(ctx, messageID)
		if err != nil {
			return 0, time.Time{}, err
		}
		return m.Sequence, m.CreatedAt, nil
	}
	m, err := d.Messages.GetSingle(ctx, messageID)
	if err != nil {
		return 0, time.Time{}, err
	}
	return m.Sequence, m.CreatedAt, nil
}

// recipients 群聊按解析后的身份去重并排除发送方（成员表里可能有重复行与别名）
func (d *Delivery) recipients(ctx context.Context, chatType model.ChatType, peer string, sender, direct *cache.UserSnapshot) ([]*cache.UserSnapshot, error) {
	if chatType == model.ChatSingle {
		if direct == nil {
			return nil, errors.New("single chat without recipient")
		}
		return []*cache.UserSnapshot{direct}, nil
	}

	members, err := d.Groups.ListMembers(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", peer, err)
	}
	resolved, err := d.Users.ResolveMany(ctx, uniqueStrings(members))
	if err != nil {
		return nil, fmt.Errorf("resolve members of %s: %w", peer, err)
	}
	seen := map[uint64]struct{}{sender.ID: {}}
	out := make([]*cache.UserSnapshot, 0, len(resolved))
	for _, ref := range members {
		u, ok := resolved[ref]
		if !ok {
			logger.Warn("unknown group member", zap.String("group", peer), zap.String("member", ref))
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

func (d *Delivery) deliverOne(ctx context.Context, env push.Envelope, ephemeral bool, r *cache.UserSnapshot, receipt *SendReceipt) RecipientOutcome {
	res := RecipientOutcome{Recipient: r.OpenID, UserID: r.ID, Outcome: OutcomePersistedOnly}

	online, _, err := d.Presence.Online(ctx, r.ID)
	presenceKnown := err == nil
	if err != nil {
		receipt.housekeep("presence", r.OpenID, err)
	}
	res.Online = online

	// 实时内容过期即无意义：确认离线时不推也不存
	if ephemeral && presenceKnown && !online {
		return res
	}

	env.To = r.OpenID
	data, err := env.Marshal()
	if err != nil {
		receipt.housekeep("encode envelope", r.OpenID, err)
		return res
	}

	pushCtx, cancel := context.WithTimeout(ctx, d.opts.PushTimeout)
	perr := d.Publisher.Publish(pushCtx, push.InboxSubject(r.OpenID), data, env.MessageID)
	cancel()
	if perr != nil {
		logger.Warn("push failed",
			zap.String("message_id", env.MessageID), zap.String("recipient", r.OpenID), zap.Error(perr))
	}

	switch {
	case perr == nil && online:
		res.Outcome = OutcomeDeliveredLive
		return res
	case ephemeral:
		if perr == nil {
			res.Outcome = OutcomeDeliveredLive
		}
		return res
	}

	// 推送失败，或接收方不在线（core NATS 不缓存，推送成功也可能没人收）
	if err := d.Offline.Push(ctx, r.OpenID, data); err != nil {
		receipt.housekeep("offline queue", r.OpenID, err)
		return res
	}
	res.Outcome = OutcomeQueuedOffline
	return res
}

// touchRecipient 接收方会话对账并推进序号；群聊有 replicator 时异步执行
func (d *Delivery) touchRecipient(ctx context.Context, env push.Envelope, r *cache.UserSnapshot, receipt *SendReceipt) {
	peer := env.From
	if env.ChatType == model.ChatGroup {
		peer = env.GroupID
		if d.Replicator != nil {
			if !d.Replicator.Enqueue(env.ChatID, r.OpenID, env.ChatType, peer, env.Sequence) {
				receipt.housekeep("enqueue recipient conversation", r.OpenID, errors.New("replicator queue full"))
			}
			return
		}
	}
	if _, err := d.Conversations.GetOrCreate(ctx, env.ChatID, r.OpenID, env.ChatType, peer); err != nil {
		receipt.housekeep("reconcile recipient conversation", r.OpenID, err)
		return
	}
	if err := d.Conversations.BumpSequence(ctx, env.ChatID, r.OpenID, env.Sequence, false); err != nil {
		receipt.housekeep("bump recipient conversation", r.OpenID, err)
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

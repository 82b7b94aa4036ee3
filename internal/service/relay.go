package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/pkg/logger"
)

type RelayOptions struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// Lease 认领后 next_try_at 推后的时长，期间其它 worker 不会再认领
	Lease time.Duration
}

// OutboxRelay 从 outbox 认领到期记录并发布到 <exchange>.<routing_key>。
// 至少一次：发布成功但 MarkSent 失败时，租约到期后会再发一次，下游按 Nats-Msg-Id 去重。
type OutboxRelay struct {
	repo      repository.OutboxRepository
	publisher push.Publisher
	opts      RelayOptions
	now       func() time.Time
	metricsCh chan time.Duration // 创建到发布成功的延迟
}

func NewOutboxRelay(repo repository.OutboxRepository, publisher push.Publisher, opts RelayOptions) *OutboxRelay {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		metricsCh: make(chan time.Duration, 65536),
	}
}

func (w *OutboxRelay) Metrics() <-chan time.Duration { return w.metricsCh }

// Start 启动若干 worker 轮询 outbox；返回停止函数，等待进行中的批次结束。
func (w *OutboxRelay) Start() func(context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(stop)
		}()
	}
	return func(ctx context.Context) error {
		close(stop)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *OutboxRelay) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// 一批满了说明还有积压，立即再取
			for {
				n, err := w.ProcessOnce(context.Background())
				if err != nil {
					logger.Warn("outbox relay batch failed", zap.Error(err))
					break
				}
				if n < w.opts.BatchSize {
					break
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}
}

// ProcessOnce 认领一批并逐条发布，返回认领条数
func (w *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := w.repo.ClaimPending(ctx, w.opts.BatchSize, w.opts.Lease)
	if err != nil {
		return 0, err
	}
	for _, e := range batch {
		w.dispatch(ctx, e)
	}
	return len(batch), nil
}

func (w *OutboxRelay) dispatch(ctx context.Context, e *model.OutboxEntry) {
	subject := e.Exchange + "." + e.RoutingKey
	err := w.publisher.Publish(ctx, subject, e.Payload, e.MessageID)
	if err == nil {
		if mErr := w.repo.MarkSent(ctx, e.ID); mErr != nil {
			logger.Warn("outbox mark sent failed", zap.Int64("id", e.ID), zap.Error(mErr))
			return
		}
		if !e.CreatedAt.IsZero() {
			select {
			case w.metricsCh <- w.now().Sub(e.CreatedAt):
			default:
			}
		}
		return
	}

	attempts := e.Attempts + 1
	status := model.OutboxPending
	var next *time.Time
	if attempts >= w.opts.MaxAttempts {
		status = model.OutboxFailed
		logger.Error("outbox entry failed permanently",
			zap.Int64("id", e.ID), zap.String("message_id", e.MessageID),
			zap.Int("attempts", attempts), zap.Error(err))
	} else {
		at := w.now().Add(w.Backoff(attempts))
		next = &at
		logger.Warn("outbox publish failed, retry scheduled",
			zap.Int64("id", e.ID), zap.String("message_id", e.MessageID),
			zap.Int("attempts", attempts), zap.Time("next_try_at", at), zap.Error(err))
	}
	if rErr := w.repo.RecordFailure(ctx, e.ID, err.Error(), status, next); rErr != nil {
		logger.Warn("outbox record failure failed", zap.Int64("id", e.ID), zap.Error(rErr))
	}
}

// Backoff 第 n 次失败后的等待：base * 2^(n-1)，上限 MaxBackoff
func (w *OutboxRelay) Backoff(attempts int) time.Duration {
	d := w.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.MaxBackoff {
			return w.opts.MaxBackoff
		}
	}
	return d
}

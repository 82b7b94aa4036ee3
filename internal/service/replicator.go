package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/pkg/logger"
)

type conversationJob struct {
	chatID   string
	ownerID  string
	chatType model.ChatType
	peerID   string
	seq      int64
	enqAt    time.Time
}

// ConversationReplicator 群聊接收方会话的异步更新：群越大扇出越多，
// 不放在发送路径上同步执行。队列满时丢弃并告警，接收方下次收到消息时会补上。
type ConversationReplicator struct {
	convs     ConversationService
	ch        chan conversationJob
	metricsCh chan time.Duration
}

func NewConversationReplicator(convs ConversationService, queueSize int) *ConversationReplicator {
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &ConversationReplicator{
		convs:     convs,
		ch:        make(chan conversationJob, queueSize),
		metricsCh: make(chan time.Duration, 4096),
	}
}

func (r *ConversationReplicator) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	stopCh := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case job := <-r.ch:
					r.apply(job)
				case <-stopCh:
					return
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		close(stopCh)
		// 剩余任务在调用方的 ctx 内同步排空
		for {
			select {
			case job := <-r.ch:
				r.apply(job)
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}
	}
}

func (r *ConversationReplicator) apply(job conversationJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.convs.GetOrCreate(ctx, job.chatID, job.ownerID, job.chatType, job.peerID); err != nil {
		logger.Warn("replicate conversation failed",
			zap.String("chat_id", job.chatID), zap.String("owner", job.ownerID), zap.Error(err))
		return
	}
	if err := r.convs.BumpSequence(ctx, job.chatID, job.ownerID, job.seq, false); err != nil {
		logger.Warn("replicate conversation sequence failed",
			zap.String("chat_id", job.chatID), zap.String("owner", job.ownerID), zap.Error(err))
	}
	if !job.enqAt.IsZero() {
		select {
		case r.metricsCh <- time.Since(job.enqAt):
		default:
		}
	}
}

// Enqueue 非阻塞入队，返回是否成功
func (r *ConversationReplicator) Enqueue(chatID, ownerID string, chatType model.ChatType, peerID string, seq int64) bool {
	select {
	case r.ch <- conversationJob{chatID: chatID, ownerID: ownerID, chatType: chatType, peerID: peerID, seq: seq, enqAt: time.Now()}:
		return true
	default:
		logger.Warn("conversation replicator queue full, drop",
			zap.String("chat_id", chatID), zap.String("owner", ownerID))
		return false
	}
}

// Metrics 入队到落库的耗时（采样，满了丢弃）
func (r *ConversationReplicator) Metrics() <-chan time.Duration { return r.metricsCh }

// QueueLen 当前队列长度（采样值）
func (r *ConversationReplicator) QueueLen() int { return len(r.ch) }

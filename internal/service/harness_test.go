package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/presence"
	"github.com/d60-Lab/im-server/internal/push/pushtest"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/testutil"
	"github.com/d60-Lab/im-server/pkg/snowflake"
)

type harness struct {
	db       *gorm.DB
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	users    repository.UserRepository
	groups   repository.GroupRepository
	messages repository.MessageRepository
	convRepo repository.ConversationRepository
	outbox   repository.OutboxRepository
	convs    ConversationService
	tracker  *presence.Tracker
	pub      *pushtest.Recorder
	offline  *cache.OfflineQueue
	deps     DeliveryDeps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	rdb, mr := testutil.NewRedis(t)
	ids, err := snowflake.New(1, 1)
	require.NoError(t, err)

	h := &harness{
		db:       db,
		rdb:      rdb,
		mr:       mr,
		users:    repository.NewUserRepository(db),
		groups:   repository.NewGroupRepository(db),
		messages: repository.NewMessageRepository(db),
		convRepo: repository.NewConversationRepository(db),
		outbox:   repository.NewOutboxRepository(db),
		pub:      &pushtest.Recorder{},
		offline:  cache.NewOfflineQueue(rdb, 0),
	}
	h.convs = NewConversationService(h.convRepo, h.messages, nil)
	h.tracker = presence.NewTracker(presence.NewRegistry(), repository.NewSubscriptionRepository(db), time.Hour)
	h.deps = DeliveryDeps{
		IDs:           ids,
		Users:         cache.NewUserDirectory(h.users, rdb, time.Minute),
		Groups:        h.groups,
		Writer:        NewMessageWriter(db),
		Messages:      h.messages,
		Conversations: h.convs,
		Presence:      h.tracker,
		Publisher:     h.pub,
		Offline:       h.offline,
	}
	return h
}

func (h *harness) delivery(opts DeliveryOptions) *Delivery { return NewDelivery(h.deps, opts) }

func (h *harness) user(t *testing.T, openID, name string) *model.User {
	t.Helper()
	u := &model.User{OpenID: openID, Name: name}
	require.NoError(t, h.users.Create(context.Background(), u))
	return u
}

func (h *harness) group(t *testing.T, groupID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.db.Create(&model.Group{GroupID: groupID}).Error)
	for _, m := range members {
		require.NoError(t, h.groups.AddMember(ctx, groupID, m))
	}
}

func (h *harness) offlineLen(t *testing.T, recipient string) int64 {
	t.Helper()
	n, err := h.offline.Len(context.Background(), recipient)
	require.NoError(t, err)
	return n
}

func text(s string) model.Content { return model.TextContent{Text: s} }

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.convs.GetOrCreate(ctx, "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	second, err := h.convs.GetOrCreate(ctx, "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, first.ChatType, second.ChatType)
	assert.Equal(t, int64(1), second.Version)

	_, err = h.convs.GetOrCreate(ctx, "", "a", model.ChatSingle, "b")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.convs.GetOrCreate(ctx, "single_a_b", "a", 3, "b")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetOrCreateRepairsTypeDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.convRepo.Insert(ctx, &model.Conversation{
		ChatID: "group_42", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b",
	}))

	conv, err := h.convs.GetOrCreate(ctx, "group_42", "a", model.ChatGroup, "42")
	require.NoError(t, err)
	assert.Equal(t, model.ChatGroup, conv.ChatType)
	assert.Equal(t, "42", conv.PeerID)
	assert.Equal(t, int64(2), conv.Version)

	stored, err := h.convRepo.Get(ctx, "group_42", "a")
	require.NoError(t, err)
	assert.Equal(t, model.ChatGroup, stored.ChatType)
}

func TestClassifyDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	got, err := h.convs.Classify(ctx, "single_a_b", "a", model.ChatSingle)
	require.NoError(t, err)
	assert.Equal(t, model.ChatSingle, got)
	list, err := h.convs.List(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.convs.GetOrCreate(ctx, "group_42", "a", model.ChatGroup, "42")
	require.NoError(t, err)
	got, err = h.convs.Classify(ctx, "group_42", "a", model.ChatGroup)
	require.NoError(t, err)
	assert.Equal(t, model.ChatGroup, got)
}

// stubStore 只在测试里模拟竞争与旧表结构
type stubStore struct {
	ConversationStore
	exact         func(calls int) *model.Conversation
	exactCalls    int
	byOwner       *model.Conversation
	byChatID      *model.Conversation
	insertErr     error
	updateTypeErr error
	restored      bool
	updated       []model.ChatType
}

func (s *stubStore) FindExact(context.Context, string, string, model.ChatType) (*model.Conversation, error) {
	s.exactCalls++
	if s.exact == nil {
		return nil, nil
	}
	return s.exact(s.exactCalls), nil
}

func (s *stubStore) FindByOwner(context.Context, string, string) (*model.Conversation, error) {
	return s.byOwner, nil
}

func (s *stubStore) FindByChatID(context.Context, string) (*model.Conversation, error) {
	return s.byChatID, nil
}

func (s *stubStore) Insert(context.Context, *model.Conversation) error { return s.insertErr }

func (s *stubStore) Restore(context.Context, *model.Conversation) (bool, error) {
	return s.restored, nil
}

func (s *stubStore) UpdateType(_ context.Context, _, _ string, t model.ChatType, _ string) error {
	s.updated = append(s.updated, t)
	return s.updateTypeErr
}

func TestDriftRepairReturnsRequestedTypeEvenIfUpdateFails(t *testing.T) {
	store := &stubStore{
		byOwner:       &model.Conversation{ChatID: "group_42", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b", Version: 3},
		updateTypeErr: errors.New("row locked"),
	}
	svc := NewConversationService(store, nil, nil)

	conv, err := svc.GetOrCreate(context.Background(), "group_42", "a", model.ChatGroup, "42")
	require.NoError(t, err)
	assert.Equal(t, model.ChatGroup, conv.ChatType)
	assert.Equal(t, int64(4), conv.Version)
	assert.Equal(t, []model.ChatType{model.ChatGroup}, store.updated)
	// 原对象不被修改
	assert.Equal(t, model.ChatSingle, store.byOwner.ChatType)
}

func TestInsertRaceReturnsWinnersRow(t *testing.T) {
	winner := &model.Conversation{ChatID: "single_a_b", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b", Version: 1}
	store := &stubStore{
		exact: func(calls int) *model.Conversation {
			if calls == 1 {
				return nil
			}
			return winner
		},
		insertErr: repository.ErrDuplicate,
	}
	svc := NewConversationService(store, nil, nil)

	conv, err := svc.GetOrCreate(context.Background(), "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	assert.Same(t, winner, conv)
}

func TestInsertRaceOnRealStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	racer := &racingStore{ConversationRepository: h.convRepo}
	svc := NewConversationService(racer, h.messages, nil)

	conv, err := svc.GetOrCreate(ctx, "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	require.NotNil(t, conv.Remark)
	assert.Equal(t, "winner", *conv.Remark)
}

// racingStore 在本次插入之前插入一行，模拟并发创建者
type racingStore struct {
	repository.ConversationRepository
}

func (s *racingStore) Insert(ctx context.Context, c *model.Conversation) error {
	remark := "winner"
	other := *c
	other.Remark = &remark
	if err := s.ConversationRepository.Insert(ctx, &other); err != nil {
		return err
	}
	return s.ConversationRepository.Insert(ctx, c)
}

func TestInsertDuplicateRestoresOwnSoftDeletedRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.convs.GetOrCreate(ctx, "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	require.NoError(t, h.convRepo.SetTop(ctx, "single_a_b", "a", true))
	require.NoError(t, h.convs.Delete(ctx, "single_a_b", "a"))

	conv, err := h.convs.GetOrCreate(ctx, "single_a_b", "a", model.ChatSingle, "b")
	require.NoError(t, err)
	assert.False(t, conv.IsTop)
	assert.Equal(t, int64(2), conv.Version)
}

func TestLegacyChatIDFallback(t *testing.T) {
	legacy := &model.Conversation{ChatID: "single_a_b", OwnerID: "oid-a", ChatType: model.ChatSingle, PeerID: "b"}
	store := &stubStore{byChatID: legacy, insertErr: repository.ErrDuplicate}

	t.Run("same identity", func(t *testing.T) {
		sameByAlias := func(_ context.Context, x, y string) bool {
			alias := map[string]string{"a": "oid-a", "oid-a": "oid-a"}
			return alias[x] == alias[y]
		}
		svc := NewConversationService(store, nil, sameByAlias)
		conv, err := svc.GetOrCreate(context.Background(), "single_a_b", "a", model.ChatSingle, "b")
		require.NoError(t, err)
		assert.Same(t, legacy, conv)
	})

	t.Run("foreign owner", func(t *testing.T) {
		svc := NewConversationService(store, nil, nil)
		_, err := svc.GetOrCreate(context.Background(), "single_a_b", "mallory", model.ChatSingle, "b")
		assert.ErrorIs(t, err, ErrDataIntegrity)
	})

	t.Run("no row visible", func(t *testing.T) {
		svc := NewConversationService(&stubStore{insertErr: repository.ErrDuplicate}, nil, nil)
		_, err := svc.GetOrCreate(context.Background(), "single_a_b", "a", model.ChatSingle, "b")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDataIntegrity)
	})
}

func TestInsertFailureIsSurfaced(t *testing.T) {
	svc := NewConversationService(&stubStore{insertErr: errors.New("connection reset")}, nil, nil)
	_, err := svc.GetOrCreate(context.Background(), "single_a_b", "a", model.ChatSingle, "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestListRepairsTypeFromChatIDPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.convRepo.Insert(ctx, &model.Conversation{ChatID: "group_7", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "7"}))
	require.NoError(t, h.convRepo.Insert(ctx, &model.Conversation{ChatID: "single_a_b", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b"}))

	list, err := h.convs.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		want, _ := model.ChatTypeFromID(c.ChatID)
		assert.Equal(t, want, c.ChatType, c.ChatID)
	}
	stored, err := h.convRepo.Get(ctx, "group_7", "a")
	require.NoError(t, err)
	assert.Equal(t, model.ChatGroup, stored.ChatType)

	_, err = h.convs.List(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConversationSettingsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.convs.SetTop(ctx, "single_a_b", "a", true), ErrNotFound)
	assert.ErrorIs(t, h.convs.SetMute(ctx, "single_a_b", "a", true), ErrNotFound)
	assert.ErrorIs(t, h.convs.UpdateRead(ctx, "single_a_b", "a", 1), ErrNotFound)
	assert.ErrorIs(t, h.convs.Delete(ctx, "single_a_b", "a"), ErrNotFound)
}

func TestUnreadStatsAndUpdateRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "oid-alice", "alice")
	h.user(t, "oid-bob", "bob")
	h.user(t, "oid-carol", "carol")
	h.group(t, "g1", "alice", "bob", "carol")
	d := h.delivery(DeliveryOptions{})

	send := func(from, to string, ct model.ChatType, c model.Content) *SendReceipt {
		r, err := d.Send(ctx, SendRequest{ChatType: ct, From: from, To: to, Content: c})
		require.NoError(t, err)
		return r
	}
	// 自己发的群消息把自己的已读位置推到最新
	send("bob", "g1", model.ChatGroup, text("mine"))
	send("alice", "bob", model.ChatSingle, text("1"))
	last := send("alice", "bob", model.ChatSingle, text("2"))
	send("alice", "bob", model.ChatSingle, model.CallInviteContent{Payload: "sdp"})
	send("carol", "g1", model.ChatGroup, text("g1"))
	send("alice", "g1", model.ChatGroup, text("g2"))

	stats, err := h.convs.UnreadStats(ctx, "oid-bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Single)
	assert.Equal(t, int64(2), stats.Group)
	assert.Equal(t, int64(4), stats.Total)
	require.Len(t, stats.Chats, 2)

	require.NoError(t, h.convs.UpdateRead(ctx, last.ChatID, "oid-bob", last.Sequence))
	stats, err = h.convs.UnreadStats(ctx, "oid-bob")
	require.NoError(t, err)
	assert.Zero(t, stats.Single)
	require.Len(t, stats.Chats, 1)
	assert.Equal(t, "group_g1", stats.Chats[0].ChatID)

	// 删除会话后单聊消息一并软删除
	require.NoError(t, h.convs.Delete(ctx, last.ChatID, "oid-bob"))
	history, err := h.messages.ListSingle(ctx, "oid-alice", "oid-bob", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/testutil"
)

func TestUserResolve(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.User{OpenID: "oid-alice", Name: "alice"}))
	require.NoError(t, repo.Create(ctx, &model.User{OpenID: "oid-bob", Name: "bob"}))

	u, err := repo.Resolve(ctx, "oid-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	byName, err := repo.Resolve(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "oid-bob", byName.OpenID)

	_, err = repo.Resolve(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.ResolveMany(ctx, []string{"oid-alice", "alice", "bob", "ghost"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, got["oid-alice"].ID, got["alice"].ID)
	assert.NotContains(t, got, "ghost")
}

func TestGroupMembers(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewGroupRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.Group{GroupID: "g1", OwnerID: "alice"}).Error)
	for _, m := range []string{"alice", "bob", "bob", "oid-carol"} {
		require.NoError(t, repo.AddMember(ctx, "g1", m))
	}

	ok, err := repo.Exists(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Exists(ctx, "g2")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := repo.ListMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "bob", "oid-carol"}, members)

	n, err := repo.CountMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	groups, err := repo.ListGroupsOf(ctx, "bob", "oid-bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groups)
}

func TestSubscriptionWindow(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &model.Subscription{SubscriptionID: "sub_old", UserID: 7, CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, repo.Create(ctx, &model.Subscription{SubscriptionID: "sub_new", UserID: 7, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Create(ctx, &model.Subscription{SubscriptionID: "sub_other", UserID: 8, CreatedAt: now}))

	recent, err := repo.ListSince(ctx, 7, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "sub_new", recent[0].SubscriptionID)

	n, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.Delete(ctx, "sub_new"))
	s, err := repo.FindByID(ctx, "sub_new")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = repo.FindByID(ctx, "sub_other")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, uint64(8), s.UserID)
}

func TestConversationInsertDuplicateAndRestore(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	c := &model.Conversation{ChatID: "single_a_b", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b"}
	require.NoError(t, repo.Insert(ctx, c))
	assert.Equal(t, int64(1), c.Version)

	dup := &model.Conversation{ChatID: "single_a_b", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "b"}
	assert.ErrorIs(t, repo.Insert(ctx, dup), ErrDuplicate)

	require.NoError(t, repo.SoftDelete(ctx, "single_a_b", "a"))
	found, err := repo.FindByOwner(ctx, "single_a_b", "a")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.ErrorIs(t, repo.SoftDelete(ctx, "single_a_b", "a"), ErrNotFound)

	// 软删除的行仍占着主键
	assert.ErrorIs(t, repo.Insert(ctx, dup), ErrDuplicate)
	restored, err := repo.Restore(ctx, dup)
	require.NoError(t, err)
	assert.True(t, restored)

	got, err := repo.Get(ctx, "single_a_b", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestConversationTypeRepairAndSequences(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &model.Conversation{ChatID: "group_42", OwnerID: "a", ChatType: model.ChatSingle, PeerID: "x"}))

	exact, err := repo.FindExact(ctx, "group_42", "a", model.ChatGroup)
	require.NoError(t, err)
	assert.Nil(t, exact)

	require.NoError(t, repo.UpdateType(ctx, "group_42", "a", model.ChatGroup, "42"))
	exact, err = repo.FindExact(ctx, "group_42", "a", model.ChatGroup)
	require.NoError(t, err)
	require.NotNil(t, exact)
	assert.Equal(t, "42", exact.PeerID)
	assert.Equal(t, int64(2), exact.Version)

	require.NoError(t, repo.BumpSequence(ctx, "group_42", "a", 100, false))
	require.NoError(t, repo.BumpSequence(ctx, "group_42", "a", 50, true))
	require.NoError(t, repo.UpdateReadSequence(ctx, "group_42", "a", 10))
	got, err := repo.Get(ctx, "group_42", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Sequence)
	assert.Equal(t, int64(50), got.ReadSequence)

	assert.ErrorIs(t, repo.BumpSequence(ctx, "group_42", "nobody", 1, false), ErrNotFound)

	legacy, err := repo.FindByChatID(ctx, "group_42")
	require.NoError(t, err)
	require.NotNil(t, legacy)
	assert.Equal(t, "a", legacy.OwnerID)
}

func TestConversationListOrder(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	for _, id := range []string{"single_a_b", "single_a_c", "single_a_d"} {
		require.NoError(t, repo.Insert(ctx, &model.Conversation{ChatID: id, OwnerID: "a", ChatType: model.ChatSingle, PeerID: id[len(id)-1:]}))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, repo.SetTop(ctx, "single_a_b", "a", true))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.SetMute(ctx, "single_a_c", "a", true))

	list, err := repo.ListByOwner(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "single_a_b", list[0].ChatID)
	assert.Equal(t, "single_a_c", list[1].ChatID)
	assert.True(t, list[1].IsMute)
	assert.Equal(t, "single_a_d", list[2].ChatID)
}

func singleMsg(id, from, to string, seq int64, ct model.ContentType) *model.SingleMessage {
	return &model.SingleMessage{
		MessageID:      id,
		FromID:         from,
		ToID:           to,
		MessageContent: model.MessageContent{Body: "body-" + id, ContentType: ct},
		Sequence:       seq,
	}
}

func TestMessageSaveIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	created, err := repo.SaveSingle(ctx, singleMsg("m1", "a", "b", 1, model.ContentText))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.SaveSingle(ctx, singleMsg("m1", "a", "b", 99, model.ContentText))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetSingle(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Sequence)

	_, err = repo.GetGroup(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageHistoryExcludesEphemeral(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	_, _ = repo.SaveSingle(ctx, singleMsg("m1", "a", "b", 1, model.ContentText))
	_, _ = repo.SaveSingle(ctx, singleMsg("m2", "b", "a", 2, model.ContentCallInvite))
	_, _ = repo.SaveSingle(ctx, singleMsg("m3", "b", "a", 3, model.ContentText))
	_, _ = repo.SaveSingle(ctx, singleMsg("m4", "a", "c", 4, model.ContentText))

	list, err := repo.ListSingle(ctx, "b", "a", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].MessageID)
	assert.Equal(t, "m3", list[1].MessageID)

	list, err = repo.ListSingle(ctx, "a", "b", 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m3", list[0].MessageID)

	unread, err := repo.CountUnreadSingle(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	// 只有接收方能置已读
	ok, err := repo.MarkSingleRead(ctx, "m3", "b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.MarkSingleRead(ctx, "m3", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	unread, err = repo.CountUnreadSingle(ctx, "a", "b")
	require.NoError(t, err)
	assert.Zero(t, unread)

	n, err := repo.SoftDeleteSingleBetween(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	list, err = repo.ListSingle(ctx, "a", "b", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGroupMessageCount(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	for i, from := range []string{"a", "b", "b", "c"} {
		_, err := repo.SaveGroup(ctx, &model.GroupMessage{
			MessageID:      "g" + string(rune('0'+i)),
			GroupID:        "g1",
			FromID:         from,
			MessageContent: model.MessageContent{Body: "x", ContentType: model.ContentText},
			Sequence:       int64(i + 1),
		})
		require.NoError(t, err)
	}

	n, err := repo.CountGroupAfter(ctx, "g1", "b", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CountGroupAfter(ctx, "g1", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := repo.ListGroup(ctx, "g1", 1, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].Sequence)
}

func TestOutboxLifecycle(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	first := &model.OutboxEntry{MessageID: "m1", Payload: []byte("p1"), Exchange: "im", RoutingKey: "message.created"}
	require.NoError(t, repo.Create(ctx, first))
	assert.Equal(t, model.OutboxPending, first.Status)
	time.Sleep(2 * time.Millisecond)
	second := &model.OutboxEntry{MessageID: "m1", Payload: []byte("p2"), Exchange: "im", RoutingKey: "message.created"}
	require.NoError(t, repo.Create(ctx, second), "message_id is not unique")

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	// 未到期的不返回
	require.NoError(t, repo.SetNextTryAt(ctx, first.ID, time.Now().Add(time.Hour)))
	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	require.NoError(t, repo.IncrementAttempts(ctx, second.ID, "boom"))
	require.NoError(t, repo.MarkSent(ctx, second.ID))
	got, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	require.NoError(t, repo.UpdateStatus(ctx, first.ID, model.OutboxFailed))
	failed, err := repo.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)

	assert.ErrorIs(t, repo.MarkSent(ctx, 999), ErrNotFound)
	_, err = repo.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutboxClaimLeases(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.Create(ctx, &model.OutboxEntry{MessageID: id, Exchange: "im", RoutingKey: "k"}))
	}

	batch, err := repo.ClaimPending(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].MessageID)
	require.NotNil(t, batch[0].NextTryAt)

	// 已认领的在租约内不会被再次认领
	batch, err = repo.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m3", batch[0].MessageID)

	next := time.Now().Add(-time.Second)
	require.NoError(t, repo.RecordFailure(ctx, batch[0].ID, "nats down", model.OutboxPending, &next))
	batch, err = repo.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)
}

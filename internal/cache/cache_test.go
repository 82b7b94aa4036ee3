package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/testutil"
)

func TestOfflineQueueReplaysInOrder(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	q := NewOfflineQueue(rdb, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "bob", []byte("A")))
	require.NoError(t, q.Push(ctx, "bob", []byte("B")))
	assert.Equal(t, DefaultOfflineTTL, mr.TTL(OfflineKey("bob")))

	n, err := q.Len(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	peeked, err := q.Peek(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, peeked, 2)

	got, err := q.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("B")}, got)
	assert.False(t, mr.Exists(OfflineKey("bob")))

	got, err = q.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOfflineQueueTTLResetsOnPush(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	q := NewOfflineQueue(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "bob", []byte("A")))
	mr.FastForward(30 * time.Minute)
	require.NoError(t, q.Push(ctx, "bob", []byte("B")))
	assert.Equal(t, time.Hour, mr.TTL(OfflineKey("bob")))

	mr.FastForward(2 * time.Hour)
	n, err := q.Len(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineQueueSurfacesRedisErrors(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := NewOfflineQueue(rdb, 0)
	require.NoError(t, rdb.Close())
	assert.Error(t, q.Push(context.Background(), "bob", []byte("A")))
}

func TestGroupReadState(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	s := NewGroupReadState(rdb, 0)
	ctx := context.Background()

	require.NoError(t, s.MarkRead(ctx, "g1", "m1", "alice"))
	require.NoError(t, s.MarkRead(ctx, "g1", "m1", "alice"))
	require.NoError(t, s.MarkManyRead(ctx, "g1", []string{"m1", "m2"}, "bob"))
	assert.Equal(t, DefaultGroupReadTTL, mr.TTL("groupread:g1:m1"))

	ok, err := s.IsRead(ctx, "g1", "m1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsRead(ctx, "g1", "m2", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	readers, err := s.Readers(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, readers)

	n, err := s.ReadCount(ctx, "g1", "m2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUserDirectoryCachesLookups(t *testing.T) {
	db := testutil.NewDB(t)
	rdb, mr := testutil.NewRedis(t)
	users := repository.NewUserRepository(db)
	dir := NewUserDirectory(users, rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, &model.User{OpenID: "oid-a", Name: "alice"}))

	got, err := dir.ResolveMany(ctx, []string{"oid-a", "alice", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got["oid-a"].ID, got["alice"].ID)
	assert.True(t, mr.Exists("user:ref:alice"))
	assert.False(t, mr.Exists("user:ref:ghost"))

	// 库里删掉后缓存仍然命中，直到 TTL 过期
	require.NoError(t, db.Where("open_id = ?", "oid-a").Delete(&model.User{}).Error)
	snap, err := dir.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "oid-a", snap.OpenID)

	mr.FastForward(2 * time.Minute)
	_, err = dir.Resolve(ctx, "alice")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

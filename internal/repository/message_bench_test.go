package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/testutil"
)

func BenchmarkSaveSingle(b *testing.B) {
	db := testutil.NewDB(b)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := &model.SingleMessage{
			MessageID:      fmt.Sprintf("m%d", i),
			FromID:         "alice",
			ToID:           "bob",
			MessageContent: model.MessageContent{Body: "hi", ContentType: model.ContentText},
			Sequence:       int64(i + 1),
		}
		if _, err := repo.SaveSingle(ctx, m); err != nil {
			b.Fatalf("save: %v", err)
		}
	}
}

func BenchmarkHistoryAndUnread(b *testing.B) {
	db := testutil.NewDB(b)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	// 构造：alice 与 bob 之间 N 条消息
	const N = 5000
	for i := 1; i <= N; i++ {
		from, to := "alice", "bob"
		if i%2 == 0 {
			from, to = to, from
		}
		_, _ = repo.SaveSingle(ctx, &model.SingleMessage{
			MessageID:      fmt.Sprintf("m%d", i),
			FromID:         from,
			ToID:           to,
			MessageContent: model.MessageContent{Body: "x", ContentType: model.ContentText},
			Sequence:       int64(i),
		})
	}

	b.ResetTimer()
	b.Run("ListSingle", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = repo.ListSingle(ctx, "alice", "bob", int64(i%N), 50)
		}
	})

	b.Run("CountUnreadSingle", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = repo.CountUnreadSingle(ctx, "bob", "alice")
		}
	})
}

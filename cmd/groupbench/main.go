package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/im-server/config"
	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/model"
	"github.com/d60-Lab/im-server/internal/presence"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/database"
	"github.com/d60-Lab/im-server/pkg/snowflake"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

// groupbench 建一个 N 人群，连续发 MSGS 条群消息，统计发送耗时、
// 接收方会话异步更新的落地延迟，以及成员读取未读数的耗时。
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	ctx := context.Background()
	rdb := must(database.InitRedis(ctx, cfg))

	N := envInt("N", 500)           // 群成员数
	MSGS := envInt("MSGS", 100)     // 群消息条数
	WORKERS := envInt("WORKERS", 8) // 会话复制 worker
	ONLINE := envInt("ONLINE", 10)  // 在线成员百分比

	// 清表保证可重复（仅限本地压测库）
	_ = db.Exec("TRUNCATE TABLE messages_group, conversations, group_members, chat_groups, subscriptions, users RESTART IDENTITY CASCADE").Error

	userRepo := repository.NewUserRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	groupID := "bench_" + uuid.NewString()[:8]
	_ = db.Create(&model.Group{GroupID: groupID}).Error
	members := make([]model.User, N)
	for i := range members {
		id := uuid.NewString()
		members[i] = model.User{OpenID: "oid_" + id, Name: "u" + id[:8]}
	}
	_ = db.CreateInBatches(&members, 1000).Error
	for i := range members {
		_ = groupRepo.AddMember(ctx, groupID, members[i].OpenID)
	}

	tracker := presence.NewTracker(presence.NewRegistry(), repository.NewSubscriptionRepository(db), cfg.Presence.Window)
	for i := 0; i < N*ONLINE/100; i++ {
		tracker.Connect(ctx, members[i].ID)
	}

	publisher := must(push.NewNATSPublisher(push.NATSConfig{
		Servers:       cfg.NATS.Servers,
		Name:          cfg.NATS.Name + "-bench",
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	}))
	defer publisher.Close()

	convs := service.NewConversationService(repository.NewConversationRepository(db), messageRepo, nil)
	replicator := service.NewConversationReplicator(convs, N*MSGS)
	stop := replicator.Start(WORKERS)
	defer stop(context.Background())

	delivery := service.NewDelivery(service.DeliveryDeps{
		IDs:           must(snowflake.New(cfg.Snowflake.DatacenterID, cfg.Snowflake.MachineID)),
		Users:         cache.NewUserDirectory(userRepo, rdb, 0),
		Groups:        groupRepo,
		Writer:        service.NewMessageWriter(db),
		Messages:      messageRepo,
		Conversations: convs,
		Replicator:    replicator,
		Presence:      tracker,
		Publisher:     publisher,
		Offline:       cache.NewOfflineQueue(rdb, cfg.Delivery.OfflineTTL),
	}, service.DeliveryOptions{
		PushTimeout:  cfg.Delivery.PushTimeout,
		MaxBodyBytes: cfg.Delivery.MaxBodyBytes,
	})

	sendDurations := make([]time.Duration, 0, MSGS)
	outcomes := map[service.Outcome]int{}
	for i := 0; i < MSGS; i++ {
		st := time.Now()
		receipt, err := delivery.Send(ctx, service.SendRequest{
			ChatType: model.ChatGroup,
			From:     members[0].OpenID,
			To:       groupID,
			Content:  model.TextContent{Text: fmt.Sprintf("hello %d", i)},
		})
		if err != nil {
			panic(err)
		}
		sendDurations = append(sendDurations, time.Since(st))
		for _, o := range receipt.Outcomes {
			outcomes[o.Outcome]++
		}
	}

	want := (N - 1) * MSGS
	land := make([]time.Duration, 0, want)
	timeout := time.After(2 * time.Minute)
collect:
	for len(land) < want {
		select {
		case d := <-replicator.Metrics():
			land = append(land, d)
		case <-timeout:
			fmt.Printf("timeout while waiting for conversation updates: got=%d want=%d\n", len(land), want)
			break collect
		}
	}

	fmt.Printf("N=%d MSGS=%d WORKERS=%d ONLINE=%d%%\n", N, MSGS, WORKERS, ONLINE)
	fmt.Printf("Send latency: avg=%v p95=%v p99=%v\n", avg(sendDurations), pct(sendDurations, 0.95), pct(sendDurations, 0.99))
	fmt.Printf("Outcomes: live=%d offline=%d persisted-only=%d\n",
		outcomes[service.OutcomeDeliveredLive], outcomes[service.OutcomeQueuedOffline], outcomes[service.OutcomePersistedOnly])
	fmt.Printf("Conversation landing (enqueue->applied): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))

	if N > 1 {
		st := time.Now()
		stats, err := convs.UnreadStats(ctx, members[1].OpenID)
		if err != nil {
			panic(err)
		}
		fmt.Printf("Unread stats (member1): %v, total=%d\n", time.Since(st), stats.Total)
	}
}

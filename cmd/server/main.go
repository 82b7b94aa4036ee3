package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/config"
	"github.com/d60-Lab/im-server/internal/api"
	"github.com/d60-Lab/im-server/internal/api/handler"
	"github.com/d60-Lab/im-server/internal/api/middleware"
	"github.com/d60-Lab/im-server/internal/cache"
	"github.com/d60-Lab/im-server/internal/presence"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/database"
	"github.com/d60-Lab/im-server/pkg/logger"
	"github.com/d60-Lab/im-server/pkg/snowflake"
	"github.com/d60-Lab/im-server/pkg/tracing"
)

// @title IM Server API
// @version 1.0
// @description 单聊/群聊消息投递、会话与发件箱接口
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	rdb, err := database.InitRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	publisher, err := push.NewNATSPublisher(push.NATSConfig{
		Servers:       cfg.NATS.Servers,
		Name:          cfg.NATS.Name,
		User:          cfg.NATS.User,
		Password:      cfg.NATS.Password,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	ids, err := snowflake.New(cfg.Snowflake.DatacenterID, cfg.Snowflake.MachineID)
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	users := cache.NewUserDirectory(userRepo, rdb, 0)
	offline := cache.NewOfflineQueue(rdb, cfg.Delivery.OfflineTTL)

	tracker := presence.NewTracker(presence.NewRegistry(), repository.NewSubscriptionRepository(db), cfg.Presence.Window)
	stopJanitor := tracker.StartJanitor(time.Hour)

	convs := service.NewConversationService(repository.NewConversationRepository(db), messageRepo, sameUser(users))
	replicator := service.NewConversationReplicator(convs, 0)
	stopReplicator := replicator.Start(4)

	delivery := service.NewDelivery(service.DeliveryDeps{
		IDs:           ids,
		Users:         users,
		Groups:        repository.NewGroupRepository(db),
		Writer:        service.NewMessageWriter(db),
		Messages:      messageRepo,
		Conversations: convs,
		Replicator:    replicator,
		Presence:      tracker,
		Publisher:     publisher,
		Offline:       offline,
	}, service.DeliveryOptions{
		PushTimeout:  cfg.Delivery.PushTimeout,
		MaxBodyBytes: cfg.Delivery.MaxBodyBytes,
		Outbox: service.OutboxTarget{
			Enabled:    cfg.Delivery.OutboxEnabled,
			Exchange:   cfg.Delivery.OutboxExchange,
			RoutingKey: cfg.Delivery.OutboxRoutingKey,
		},
	})

	h := handler.New(handler.Deps{
		Sender:        delivery,
		Presence:      tracker,
		Users:         users,
		Conversations: convs,
		Messages:      service.NewMessageService(messageRepo, cache.NewGroupReadState(rdb, cfg.Delivery.GroupReadTTL), offline),
		Outbox:        service.NewOutboxService(outboxRepo),
	})

	gin.SetMode(cfg.Server.Mode)
	var serviceName string
	if cfg.Tracing.Enabled {
		serviceName = cfg.Tracing.ServiceName
	}
	router := api.NewRouter(h, api.RouterOptions{
		ServiceName: serviceName,
		JWTSecret:   cfg.JWT.Secret,
		JWTIssuer:   cfg.JWT.Issuer,
		SendLimiter: middleware.NewRateLimiter(cfg.RateLimit.SendPerSecond, cfg.RateLimit.Burst),
		Swagger:     cfg.Server.Mode != gin.ReleaseMode,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// 先停入口，再排空会话复制队列
	if err := stopReplicator(shutdownCtx); err != nil {
		logger.Warn("replicator shutdown", zap.Error(err))
	}
	if err := stopJanitor(shutdownCtx); err != nil {
		logger.Warn("janitor shutdown", zap.Error(err))
	}
	return nil
}

// sameUser open_id 与用户名混用时按解析后的用户 ID 比较
func sameUser(users *cache.UserDirectory) service.OwnerMatcher {
	return func(ctx context.Context, a, b string) bool {
		if a == b {
			return true
		}
		got, err := users.ResolveMany(ctx, []string{a, b})
		if err != nil {
			logger.Warn("resolve owners failed", zap.String("a", a), zap.String("b", b), zap.Error(err))
			return false
		}
		ua, okA := got[a]
		ub, okB := got[b]
		return okA && okB && ua.ID == ub.ID
	}
}

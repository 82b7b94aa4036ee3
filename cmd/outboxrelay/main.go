package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/im-server/config"
	"github.com/d60-Lab/im-server/internal/push"
	"github.com/d60-Lab/im-server/internal/repository"
	"github.com/d60-Lab/im-server/internal/service"
	"github.com/d60-Lab/im-server/pkg/database"
	"github.com/d60-Lab/im-server/pkg/logger"
)

// outboxrelay 轮询 outbox 表，把到期记录发布到 NATS 的 <exchange>.<routing_key>
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

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	publisher, err := push.NewNATSPublisher(push.NATSConfig{
		Servers:       cfg.NATS.Servers,
		Name:          cfg.NATS.Name + "-outbox",
		User:          cfg.NATS.User,
		Password:      cfg.NATS.Password,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	relay := service.NewOutboxRelay(repository.NewOutboxRepository(db), publisher, service.RelayOptions{
		Workers:      cfg.Outbox.Workers,
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		BaseBackoff:  cfg.Outbox.BaseBackoff,
		MaxBackoff:   cfg.Outbox.MaxBackoff,
		Lease:        cfg.Outbox.Lease,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopRelay := relay.Start()
	logger.Info("outbox relay started",
		zap.Int("workers", cfg.Outbox.Workers), zap.Int("batch", cfg.Outbox.BatchSize))

	report := time.NewTicker(time.Minute)
	defer report.Stop()
	var n int
	var sum time.Duration
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d := <-relay.Metrics():
			n++
			sum += d
		case <-report.C:
			if n > 0 {
				logger.Info("outbox relay throughput", zap.Int("sent", n), zap.Duration("avg_latency", sum/time.Duration(n)))
			}
			n, sum = 0, 0
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return stopRelay(shutdownCtx)
}

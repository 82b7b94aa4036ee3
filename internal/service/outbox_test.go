package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/im-server/internal/model"
)

func TestOutboxServiceValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewOutboxService(h.outbox)

	_, err := svc.Create(ctx, CreateOutboxRequest{MessageID: "m1", Exchange: "im"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	e, err := svc.Create(ctx, CreateOutboxRequest{MessageID: "m1", Payload: []byte("{}"), Exchange: "im", RoutingKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, e.Status)

	assert.ErrorIs(t, svc.UpdateStatus(ctx, e.ID, "DONE"), ErrInvalidArgument)
	assert.ErrorIs(t, svc.UpdateStatus(ctx, 404, model.OutboxSent), ErrNotFound)
	assert.ErrorIs(t, svc.MarkSent(ctx, 404), ErrNotFound)
	_, err = svc.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.IncrementAttempts(ctx, e.ID, "timeout"))
	require.NoError(t, svc.SetNextTryAt(ctx, e.ID, time.Now().Add(time.Hour)))
	pending, err := svc.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, svc.UpdateStatus(ctx, e.ID, model.OutboxFailed))
	failed, err := svc.ListFailed(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
}

func TestRelayPublishesAndMarksSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewOutboxService(h.outbox)
	e, err := svc.Create(ctx, CreateOutboxRequest{MessageID: "m1", Payload: []byte("p"), Exchange: "im", RoutingKey: "message.created"})
	require.NoError(t, err)

	relay := NewOutboxRelay(h.outbox, h.pub, RelayOptions{BatchSize: 10})
	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := h.pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "im.message.created", sent[0].Subject)
	assert.Equal(t, "m1", sent[0].MsgID)
	assert.Equal(t, []byte("p"), sent[0].Data)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, got.Status)

	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayBacksOffThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewOutboxService(h.outbox)
	e, err := svc.Create(ctx, CreateOutboxRequest{MessageID: "m1", Exchange: "im", RoutingKey: "k"})
	require.NoError(t, err)
	h.pub.Fail = func(string) error { return errors.New("no responders") }

	relay := NewOutboxRelay(h.outbox, h.pub, RelayOptions{MaxAttempts: 2, BaseBackoff: time.Hour, MaxBackoff: 2 * time.Hour})
	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "no responders", *got.LastError)
	require.NotNil(t, got.NextTryAt)
	assert.True(t, got.NextTryAt.After(time.Now().Add(50*time.Minute)))

	// 退避期内不会被认领
	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, svc.SetNextTryAt(ctx, e.ID, time.Now().Add(-time.Second)))
	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	got, err = svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	failed, err := svc.ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRelayBackoffIsCapped(t *testing.T) {
	relay := NewOutboxRelay(nil, nil, RelayOptions{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	assert.Equal(t, time.Second, relay.Backoff(1))
	assert.Equal(t, 2*time.Second, relay.Backoff(2))
	assert.Equal(t, 8*time.Second, relay.Backoff(4))
	assert.Equal(t, 10*time.Second, relay.Backoff(5))
	assert.Equal(t, 10*time.Second, relay.Backoff(50))
}

func TestRelayStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewOutboxService(h.outbox)
	_, err := svc.Create(ctx, CreateOutboxRequest{MessageID: "m1", Exchange: "im", RoutingKey: "k"})
	require.NoError(t, err)

	relay := NewOutboxRelay(h.outbox, h.pub, RelayOptions{Workers: 1, PollInterval: 5 * time.Millisecond})
	stop := relay.Start()
	require.Eventually(t, func() bool { return len(h.pub.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop(ctx))

	select {
	case d := <-relay.Metrics():
		assert.GreaterOrEqual(t, d, time.Duration(0))
	case <-time.After(time.Second):
		t.Fatal("no latency sample")
	}
}

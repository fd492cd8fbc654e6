package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/relay"
	"github.com/coregx/relay/adapters/memory"
	"github.com/coregx/relay/model"
)

// receiveOne publishes one envelope and receives it back, returning the live
// broker delivery so tests can work with a real lock token.
func receiveOne(t *testing.T, broker *memory.BrokerClient) relay.Delivery {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, broker.EnsureTopology(ctx, "orders", []string{"sql-writer-db-1"}))

	msg, err := model.NewMessage("orders", "file-reader", "producer-1", orderPayload("1001"))
	require.NoError(t, err)
	env, err := relay.NewEnvelope(msg)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, env))

	deliveries, err := broker.Receive(ctx, "orders", "sql-writer-db-1", 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func newRenewer(t *testing.T, broker *memory.BrokerClient, locks *memory.DeliveryLockRepository, opts ...relay.LockRenewerOption) *relay.LockRenewer {
	t.Helper()

	opts = append([]relay.LockRenewerOption{
		relay.WithRenewerClient(broker),
		relay.WithRenewerRepository(locks),
		relay.WithRenewerLogger(&relay.NoopLogger{}),
	}, opts...)

	renewer, err := relay.NewLockRenewer(opts...)
	require.NoError(t, err)
	return renewer
}

func TestProcessExpiring_RenewsLocksNearingExpiry(t *testing.T) {
	// 10s broker leases fall inside the default 30s renewal lookahead.
	broker := memory.NewBrokerClientWithTTL(10 * time.Second)
	locks := memory.NewDeliveryLockRepository()
	renewer := newRenewer(t, broker, locks)
	ctx := context.Background()

	delivery := receiveOne(t, broker)
	lock := model.NewDeliveryLock(delivery.Envelope.MessageID, delivery.LockToken,
		delivery.TopicName, delivery.SubscriptionName, "db-1", delivery.LockExpiresAt, delivery.DeliveryCount)
	require.NoError(t, locks.Create(ctx, lock))

	renewed, expired, err := renewer.ProcessExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)
	assert.Equal(t, 0, expired)

	after, err := locks.FindByToken(ctx, delivery.LockToken)
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusActive, after.Status)
	assert.Equal(t, 1, after.RenewalCount)
	assert.True(t, after.LockExpiresAt.After(delivery.LockExpiresAt))
	assert.True(t, after.LastRenewedAt.Valid)
	assert.Equal(t, int64(0), renewer.RenewalFailures())
}

func TestProcessExpiring_LeavesDistantLocksAlone(t *testing.T) {
	// 10m broker leases are far beyond the renewal lookahead.
	broker := memory.NewBrokerClientWithTTL(10 * time.Minute)
	locks := memory.NewDeliveryLockRepository()
	renewer := newRenewer(t, broker, locks)
	ctx := context.Background()

	delivery := receiveOne(t, broker)
	lock := model.NewDeliveryLock(delivery.Envelope.MessageID, delivery.LockToken,
		delivery.TopicName, delivery.SubscriptionName, "db-1", delivery.LockExpiresAt, delivery.DeliveryCount)
	require.NoError(t, locks.Create(ctx, lock))

	renewed, expired, err := renewer.ProcessExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed)
	assert.Equal(t, 0, expired)

	after, err := locks.FindByToken(ctx, delivery.LockToken)
	require.NoError(t, err)
	assert.Equal(t, 0, after.RenewalCount)
}

func TestProcessExpiring_ExpiresLapsedLockWithoutBrokerCall(t *testing.T) {
	broker := memory.NewBrokerClient()
	locks := memory.NewDeliveryLockRepository()
	renewer := newRenewer(t, broker, locks)
	ctx := context.Background()

	// The lease already lapsed; the token no longer means anything at the
	// broker, so renewal would be pointless.
	lock := model.NewDeliveryLock("msg-1", "stale-token", "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(-time.Minute), 1)
	require.NoError(t, locks.Create(ctx, lock))

	renewed, expired, err := renewer.ProcessExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed)
	assert.Equal(t, 1, expired)

	after, err := locks.FindByToken(ctx, "stale-token")
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusExpired, after.Status)

	// A local lapse is not a broker renewal failure.
	assert.Equal(t, int64(0), renewer.RenewalFailures())
}

func TestProcessExpiring_BrokerLostLockIsExpiredLocally(t *testing.T) {
	broker := memory.NewBrokerClient()
	locks := memory.NewDeliveryLockRepository()
	notifications := &captureNotifications{}
	renewer := newRenewer(t, broker, locks, relay.WithRenewerNotifications(notifications))
	ctx := context.Background()

	// Locally the lease still looks live, but the broker has no such token.
	lock := model.NewDeliveryLock("msg-1", "lost-token", "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(10*time.Second), 1)
	require.NoError(t, locks.Create(ctx, lock))

	renewed, expired, err := renewer.ProcessExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed)
	assert.Equal(t, 1, expired)

	after, err := locks.FindByToken(ctx, "lost-token")
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusExpired, after.Status)

	assert.Equal(t, int64(1), renewer.RenewalFailures())
	require.Len(t, notifications.renewalFailures, 1)
	assert.Equal(t, "lost-token", notifications.renewalFailures[0].LockToken)
}

func TestProcessExpiring_TerminalLocksAreNeverResurrected(t *testing.T) {
	broker := memory.NewBrokerClient()
	locks := memory.NewDeliveryLockRepository()
	renewer := newRenewer(t, broker, locks)
	ctx := context.Background()

	lock := model.NewDeliveryLock("msg-1", "done-token", "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(time.Second), 1)
	require.NoError(t, locks.Create(ctx, lock))
	require.NoError(t, locks.Expire(ctx, "done-token"))

	renewed, expired, err := renewer.ProcessExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed)
	assert.Equal(t, 0, expired)

	after, err := locks.FindByToken(ctx, "done-token")
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusExpired, after.Status)
}

func TestCleanupTerminal_RemovesOldTerminalLocks(t *testing.T) {
	broker := memory.NewBrokerClient()
	locks := memory.NewDeliveryLockRepository()
	renewer := newRenewer(t, broker, locks, relay.WithRenewerLockRetention(time.Hour))
	ctx := context.Background()

	old := model.NewDeliveryLock("msg-1", "old-token", "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(-2*time.Hour), 1)
	old.LockAcquiredAt = time.Now().Add(-2 * time.Hour)
	old.Complete()
	require.NoError(t, locks.Create(ctx, old))

	fresh := model.NewDeliveryLock("msg-2", "fresh-token", "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(time.Minute), 1)
	require.NoError(t, locks.Create(ctx, fresh))

	deleted, err := renewer.CleanupTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = locks.FindByToken(ctx, "old-token")
	assert.True(t, relay.IsNoData(err))
	_, err = locks.FindByToken(ctx, "fresh-token")
	require.NoError(t, err)
}

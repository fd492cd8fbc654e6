package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

func publishOrder(t *testing.T, b *BrokerClient, id string) relay.Envelope {
	t.Helper()

	msg, err := model.NewMessage("orders", "file-reader", "producer-1",
		model.NewPayload([]string{"id"}, model.Record{"id": id}))
	require.NoError(t, err)
	env, err := relay.NewEnvelope(msg)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), env))
	return env
}

func TestBroker_FansOutToEverySubscription(t *testing.T) {
	b := NewBrokerClient()
	ctx := context.Background()
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a", "sub-b"}))

	env := publishOrder(t, b, "1001")

	for _, sub := range []string{"sub-a", "sub-b"} {
		deliveries, err := b.Receive(ctx, "orders", sub, 10)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, env.MessageID, deliveries[0].Envelope.MessageID)
		assert.Equal(t, 1, deliveries[0].DeliveryCount)
	}
}

func TestBroker_CompletedDeliveryIsNotRedelivered(t *testing.T) {
	b := NewBrokerClient()
	ctx := context.Background()
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a"}))
	publishOrder(t, b, "1001")

	deliveries, err := b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, b.Complete(ctx, deliveries[0].LockToken))

	deliveries, err = b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestBroker_AbandonedDeliveryComesBack(t *testing.T) {
	b := NewBrokerClient()
	ctx := context.Background()
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a"}))
	publishOrder(t, b, "1001")

	deliveries, err := b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, b.Abandon(ctx, deliveries[0].LockToken))

	deliveries, err = b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 2, deliveries[0].DeliveryCount)
}

func TestBroker_ExpiredLockIsRequeued(t *testing.T) {
	b := NewBrokerClientWithTTL(5 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a"}))
	publishOrder(t, b, "1001")

	deliveries, err := b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	token := deliveries[0].LockToken

	time.Sleep(10 * time.Millisecond)

	// A crashed consumer never settles; the lapsed lease puts the message
	// back and invalidates the old token.
	deliveries, err = b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 2, deliveries[0].DeliveryCount)
	assert.NotEqual(t, token, deliveries[0].LockToken)

	err = b.Complete(ctx, token)
	require.Error(t, err)
	var relayErr *relay.Error
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, relay.ErrCodeLockLost, relayErr.Code)
}

func TestBroker_RenewLockExtendsLease(t *testing.T) {
	b := NewBrokerClientWithTTL(time.Minute)
	ctx := context.Background()
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a"}))
	publishOrder(t, b, "1001")

	deliveries, err := b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	newExpiry, err := b.RenewLock(ctx, deliveries[0].LockToken)
	require.NoError(t, err)
	assert.True(t, newExpiry.After(deliveries[0].LockExpiresAt) || newExpiry.Equal(deliveries[0].LockExpiresAt))

	_, err = b.RenewLock(ctx, "unknown-token")
	require.Error(t, err)
}

func TestBroker_ReceiveUnknownSubscriptionFails(t *testing.T) {
	b := NewBrokerClient()

	_, err := b.Receive(context.Background(), "orders", "nope", 10)
	require.Error(t, err)
}

func TestBroker_PublishBeforeTopologyIsDropped(t *testing.T) {
	b := NewBrokerClient()
	ctx := context.Background()

	publishOrder(t, b, "1001")
	require.NoError(t, b.EnsureTopology(ctx, "orders", []string{"sub-a"}))

	// Subscriptions only see messages published after they exist.
	deliveries, err := b.Receive(ctx, "orders", "sub-a", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

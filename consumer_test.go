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
	"github.com/coregx/relay/retry"
)

// consumerFixture wires a broker-backed transport: admitter publishing to an
// in-memory broker, consumer receiving from it.
type consumerFixture struct {
	env      *testEnv
	broker   *memory.BrokerClient
	admitter *relay.Admitter
	consumer *relay.Consumer
}

func newConsumerFixture(t *testing.T, strategy retry.Strategy, opts ...relay.ConsumerOption) *consumerFixture {
	t.Helper()

	env := newTestEnv()
	broker := memory.NewBrokerClient()

	opts = append([]relay.ConsumerOption{
		relay.WithConsumerClient(broker),
		relay.WithConsumerRepositories(env.messages, env.subscriptions, env.registrations, env.locks),
		relay.WithConsumerRegistry(env.registry),
		relay.WithConsumerLogger(&relay.NoopLogger{}),
		relay.WithConsumerStrategy(strategy),
	}, opts...)

	consumer, err := relay.NewConsumer(opts...)
	require.NoError(t, err)

	return &consumerFixture{
		env:      env,
		broker:   broker,
		admitter: env.newAdmitter(t, relay.WithAdmitterBroker(broker)),
		consumer: consumer,
	}
}

func TestConsumer_DeliversAndSettles(t *testing.T) {
	f := newConsumerFixture(t, retry.DefaultStrategy())
	dest := &testAdapter{name: "sql-writer", canWrite: true}
	reg := f.env.registerDestination(t, "orders", dest, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	handled, err := f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, dest.writtenCount())

	// The sole subscriber confirmed, so the message is gone entirely.
	_, err = f.env.messages.FindByID(ctx, result.MessageID)
	assert.True(t, relay.IsNoData(err))

	// Nothing left at the broker either.
	deliveries, err := f.broker.Receive(ctx, "orders", reg.SubscriptionName(), 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	// No lock is left active.
	_, err = f.env.locks.FindExpiring(ctx, time.Now().Add(time.Hour), 10)
	assert.True(t, relay.IsNoData(err))
}

func TestConsumer_FailureAbandonsForRedelivery(t *testing.T) {
	f := newConsumerFixture(t, retry.DefaultStrategy())
	dest := &testAdapter{name: "sql-writer", canWrite: true, failWrites: 1}
	reg := f.env.registerDestination(t, "orders", dest, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	// First pass fails and abandons; the message stays durable.
	handled, err := f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	_, err = f.env.messages.FindByID(ctx, result.MessageID)
	require.NoError(t, err)

	subs, err := f.env.subscriptions.ListByMessage(ctx, result.MessageID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionStatusError, subs[0].Status)

	// Second pass redelivers and succeeds.
	handled, err = f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, dest.writtenCount())

	_, err = f.env.messages.FindByID(ctx, result.MessageID)
	assert.True(t, relay.IsNoData(err))
}

func TestConsumer_DeadLettersAfterThreshold(t *testing.T) {
	strategy := retry.DefaultStrategy()
	strategy.MaxDeliveries = 2

	notifications := &captureNotifications{}
	f := newConsumerFixture(t, strategy, relay.WithConsumerNotifications(notifications))
	dest := &testAdapter{name: "sql-writer", canWrite: true, failWrites: 10}
	reg := f.env.registerDestination(t, "orders", dest, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	// Delivery 1 abandons, delivery 2 hits the threshold and dead-letters.
	for i := 0; i < 2; i++ {
		handled, err := f.consumer.ProcessSubscription(ctx, reg)
		require.NoError(t, err)
		require.Equal(t, 1, handled)
	}

	count, err := f.broker.DeadLetterCount(ctx, "orders", reg.SubscriptionName())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	samples, err := f.broker.PeekDeadLetters(ctx, "orders", reg.SubscriptionName(), 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, result.MessageID, samples[0].Envelope.MessageID)
	assert.Equal(t, 2, samples[0].DeliveryCount)

	// The broker stops redelivering.
	deliveries, err := f.broker.Receive(ctx, "orders", reg.SubscriptionName(), 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	// The message row reaches a terminal status so retention cleanup can
	// collect it.
	m, err := f.env.messages.FindByID(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDeadLetter, m.Status)

	assert.Len(t, notifications.subscriptionErrs, 2)
}

func TestConsumer_DeadLetteredMessageIsCollectable(t *testing.T) {
	strategy := retry.DefaultStrategy()
	strategy.MaxDeliveries = 1

	f := newConsumerFixture(t, strategy)
	dest := &testAdapter{name: "sql-writer", canWrite: true, failWrites: 10}
	reg := f.env.registerDestination(t, "orders", dest, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	handled, err := f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	m, err := f.env.messages.FindByID(ctx, result.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.MessageStatusDeadLetter, m.Status)

	// Terminal, so the dedup-window GC collects it once the retention
	// cutoff passes.
	deleted, err := f.env.messages.DeleteOlderThan(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// With the row gone, the content hash no longer blocks re-admission.
	readmitted := admitOrder(t, f.admitter, "1001")
	assert.False(t, readmitted.Duplicate)
	assert.NotEqual(t, result.MessageID, readmitted.MessageID)
}

func TestConsumer_OneSubscriberFailureDoesNotBlockOthers(t *testing.T) {
	strategy := retry.DefaultStrategy()
	strategy.MaxDeliveries = 1 // dead-letter on the first failure

	f := newConsumerFixture(t, strategy)
	healthy := &testAdapter{name: "sql-writer", canWrite: true}
	broken := &testAdapter{name: "api-writer", canWrite: true, failWrites: 10}
	regHealthy := f.env.registerDestination(t, "orders", healthy, "db-1")
	regBroken := f.env.registerDestination(t, "orders", broken, "api-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	handled, err := f.consumer.ProcessSubscription(ctx, regHealthy)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	handled, err = f.consumer.ProcessSubscription(ctx, regBroken)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	assert.Equal(t, 1, healthy.writtenCount())

	// Delivered to one, dead-lettered on the other: the message row goes
	// terminal and waits for retention cleanup instead of being deleted.
	m, err := f.env.messages.FindByID(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDeadLetter, m.Status)

	subs, err := f.env.subscriptions.ListByMessage(ctx, result.MessageID)
	require.NoError(t, err)
	statuses := map[string]model.SubscriptionStatus{}
	for _, sub := range subs {
		statuses[sub.SubscriberName] = sub.Status
	}
	assert.Equal(t, model.SubscriptionStatusProcessed, statuses["sql-writer"])
	assert.Equal(t, model.SubscriptionStatusError, statuses["api-writer"])
}

func TestConsumer_EnsureTopologyIdempotent(t *testing.T) {
	f := newConsumerFixture(t, retry.DefaultStrategy())
	f.env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	require.NoError(t, f.consumer.EnsureTopology(ctx))
}

func TestConsumer_PersistsLockRows(t *testing.T) {
	f := newConsumerFixture(t, retry.DefaultStrategy())
	dest := &testAdapter{name: "sql-writer", canWrite: true, failWrites: 1}
	reg := f.env.registerDestination(t, "orders", dest, "db-1")
	ctx := context.Background()

	require.NoError(t, f.consumer.EnsureTopology(ctx))
	result := admitOrder(t, f.admitter, "1001")

	_, err := f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)
	_, err = f.consumer.ProcessSubscription(ctx, reg)
	require.NoError(t, err)

	_, err = f.env.messages.FindByID(ctx, result.MessageID)
	assert.True(t, relay.IsNoData(err))

	// One lock row per broker delivery, both settled to terminal states:
	// none are active, both are visible to terminal-lock GC.
	_, err = f.env.locks.FindExpiring(ctx, time.Now().Add(time.Hour), 10)
	assert.True(t, relay.IsNoData(err))

	deleted, err := f.env.locks.DeleteTerminalOlderThan(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

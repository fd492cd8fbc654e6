package relay_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/relay"
	"github.com/coregx/relay/adapters/memory"
	"github.com/coregx/relay/model"
)

func TestNewAdmitter_RequiresDependencies(t *testing.T) {
	_, err := relay.NewAdmitter()
	require.Error(t, err)

	_, err = relay.NewAdmitter(
		relay.WithAdmitterRepositories(memory.NewMessageRepository(), memory.NewSubscriptionRepository(), memory.NewRegistrationRepository()),
	)
	require.Error(t, err) // logger missing
}

func TestAdmit_CreatesMessageAndFanOut(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	env.registerDestination(t, "orders", &testAdapter{name: "api-writer", canWrite: true}, "api-1")
	admitter := env.newAdmitter(t)

	result := admitOrder(t, admitter, "1001")

	assert.False(t, result.Duplicate)
	assert.Equal(t, 2, result.SubscriptionsCreated)

	msg, err := env.messages.FindByID(context.Background(), result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusPending, msg.Status)

	subs, err := env.subscriptions.ListByMessage(context.Background(), result.MessageID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, model.SubscriptionStatusPending, sub.Status)
	}
}

func TestAdmit_DuplicateSubmissionIsNoOp(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	admitter := env.newAdmitter(t)

	first := admitOrder(t, admitter, "1001")
	second := admitOrder(t, admitter, "1001")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 0, second.SubscriptionsCreated)

	// No extra fan-out rows from the duplicate.
	subs, err := env.subscriptions.ListByMessage(context.Background(), first.MessageID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestAdmit_SameContentDifferentProducerIsNotDuplicate(t *testing.T) {
	env := newTestEnv()
	admitter := env.newAdmitter(t)
	ctx := context.Background()

	first, err := admitter.Admit(ctx, relay.AdmitRequest{
		InterfaceName:      "orders",
		ProducerName:       "file-reader",
		ProducerInstanceID: "producer-1",
		Payload:            orderPayload("1001"),
	})
	require.NoError(t, err)

	second, err := admitter.Admit(ctx, relay.AdmitRequest{
		InterfaceName:      "orders",
		ProducerName:       "file-reader",
		ProducerInstanceID: "producer-2",
		Payload:            orderPayload("1001"),
	})
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}

func TestAdmit_Validation(t *testing.T) {
	env := newTestEnv()
	admitter := env.newAdmitter(t)

	tests := []struct {
		name string
		req  relay.AdmitRequest
	}{
		{"missing interface name", relay.AdmitRequest{ProducerName: "p", ProducerInstanceID: "i", Payload: orderPayload("1")}},
		{"missing producer name", relay.AdmitRequest{InterfaceName: "orders", ProducerInstanceID: "i", Payload: orderPayload("1")}},
		{"missing producer instance", relay.AdmitRequest{InterfaceName: "orders", ProducerName: "p", Payload: orderPayload("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := admitter.Admit(context.Background(), tt.req)
			require.Error(t, err)

			var relayErr *relay.Error
			require.ErrorAs(t, err, &relayErr)
			assert.Equal(t, relay.ErrCodeValidation, relayErr.Code)
		})
	}
}

func TestAdmit_NoSubscribersStillAdmits(t *testing.T) {
	env := newTestEnv()
	admitter := env.newAdmitter(t)

	result := admitOrder(t, admitter, "1001")

	assert.False(t, result.Duplicate)
	assert.Equal(t, 0, result.SubscriptionsCreated)

	_, err := env.messages.FindByID(context.Background(), result.MessageID)
	require.NoError(t, err)
}

func TestAdmit_PublishesToBroker(t *testing.T) {
	env := newTestEnv()
	reg := env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")

	broker := memory.NewBrokerClient()
	ctx := context.Background()
	require.NoError(t, broker.EnsureTopology(ctx, "orders", []string{reg.SubscriptionName()}))

	admitter := env.newAdmitter(t, relay.WithAdmitterBroker(broker))
	result := admitOrder(t, admitter, "1001")

	deliveries, err := broker.Receive(ctx, "orders", reg.SubscriptionName(), 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, result.MessageID, deliveries[0].Envelope.MessageID)
	assert.Equal(t, "orders", deliveries[0].Envelope.InterfaceName)
	assert.Equal(t, model.Record{"id": "1001", "item": "widget"}, deliveries[0].Envelope.Payload.Record)
}

func TestAdmit_ConcurrentSameRecordCreatesOneMessage(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	admitter := env.newAdmitter(t)

	const producers = 10
	results := make([]*relay.AdmitResult, producers)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = admitOrder(t, admitter, "1001")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, results[0].MessageID, result.MessageID)
		if !result.Duplicate {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

// unstableSubscriptionRepo fails a configured number of CreateBatch calls
// before delegating, mimicking a storage outage between the message insert
// and the fan-out snapshot.
type unstableSubscriptionRepo struct {
	relay.SubscriptionRepository
	failBatches int
}

func (r *unstableSubscriptionRepo) CreateBatch(ctx context.Context, subs []model.Subscription) error {
	if r.failBatches > 0 {
		r.failBatches--
		return relay.NewError(relay.ErrCodeDatabase, "subscription storage unavailable")
	}
	return r.SubscriptionRepository.CreateBatch(ctx, subs)
}

func TestAdmit_RetryAfterFanOutFailureHealsSnapshot(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	env.registerDestination(t, "orders", &testAdapter{name: "api-writer", canWrite: true}, "api-1")

	unstable := &unstableSubscriptionRepo{SubscriptionRepository: env.subscriptions, failBatches: 1}
	admitter := env.newAdmitter(t, relay.WithAdmitterRepositories(env.messages, unstable, env.registrations))
	ctx := context.Background()

	// The message insert lands, the fan-out snapshot does not.
	_, err := admitter.Admit(ctx, relay.AdmitRequest{
		InterfaceName:      "orders",
		ProducerName:       "file-reader",
		ProducerInstanceID: "producer-1",
		Payload:            orderPayload("1001"),
	})
	require.Error(t, err)

	// The producer retries. The duplicate branch must recreate the missing
	// snapshot, otherwise the message can never be delivered or deleted.
	result := admitOrder(t, admitter, "1001")
	assert.True(t, result.Duplicate)
	assert.Equal(t, 2, result.SubscriptionsCreated)

	subs, err := env.subscriptions.ListByMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestAdmit_DuplicateWithIntactSnapshotChangesNothing(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	admitter := env.newAdmitter(t)
	ctx := context.Background()

	first := admitOrder(t, admitter, "1001")
	second := admitOrder(t, admitter, "1001")
	require.True(t, second.Duplicate)
	assert.Equal(t, 0, second.SubscriptionsCreated)

	// Subscription rows already exist, so nothing is recreated.
	subs, err := env.subscriptions.ListByMessage(ctx, first.MessageID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestAdmit_DuplicateOfTerminalMessageIsNotResnapshotted(t *testing.T) {
	env := newTestEnv()
	env.registerDestination(t, "orders", &testAdapter{name: "sql-writer", canWrite: true}, "db-1")
	admitter := env.newAdmitter(t)
	ctx := context.Background()

	// A dead-lettered message awaiting retention cleanup: terminal row,
	// subscription rows already settled and removed.
	message, err := model.NewMessage("orders", "file-reader", "producer-1", orderPayload("1001"))
	require.NoError(t, err)
	message.MarkDeadLetter()
	require.NoError(t, env.messages.Create(ctx, message))

	result := admitOrder(t, admitter, "1001")
	assert.True(t, result.Duplicate)
	assert.Equal(t, 0, result.SubscriptionsCreated)

	_, err = env.subscriptions.ListByMessage(ctx, message.ID)
	assert.True(t, relay.IsNoData(err))
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/relay"
	"github.com/google/uuid"
)

// DefaultLockTTL is the lease granted per received delivery.
const DefaultLockTTL = 60 * time.Second

type subscriptionKey struct {
	topic        string
	subscription string
}

type queuedMessage struct {
	envelope      relay.Envelope
	deliveryCount int
}

type inflightDelivery struct {
	key       subscriptionKey
	message   *queuedMessage
	expiresAt time.Time
}

type subscriptionQueue struct {
	pending    []*queuedMessage
	deadLetter []relay.DeadLetterSample
}

// BrokerClient implements relay.BrokerClient in memory: topics fan out to
// subscriptions, each receive hands out a lock token with a TTL, and
// unacknowledged or abandoned deliveries are redelivered with an incremented
// delivery count. Each subscription carries its own dead-letter queue.
//
// Safe for concurrent use. State is lost on restart.
type BrokerClient struct {
	mu       sync.Mutex
	topics   map[string][]string // topic -> subscription names
	queues   map[subscriptionKey]*subscriptionQueue
	inflight map[string]*inflightDelivery // keyed by lock token
	lockTTL  time.Duration
}

// NewBrokerClient creates an empty in-memory broker with the default lock TTL.
func NewBrokerClient() *BrokerClient {
	return NewBrokerClientWithTTL(DefaultLockTTL)
}

// NewBrokerClientWithTTL creates an empty in-memory broker with a custom lock TTL.
func NewBrokerClientWithTTL(lockTTL time.Duration) *BrokerClient {
	return &BrokerClient{
		topics:   make(map[string][]string),
		queues:   make(map[subscriptionKey]*subscriptionQueue),
		inflight: make(map[string]*inflightDelivery),
		lockTTL:  lockTTL,
	}
}

// EnsureTopology creates the topic and its subscriptions if missing.
// Idempotent.
func (b *BrokerClient) EnsureTopology(_ context.Context, topic string, subscriptions []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := make(map[string]bool, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		existing[s] = true
	}

	for _, s := range subscriptions {
		if existing[s] {
			continue
		}
		b.topics[topic] = append(b.topics[topic], s)
		b.queues[subscriptionKey{topic: topic, subscription: s}] = &subscriptionQueue{}
	}
	return nil
}

// Publish fans the envelope out to every subscription of the interface's topic.
func (b *BrokerClient) Publish(_ context.Context, env relay.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := env.InterfaceName
	for _, s := range b.topics[topic] {
		q := b.queues[subscriptionKey{topic: topic, subscription: s}]
		q.pending = append(q.pending, &queuedMessage{envelope: env})
	}
	return nil
}

// Receive fetches up to max messages for one subscription, each under a
// fresh lock token. Expired in-flight deliveries are requeued first.
func (b *BrokerClient) Receive(_ context.Context, topic, subscription string, max int) ([]relay.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subscriptionKey{topic: topic, subscription: subscription}
	q, ok := b.queues[key]
	if !ok {
		return nil, relay.NewError(relay.ErrCodeBroker, fmt.Sprintf("unknown subscription: %s/%s", topic, subscription))
	}

	b.requeueExpired()

	now := time.Now()
	var deliveries []relay.Delivery
	for len(q.pending) > 0 && len(deliveries) < max {
		msg := q.pending[0]
		q.pending = q.pending[1:]

		msg.deliveryCount++
		token := uuid.NewString()
		expiresAt := now.Add(b.lockTTL)
		b.inflight[token] = &inflightDelivery{key: key, message: msg, expiresAt: expiresAt}

		deliveries = append(deliveries, relay.Delivery{
			Envelope:         msg.envelope,
			LockToken:        token,
			TopicName:        topic,
			SubscriptionName: subscription,
			LockExpiresAt:    expiresAt,
			DeliveryCount:    msg.deliveryCount,
		})
	}

	return deliveries, nil
}

// requeueExpired returns lapsed in-flight deliveries to their queues.
// Caller holds the mutex.
func (b *BrokerClient) requeueExpired() {
	now := time.Now()
	for token, d := range b.inflight {
		if now.Before(d.expiresAt) {
			continue
		}
		delete(b.inflight, token)
		if q, ok := b.queues[d.key]; ok {
			q.pending = append(q.pending, d.message)
		}
	}
}

// Complete acknowledges a delivery; it will not be redelivered.
func (b *BrokerClient) Complete(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[token]; !ok {
		return relay.NewError(relay.ErrCodeLockLost, "lock token not held")
	}
	delete(b.inflight, token)
	return nil
}

// Abandon releases the lock without acknowledging; the message is
// redelivered to the same subscription.
func (b *BrokerClient) Abandon(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.inflight[token]
	if !ok {
		return relay.NewError(relay.ErrCodeLockLost, "lock token not held")
	}
	delete(b.inflight, token)
	if q, ok := b.queues[d.key]; ok {
		q.pending = append(q.pending, d.message)
	}
	return nil
}

// DeadLetter moves the delivery to the subscription's dead-letter queue.
func (b *BrokerClient) DeadLetter(_ context.Context, token, reason, errorDescription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.inflight[token]
	if !ok {
		return relay.NewError(relay.ErrCodeLockLost, "lock token not held")
	}
	delete(b.inflight, token)

	if q, ok := b.queues[d.key]; ok {
		q.deadLetter = append(q.deadLetter, relay.DeadLetterSample{
			Envelope:         d.message.envelope,
			Reason:           reason,
			ErrorDescription: errorDescription,
			DeliveryCount:    d.message.deliveryCount,
			DeadLetteredAt:   time.Now(),
		})
	}
	return nil
}

// RenewLock extends the lease on an in-flight delivery.
func (b *BrokerClient) RenewLock(_ context.Context, token string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.inflight[token]
	if !ok {
		return time.Time{}, relay.NewError(relay.ErrCodeLockLost, "lock token not held")
	}
	if !time.Now().Before(d.expiresAt) {
		delete(b.inflight, token)
		if q, ok := b.queues[d.key]; ok {
			q.pending = append(q.pending, d.message)
		}
		return time.Time{}, relay.NewError(relay.ErrCodeLockLost, "lock expired")
	}

	d.expiresAt = time.Now().Add(b.lockTTL)
	return d.expiresAt, nil
}

// DeadLetterCount returns the number of dead-lettered messages on one
// subscription.
func (b *BrokerClient) DeadLetterCount(_ context.Context, topic, subscription string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[subscriptionKey{topic: topic, subscription: subscription}]
	if !ok {
		return 0, nil
	}
	return len(q.deadLetter), nil
}

// PeekDeadLetters returns a bounded, non-destructive sample of dead-lettered
// messages.
func (b *BrokerClient) PeekDeadLetters(_ context.Context, topic, subscription string, limit int) ([]relay.DeadLetterSample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[subscriptionKey{topic: topic, subscription: subscription}]
	if !ok || len(q.deadLetter) == 0 {
		return nil, nil
	}

	n := len(q.deadLetter)
	if limit > 0 && n > limit {
		n = limit
	}

	samples := make([]relay.DeadLetterSample, n)
	copy(samples, q.deadLetter[:n])
	return samples, nil
}

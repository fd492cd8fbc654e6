package relay

import (
	"context"
	"time"

	"github.com/coregx/relay/model"
)

// Envelope is the wire form of an admitted message as published to the
// broker. It carries everything a consumer needs to deliver and book-keep
// without loading the message row first.
type Envelope struct {
	MessageID          string        `json:"messageID"`
	InterfaceName      string        `json:"interfaceName"`
	ProducerName       string        `json:"producerName"`
	ProducerInstanceID string        `json:"producerInstanceID"`
	ContentHash        string        `json:"contentHash"`
	Payload            model.Payload `json:"payload"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// NewEnvelope builds the broker envelope for an admitted message.
func NewEnvelope(m model.Message) (Envelope, error) {
	payload, err := m.DecodedPayload()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:          m.ID,
		InterfaceName:      m.InterfaceName,
		ProducerName:       m.ProducerName,
		ProducerInstanceID: m.ProducerInstanceID,
		ContentHash:        m.ContentHash,
		Payload:            payload,
		CreatedAt:          m.CreatedAt,
	}, nil
}

// Delivery is one received message plus the broker's exclusive-receive lease
// on it. The lock token must be persisted before processing starts.
type Delivery struct {
	Envelope         Envelope
	LockToken        string
	TopicName        string
	SubscriptionName string
	LockExpiresAt    time.Time
	DeliveryCount    int
}

// DeadLetterSample is one dead-lettered message peeked non-destructively
// from a subscription's dead-letter queue.
type DeadLetterSample struct {
	Envelope         Envelope  `json:"envelope"`
	Reason           string    `json:"reason"`
	ErrorDescription string    `json:"errorDescription"`
	DeliveryCount    int       `json:"deliveryCount"`
	DeadLetteredAt   time.Time `json:"deadLetteredAt"`
}

// Broker is the admission-side transport contract: hand an admitted message
// to whichever transport is active. The store-and-forward deployment uses
// NopBroker, since polling workers discover pending rows directly.
type Broker interface {
	// Publish hands an admitted message to the transport.
	Publish(ctx context.Context, env Envelope) error
}

// BrokerClient is the full topic/subscription transport contract implemented
// by broker adapters. One topic exists per interface; one subscription per
// destination-adapter instance. The broker fans out natively: every current
// subscription receives each published message independently.
//
// Lock tokens are the broker's exclusive-receive leases. Complete, Abandon,
// DeadLetter, and RenewLock all act on a token handed out by Receive.
type BrokerClient interface {
	Broker

	// EnsureTopology creates the topic and its subscriptions if missing.
	// Idempotent; safe to call from every process at startup.
	EnsureTopology(ctx context.Context, topic string, subscriptions []string) error

	// Receive fetches up to max messages for one subscription, each with a
	// short-lived lock token. Returns an empty slice when nothing is
	// available before ctx expires.
	Receive(ctx context.Context, topic, subscription string, max int) ([]Delivery, error)

	// Complete acknowledges a delivery; the broker will not redeliver it.
	Complete(ctx context.Context, token string) error

	// Abandon releases the lock without acknowledging; the broker
	// redelivers to the same subscription.
	Abandon(ctx context.Context, token string) error

	// DeadLetter moves the delivery to the subscription's dead-letter queue
	// with a reason and error description. Terminal at the broker.
	DeadLetter(ctx context.Context, token, reason, errorDescription string) error

	// RenewLock extends the broker-side lease and returns the new expiry.
	// Fails with an ErrCodeLockLost error when the broker no longer holds
	// the lock; the caller records the loss locally and moves on.
	RenewLock(ctx context.Context, token string) (time.Time, error)

	// DeadLetterCount returns the broker-reported number of dead-lettered
	// messages on one subscription.
	DeadLetterCount(ctx context.Context, topic, subscription string) (int, error)

	// PeekDeadLetters fetches a bounded, non-destructive sample of
	// dead-lettered messages for inspection.
	PeekDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]DeadLetterSample, error)
}

// NopBroker is the admission-side transport for store-and-forward
// deployments: admitted messages stay in the message store and are picked up
// by polling workers, so publishing is a no-op.
type NopBroker struct{}

// Publish does nothing.
func (NopBroker) Publish(_ context.Context, _ Envelope) error {
	return nil
}

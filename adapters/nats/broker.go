// Package nats provides a relay.BrokerClient backed by NATS JetStream.
//
// Topology mapping:
//   - one stream per interface: relay_<topic>, subject relay.msg.<topic>
//   - one durable consumer per destination subscription
//   - one dead-letter stream per interface: relay_dlq_<topic>, with one
//     subject per subscription: relay.dlq.<topic>.<subscription>
//
// JetStream's AckWait is the delivery lock: each fetched message is held
// exclusively until acked, nacked, or the wait lapses. Lock tokens map to
// in-flight JetStream messages inside the client; RenewLock maps to
// msg.InProgress(), which resets the AckWait clock at the server.
//
// Because lock tokens are process-local handles on in-flight messages, a
// token does not survive a restart. The persisted lock rows exist for
// exactly that case: a restarted worker finds the Active row, fails renewal
// with a lock-lost error, and the broker redelivers.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coregx/relay"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Default configuration
var (
	DefaultLockTTL     = 60 * time.Second
	DefaultMaxDeliver  = 5
	DefaultMaxAge      = 7 * 24 * time.Hour
	DefaultDedupWindow = 2 * time.Minute
	DefaultFetchWait   = 2 * time.Second
)

// streamPrefix namespaces relay streams within a shared JetStream domain.
const streamPrefix = "relay"

type heldDelivery struct {
	msg           jetstream.Msg
	topic         string
	subscription  string
	deliveryCount int
	envelope      relay.Envelope
	lockExpiresAt time.Time
}

// Client implements relay.BrokerClient using NATS JetStream.
type Client struct {
	js     jetstream.JetStream
	logger relay.Logger

	lockTTL     time.Duration
	maxDeliver  int
	maxAge      time.Duration
	dedupWindow time.Duration
	fetchWait   time.Duration

	mu   sync.Mutex
	held map[string]*heldDelivery // lock token -> in-flight message
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLockTTL sets the per-delivery lock duration (JetStream AckWait).
func WithLockTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.lockTTL = ttl }
}

// WithMaxDeliver sets the JetStream delivery attempt ceiling per consumer.
func WithMaxDeliver(n int) ClientOption {
	return func(c *Client) { c.maxDeliver = n }
}

// WithMaxAge sets the stream retention age.
func WithMaxAge(age time.Duration) ClientOption {
	return func(c *Client) { c.maxAge = age }
}

// WithDedupWindow sets the JetStream native deduplication window. Publishes
// carry the message id, so broker-level redundant publishes collapse too.
func WithDedupWindow(window time.Duration) ClientOption {
	return func(c *Client) { c.dedupWindow = window }
}

// WithFetchWait sets how long Receive blocks waiting for messages.
func WithFetchWait(wait time.Duration) ClientOption {
	return func(c *Client) { c.fetchWait = wait }
}

// WithClientLogger sets the logger instance.
func WithClientLogger(logger relay.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a JetStream-backed broker client on an existing NATS
// connection. The caller owns the connection lifecycle.
func NewClient(conn *nats.Conn, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, relay.NewError(relay.ErrCodeConfiguration, "nats connection is required")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to create jetstream context", err)
	}

	c := &Client{
		js:          js,
		logger:      &relay.NoopLogger{},
		lockTTL:     DefaultLockTTL,
		maxDeliver:  DefaultMaxDeliver,
		maxAge:      DefaultMaxAge,
		dedupWindow: DefaultDedupWindow,
		fetchWait:   DefaultFetchWait,
		held:        make(map[string]*heldDelivery),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func streamName(topic string) string {
	return streamPrefix + "_" + sanitize(topic)
}

func dlqStreamName(topic string) string {
	return streamPrefix + "_dlq_" + sanitize(topic)
}

func msgSubject(topic string) string {
	return streamPrefix + ".msg." + sanitize(topic)
}

func dlqSubject(topic, subscription string) string {
	return streamPrefix + ".dlq." + sanitize(topic) + "." + sanitize(subscription)
}

// sanitize maps arbitrary names onto the token charset NATS allows in
// subjects and consumer names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// EnsureTopology creates the message stream, the dead-letter stream, and one
// durable consumer per subscription. Idempotent.
func (c *Client) EnsureTopology(ctx context.Context, topic string, subscriptions []string) error {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName(topic),
		Subjects:   []string{msgSubject(topic)},
		MaxAge:     c.maxAge,
		Duplicates: c.dedupWindow,
	})
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to ensure stream for topic %s", topic), err)
	}

	_, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     dlqStreamName(topic),
		Subjects: []string{dlqSubject(topic, "*")},
		MaxAge:   c.maxAge,
	})
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to ensure dead-letter stream for topic %s", topic), err)
	}

	for _, sub := range subscriptions {
		_, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       sanitize(sub),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       c.lockTTL,
			MaxDeliver:    c.maxDeliver,
			FilterSubject: msgSubject(topic),
		})
		if err != nil {
			return relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to ensure consumer %s on topic %s", sub, topic), err)
		}
		c.logger.Debugf("Ensured consumer %s on stream %s", sanitize(sub), streamName(topic))
	}

	return nil
}

// Publish sends the envelope to the interface's stream. The message id rides
// along for JetStream native deduplication.
func (c *Client) Publish(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to encode envelope", err)
	}

	_, err = c.js.Publish(ctx, msgSubject(env.InterfaceName), data, jetstream.WithMsgID(env.MessageID))
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to publish message", err)
	}

	c.logger.Debugf("Published message %s to %s", env.MessageID, msgSubject(env.InterfaceName))
	return nil
}

// Receive fetches up to max messages for one subscription. Each message is
// held against a fresh lock token until settled or the AckWait lapses.
func (c *Client) Receive(ctx context.Context, topic, subscription string, max int) ([]relay.Delivery, error) {
	stream, err := c.js.Stream(ctx, streamName(topic))
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to open stream for topic %s", topic), err)
	}

	consumer, err := stream.Consumer(ctx, sanitize(subscription))
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to open consumer %s", subscription), err)
	}

	batch, err := consumer.Fetch(max, jetstream.FetchMaxWait(c.fetchWait))
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to fetch deliveries", err)
	}

	var deliveries []relay.Delivery
	for msg := range batch.Messages() {
		delivery, err := c.hold(msg, topic, subscription)
		if err != nil {
			c.logger.Errorf("Dropping undecodable message on %s/%s: %v", topic, subscription, err)
			// Terminate: a payload that cannot decode will never decode.
			if termErr := msg.Term(); termErr != nil {
				c.logger.Warnf("Failed to terminate undecodable message: %v", termErr)
			}
			continue
		}
		deliveries = append(deliveries, delivery)
	}
	if err := batch.Error(); err != nil {
		return deliveries, relay.NewErrorWithCause(relay.ErrCodeBroker, "fetch ended with error", err)
	}

	return deliveries, nil
}

func (c *Client) hold(msg jetstream.Msg, topic, subscription string) (relay.Delivery, error) {
	var env relay.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return relay.Delivery{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	deliveryCount := 1
	if meta, err := msg.Metadata(); err == nil {
		deliveryCount = int(meta.NumDelivered)
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(c.lockTTL)

	c.mu.Lock()
	c.held[token] = &heldDelivery{
		msg:           msg,
		topic:         topic,
		subscription:  subscription,
		deliveryCount: deliveryCount,
		envelope:      env,
		lockExpiresAt: expiresAt,
	}
	c.mu.Unlock()

	return relay.Delivery{
		Envelope:         env,
		LockToken:        token,
		TopicName:        topic,
		SubscriptionName: subscription,
		LockExpiresAt:    expiresAt,
		DeliveryCount:    deliveryCount,
	}, nil
}

func (c *Client) take(token string) (*heldDelivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, ok := c.held[token]
	if !ok {
		return nil, relay.NewError(relay.ErrCodeLockLost, "lock token not held by this client")
	}
	delete(c.held, token)
	return held, nil
}

// Complete acknowledges the delivery at the broker.
func (c *Client) Complete(ctx context.Context, token string) error {
	held, err := c.take(token)
	if err != nil {
		return err
	}

	if err := held.msg.Ack(); err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to ack delivery", err)
	}
	return nil
}

// Abandon nacks the delivery; JetStream redelivers to the same consumer.
func (c *Client) Abandon(ctx context.Context, token string) error {
	held, err := c.take(token)
	if err != nil {
		return err
	}

	if err := held.msg.Nak(); err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to nack delivery", err)
	}
	return nil
}

// DeadLetter copies the delivery onto the subscription's dead-letter subject
// and terminates it on the main consumer.
func (c *Client) DeadLetter(ctx context.Context, token, reason, errorDescription string) error {
	held, err := c.take(token)
	if err != nil {
		return err
	}

	sample := relay.DeadLetterSample{
		Envelope:         held.envelope,
		Reason:           reason,
		ErrorDescription: errorDescription,
		DeliveryCount:    held.deliveryCount,
		DeadLetteredAt:   time.Now(),
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to encode dead-letter sample", err)
	}

	// Dead-letter copy first, then Term: crashing between the two re-runs the
	// protocol on redelivery, which at worst duplicates the DLQ entry.
	if _, err := c.js.Publish(ctx, dlqSubject(held.topic, held.subscription), data); err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to publish dead-letter copy", err)
	}
	if err := held.msg.Term(); err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to terminate delivery", err)
	}

	c.logger.Warnf("Dead-lettered message %s on %s/%s: %s",
		held.envelope.MessageID, held.topic, held.subscription, reason)
	return nil
}

// RenewLock resets the AckWait clock on an in-flight delivery and returns
// the new expiry.
func (c *Client) RenewLock(ctx context.Context, token string) (time.Time, error) {
	c.mu.Lock()
	held, ok := c.held[token]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, relay.NewError(relay.ErrCodeLockLost, "lock token not held by this client")
	}

	if err := held.msg.InProgress(); err != nil {
		c.mu.Lock()
		delete(c.held, token)
		c.mu.Unlock()
		return time.Time{}, relay.NewErrorWithCause(relay.ErrCodeLockLost, "broker rejected lock renewal", err)
	}

	expiresAt := time.Now().Add(c.lockTTL)
	c.mu.Lock()
	held.lockExpiresAt = expiresAt
	c.mu.Unlock()

	return expiresAt, nil
}

// DeadLetterCount returns the number of dead-lettered messages on one
// subscription, read through an ephemeral filtered consumer.
func (c *Client) DeadLetterCount(ctx context.Context, topic, subscription string) (int, error) {
	stream, err := c.js.Stream(ctx, dlqStreamName(topic))
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to open dead-letter stream for topic %s", topic), err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: dlqSubject(topic, subscription),
	})
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to create dead-letter counter consumer", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to read dead-letter consumer info", err)
	}

	return int(info.NumPending), nil
}

// PeekDeadLetters fetches a bounded sample of dead-lettered messages through
// an ephemeral consumer. The messages are not acked, and the dead-letter
// stream uses limits-based retention, so peeking removes nothing.
func (c *Client) PeekDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]relay.DeadLetterSample, error) {
	stream, err := c.js.Stream(ctx, dlqStreamName(topic))
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, fmt.Sprintf("failed to open dead-letter stream for topic %s", topic), err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: dlqSubject(topic, subscription),
	})
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to create dead-letter peek consumer", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(c.fetchWait))
	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeBroker, "failed to fetch dead-letter sample", err)
	}

	var samples []relay.DeadLetterSample
	for msg := range batch.Messages() {
		var sample relay.DeadLetterSample
		if err := json.Unmarshal(msg.Data(), &sample); err != nil {
			c.logger.Warnf("Skipping undecodable dead-letter entry on %s/%s: %v", topic, subscription, err)
			continue
		}
		samples = append(samples, sample)
	}
	if err := batch.Error(); err != nil {
		return samples, relay.NewErrorWithCause(relay.ErrCodeBroker, "dead-letter fetch ended with error", err)
	}

	return samples, nil
}

// Compile-time check
var _ relay.BrokerClient = (*Client)(nil)

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/relay/model"
	"github.com/coregx/relay/retry"
)

// Consumer is the broker-backed transport: it receives pushed messages for
// every registered destination's subscription, persists the delivery lock
// before touching the payload, delivers, and settles the delivery at the
// broker (complete, abandon, or dead-letter).
//
// Persisting the lock first is the restart-safety contract: if this process
// dies mid-delivery, a restarted worker finds the Active lock row and can
// renew or relinquish the broker lease instead of waiting for it to lapse.
//
// Thread safety: safe to run in many processes; the broker hands each
// delivery to exactly one receiver per subscription at a time.
type Consumer struct {
	client              BrokerClient
	messageRepo         MessageRepository
	subscriptionRepo    SubscriptionRepository
	registrationRepo    RegistrationRepository
	lockRepo            DeliveryLockRepository
	registry            *Registry
	strategy            retry.Strategy
	logger              Logger
	notificationService NotificationService
	batchSize           int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer) error

// NewConsumer creates a new broker consumer with the provided options.
//
// Required options:
//   - WithConsumerClient: broker client
//   - WithConsumerRepositories: message, subscription, registration, and lock repositories
//   - WithConsumerRegistry: adapter registry
//   - WithConsumerLogger: logger instance
//
// Optional options:
//   - WithConsumerStrategy: delivery policy (default: retry.DefaultStrategy())
//   - WithConsumerBatchSize: deliveries per subscription per pass (default: 50)
//   - WithConsumerNotifications: alerting hook
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		strategy:            retry.DefaultStrategy(),
		batchSize:           50,
		notificationService: &NoOpNotificationService{},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply consumer option", err)
		}
	}

	if c.client == nil {
		return nil, NewError(ErrCodeConfiguration, "BrokerClient is required (use WithConsumerClient)")
	}
	if c.messageRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageRepository is required (use WithConsumerRepositories)")
	}
	if c.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithConsumerRepositories)")
	}
	if c.registrationRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "RegistrationRepository is required (use WithConsumerRepositories)")
	}
	if c.lockRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "DeliveryLockRepository is required (use WithConsumerRepositories)")
	}
	if c.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithConsumerRegistry)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConsumerLogger)")
	}

	return c, nil
}

// WithConsumerClient sets the broker client.
func WithConsumerClient(client BrokerClient) ConsumerOption {
	return func(c *Consumer) error {
		if client == nil {
			return fmt.Errorf("client cannot be nil")
		}
		c.client = client
		return nil
	}
}

// WithConsumerRepositories sets the required repository dependencies.
func WithConsumerRepositories(
	messageRepo MessageRepository,
	subscriptionRepo SubscriptionRepository,
	registrationRepo RegistrationRepository,
	lockRepo DeliveryLockRepository,
) ConsumerOption {
	return func(c *Consumer) error {
		if messageRepo == nil {
			return fmt.Errorf("messageRepo cannot be nil")
		}
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		if registrationRepo == nil {
			return fmt.Errorf("registrationRepo cannot be nil")
		}
		if lockRepo == nil {
			return fmt.Errorf("lockRepo cannot be nil")
		}

		c.messageRepo = messageRepo
		c.subscriptionRepo = subscriptionRepo
		c.registrationRepo = registrationRepo
		c.lockRepo = lockRepo
		return nil
	}
}

// WithConsumerRegistry sets the adapter registry.
func WithConsumerRegistry(registry *Registry) ConsumerOption {
	return func(c *Consumer) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		c.registry = registry
		return nil
	}
}

// WithConsumerStrategy sets a custom delivery policy.
func WithConsumerStrategy(strategy retry.Strategy) ConsumerOption {
	return func(c *Consumer) error {
		c.strategy = strategy
		return nil
	}
}

// WithConsumerBatchSize sets the number of deliveries fetched per
// subscription per pass. Must be > 0.
func WithConsumerBatchSize(size int) ConsumerOption {
	return func(c *Consumer) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		c.batchSize = size
		return nil
	}
}

// WithConsumerLogger sets the logger instance.
func WithConsumerLogger(logger Logger) ConsumerOption {
	return func(c *Consumer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConsumerNotifications sets an optional notification service.
func WithConsumerNotifications(service NotificationService) ConsumerOption {
	return func(c *Consumer) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notificationService = service
		return nil
	}
}

// EnsureTopology creates the broker topology (one topic per interface, one
// subscription per active registration). Idempotent; call at startup and
// after registration changes.
func (c *Consumer) EnsureTopology(ctx context.Context) error {
	registrations, err := c.registrationRepo.FindAllActive(ctx)
	if err != nil {
		if IsNoData(err) {
			return nil
		}
		return NewErrorWithCause(ErrCodeDatabase, "failed to load registrations", err)
	}

	byTopic := make(map[string][]string)
	for _, reg := range registrations {
		byTopic[reg.InterfaceName] = append(byTopic[reg.InterfaceName], reg.SubscriptionName())
	}

	for topic, subscriptions := range byTopic {
		if err := c.client.EnsureTopology(ctx, topic, subscriptions); err != nil {
			return NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("failed to ensure topology for topic %s", topic), err)
		}
	}
	return nil
}

// ProcessSubscription receives and handles one batch of deliveries for one
// registration. Returns the number of deliveries settled.
func (c *Consumer) ProcessSubscription(ctx context.Context, reg model.Registration) (int, error) {
	deliveries, err := c.client.Receive(ctx, reg.InterfaceName, reg.SubscriptionName(), c.batchSize)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeBroker, "failed to receive deliveries", err)
	}

	handled := 0
	for i := range deliveries {
		if err := c.handleDelivery(ctx, reg, deliveries[i]); err != nil {
			c.logger.Errorf("Failed to handle delivery (message=%s, subscription=%s): %v",
				deliveries[i].Envelope.MessageID, reg.SubscriptionName(), err)
			continue
		}
		handled++
	}
	return handled, nil
}

// handleDelivery runs the receive protocol for one delivery:
//  1. Persist the lock row (Active) before anything else
//  2. Deliver the payload to the destination adapter
//  3. Settle: complete on success, dead-letter past the delivery threshold,
//     abandon otherwise
func (c *Consumer) handleDelivery(ctx context.Context, reg model.Registration, delivery Delivery) error {
	lock := model.NewDeliveryLock(
		delivery.Envelope.MessageID,
		delivery.LockToken,
		delivery.TopicName,
		delivery.SubscriptionName,
		reg.InstanceID,
		delivery.LockExpiresAt,
		delivery.DeliveryCount,
	)
	// Lock persistence failures abort before processing: without the row, a
	// crash mid-delivery would leave an orphaned broker lease no restarted
	// worker could discover.
	if err := c.lockRepo.Create(ctx, lock); err != nil {
		if abandonErr := c.client.Abandon(ctx, delivery.LockToken); abandonErr != nil {
			c.logger.Warnf("Failed to abandon after lock persistence failure: %v", abandonErr)
		}
		return fmt.Errorf("failed to persist delivery lock: %w", err)
	}

	if err := c.subscriptionRepo.MarkInProgress(ctx, delivery.Envelope.MessageID, reg.AdapterName, reg.InstanceID); err != nil {
		c.logger.Warnf("Failed to mark subscription in progress (message=%s): %v", delivery.Envelope.MessageID, err)
	}

	deliveryErr := c.deliver(ctx, reg, delivery)
	if deliveryErr == nil {
		return c.settleSuccess(ctx, reg, delivery)
	}
	return c.settleFailure(ctx, reg, delivery, deliveryErr)
}

// deliver resolves the destination instance and writes the payload.
func (c *Consumer) deliver(ctx context.Context, reg model.Registration, delivery Delivery) error {
	instance, err := c.registry.Lookup(reg.AdapterName, reg.InstanceID)
	if err != nil {
		return fmt.Errorf("destination instance not registered: %w", err)
	}

	payload := delivery.Envelope.Payload
	return instance.Adapter.Write(ctx, instance.Destination, payload.Headers, []model.Record{payload.Record})
}

// settleSuccess acknowledges at the broker, completes the lock row, marks
// the subscription processed, and removes the message once everyone is done.
func (c *Consumer) settleSuccess(ctx context.Context, reg model.Registration, delivery Delivery) error {
	messageID := delivery.Envelope.MessageID

	if err := c.client.Complete(ctx, delivery.LockToken); err != nil {
		return NewErrorWithCause(ErrCodeBroker, "failed to complete delivery at broker", err)
	}
	if err := c.lockRepo.Complete(ctx, delivery.LockToken); err != nil {
		c.logger.Errorf("Failed to complete lock row %s: %v", delivery.LockToken, err)
	}

	details := fmt.Sprintf("delivered via %s", delivery.SubscriptionName)
	if err := c.subscriptionRepo.MarkProcessed(ctx, messageID, reg.AdapterName, reg.InstanceID, details); err != nil {
		return fmt.Errorf("failed to mark subscription processed: %w", err)
	}

	done, err := c.subscriptionRepo.AllProcessed(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to check subscription completion: %w", err)
	}
	if done {
		if err := c.messageRepo.Complete(ctx, messageID); err != nil {
			return fmt.Errorf("failed to complete message: %w", err)
		}
		if err := c.subscriptionRepo.DeleteByMessage(ctx, messageID); err != nil {
			return fmt.Errorf("failed to delete subscriptions: %w", err)
		}
		if err := c.messageRepo.Delete(ctx, messageID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		c.logger.Infof("Message %s fully delivered and removed", messageID)
	}

	c.logger.Debugf("Delivered message %s via subscription %s", messageID, delivery.SubscriptionName)
	return nil
}

// settleFailure records the error and either dead-letters the delivery past
// the threshold or abandons it for broker redelivery.
func (c *Consumer) settleFailure(ctx context.Context, reg model.Registration, delivery Delivery, deliveryErr error) error {
	messageID := delivery.Envelope.MessageID

	if err := c.subscriptionRepo.MarkError(ctx, messageID, reg.AdapterName, reg.InstanceID, deliveryErr.Error()); err != nil {
		c.logger.Errorf("Failed to mark subscription errored (message=%s): %v", messageID, err)
	}

	sub := model.NewSubscription(messageID, reg.AdapterName, reg.InstanceID)
	sub.MarkError(deliveryErr.Error())
	if err := c.notificationService.NotifySubscriptionError(ctx, sub, deliveryErr); err != nil {
		c.logger.Warnf("Failed to send delivery failure notification: %v", err)
	}

	if c.strategy.ShouldDeadLetter(delivery.DeliveryCount) {
		c.logger.Warnf("Dead-lettering message %s on subscription %s (deliveries=%d): %v",
			messageID, delivery.SubscriptionName, delivery.DeliveryCount, deliveryErr)

		reason := fmt.Sprintf("delivery count %d reached threshold %d", delivery.DeliveryCount, c.strategy.MaxDeliveries)
		if err := c.client.DeadLetter(ctx, delivery.LockToken, reason, deliveryErr.Error()); err != nil {
			return NewErrorWithCause(ErrCodeBroker, "failed to dead-letter delivery", err)
		}
		if err := c.lockRepo.DeadLetter(ctx, delivery.LockToken); err != nil {
			c.logger.Errorf("Failed to dead-letter lock row %s: %v", delivery.LockToken, err)
		}
		// The message row must reach a terminal status too, or retention
		// cleanup never collects it and its content hash blocks
		// re-admission forever.
		if err := c.messageRepo.DeadLetter(ctx, messageID); err != nil {
			return fmt.Errorf("failed to dead-letter message: %w", err)
		}
		return nil
	}

	if err := c.client.Abandon(ctx, delivery.LockToken); err != nil {
		return NewErrorWithCause(ErrCodeBroker, "failed to abandon delivery", err)
	}
	if err := c.lockRepo.Abandon(ctx, delivery.LockToken); err != nil {
		c.logger.Errorf("Failed to abandon lock row %s: %v", delivery.LockToken, err)
	}

	c.logger.Warnf("Delivery failed, abandoned for redelivery (message=%s, subscription=%s, deliveries=%d): %v",
		messageID, delivery.SubscriptionName, delivery.DeliveryCount, deliveryErr)
	return nil
}

// Run starts the consumer loop. Each pass receives one batch per active
// registration. Transient broker errors back off exponentially per the
// delivery policy instead of hammering the broker.
//
// This method blocks and should typically be run in a goroutine.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Consumer started")

	errorStreak := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped")
			return
		case <-ticker.C:
			if err := c.processPass(ctx); err != nil {
				errorStreak++
				backoff := c.strategy.CalculateBackoff(errorStreak)
				c.logger.Errorf("Consumer pass failed (streak=%d, backoff=%v): %v", errorStreak, backoff, err)
				select {
				case <-ctx.Done():
					c.logger.Info("Consumer stopped")
					return
				case <-time.After(backoff):
				}
				continue
			}
			errorStreak = 0
		}
	}
}

// processPass receives one batch for every active registration.
func (c *Consumer) processPass(ctx context.Context) error {
	registrations, err := c.registrationRepo.FindAllActive(ctx)
	if err != nil {
		if IsNoData(err) {
			return nil
		}
		return fmt.Errorf("failed to load registrations: %w", err)
	}

	for _, reg := range registrations {
		if _, err := c.ProcessSubscription(ctx, reg); err != nil {
			c.logger.Errorf("Error processing subscription %s on %s: %v",
				reg.SubscriptionName(), reg.InterfaceName, err)
		}
	}
	return nil
}

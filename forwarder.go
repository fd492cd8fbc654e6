package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/relay/model"
	"github.com/coregx/relay/retry"
)

// Forwarder is the store-and-forward transport: a polling worker that pulls
// pending messages straight from the message store, claims them with a
// lease, delivers to every registered destination, and deletes messages
// once all subscribers confirmed.
//
// Recovery model: a worker that dies mid-delivery simply loses its lease;
// once in_progress_until passes, any worker can re-claim the message. This
// implies at-least-once delivery with possible reprocessing, which the
// idempotent subscription updates absorb.
//
// Thread safety: safe to run in many processes concurrently. Claims are
// single conditional updates; exactly one of N racing workers wins each
// message.
type Forwarder struct {
	messageRepo         MessageRepository
	subscriptionRepo    SubscriptionRepository
	registrationRepo    RegistrationRepository
	registry            *Registry
	strategy            retry.Strategy
	logger              Logger
	notificationService NotificationService
	batchSize           int
	retention           time.Duration
}

// NewForwarder creates a new store-and-forward worker with the provided options.
//
// Required options:
//   - WithRepositories: message, subscription, and registration repositories
//   - WithRegistry: adapter registry for destination lookup
//   - WithLogger: logger instance
//
// Optional options:
//   - WithStrategy: delivery policy (default: retry.DefaultStrategy())
//   - WithBatchSize: messages per interface per batch (default: 100)
//   - WithRetention: dedup retention window (default: DefaultDedupWindow)
//   - WithNotifications: alerting hook for delivery failures
func NewForwarder(opts ...Option) (*Forwarder, error) {
	// Default configuration
	f := &Forwarder{
		strategy:            retry.DefaultStrategy(),
		batchSize:           100,
		retention:           DefaultDedupWindow,
		notificationService: &NoOpNotificationService{},
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	// Validate required dependencies
	if f.messageRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageRepository is required (use WithRepositories)")
	}
	if f.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithRepositories)")
	}
	if f.registrationRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "RegistrationRepository is required (use WithRepositories)")
	}
	if f.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithRegistry)")
	}
	if f.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	return f, nil
}

// ProcessInterface processes one batch of pending messages for one interface.
// Messages another worker claims first are skipped silently.
//
// Returns the number of messages fully handled and any critical error.
// Individual message failures are logged but don't stop batch processing.
func (f *Forwarder) ProcessInterface(ctx context.Context, interfaceName string) (int, error) {
	messages, err := f.messageRepo.ListPending(ctx, interfaceName, f.batchSize)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list pending messages: %w", err)
	}

	processed := 0
	for i := range messages {
		claimed, err := f.messageRepo.Claim(ctx, messages[i].ID, f.strategy.LeaseDuration)
		if err != nil {
			f.logger.Errorf("Failed to claim message %s: %v", messages[i].ID, err)
			continue
		}
		if !claimed {
			// Another worker won the race; not an error.
			continue
		}

		if err := f.processMessage(ctx, &messages[i]); err != nil {
			f.logger.Errorf("Failed to process message %s: %v", messages[i].ID, err)
			continue
		}
		processed++
	}

	return processed, nil
}

// processMessage delivers one claimed message to all of its unprocessed
// subscribers, then completes and deletes it when everyone is done.
func (f *Forwarder) processMessage(ctx context.Context, message *model.Message) error {
	subs, err := f.subscriptionRepo.ListByMessage(ctx, message.ID)
	if err != nil && !IsNoData(err) {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	payload, err := message.DecodedPayload()
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	for i := range subs {
		if subs[i].IsProcessed() {
			continue
		}
		f.deliverToSubscriber(ctx, message, &subs[i], payload)
	}

	return f.finishIfDone(ctx, message.ID)
}

// deliverToSubscriber attempts one destination write and records the outcome
// on the subscription row. Adapter failures are converted to a subscription
// error state; one failing destination must not block the others.
func (f *Forwarder) deliverToSubscriber(ctx context.Context, message *model.Message, sub *model.Subscription, payload model.Payload) {
	if err := f.subscriptionRepo.MarkInProgress(ctx, message.ID, sub.SubscriberName, sub.SubscriberInstanceID); err != nil {
		f.logger.Errorf("Failed to mark subscription in progress (message=%s, subscriber=%s/%s): %v",
			message.ID, sub.SubscriberName, sub.SubscriberInstanceID, err)
		return
	}

	instance, err := f.registry.Lookup(sub.SubscriberName, sub.SubscriberInstanceID)
	if err != nil {
		f.recordFailure(ctx, message, sub, fmt.Errorf("destination instance not registered: %w", err))
		return
	}

	if err := instance.Adapter.Write(ctx, instance.Destination, payload.Headers, []model.Record{payload.Record}); err != nil {
		f.recordFailure(ctx, message, sub, err)
		return
	}

	details := fmt.Sprintf("delivered by %s", instance.AdapterName)
	if err := f.subscriptionRepo.MarkProcessed(ctx, message.ID, sub.SubscriberName, sub.SubscriberInstanceID, details); err != nil {
		f.logger.Errorf("Failed to mark subscription processed (message=%s, subscriber=%s/%s): %v",
			message.ID, sub.SubscriberName, sub.SubscriberInstanceID, err)
		return
	}

	f.logger.Debugf("Delivered message %s to %s/%s", message.ID, sub.SubscriberName, sub.SubscriberInstanceID)
}

// recordFailure marks the subscription errored and notifies. The message is
// kept; once its lease expires it becomes re-claimable for retry.
func (f *Forwarder) recordFailure(ctx context.Context, message *model.Message, sub *model.Subscription, deliveryErr error) {
	if err := f.subscriptionRepo.MarkError(ctx, message.ID, sub.SubscriberName, sub.SubscriberInstanceID, deliveryErr.Error()); err != nil {
		f.logger.Errorf("Failed to mark subscription errored (message=%s, subscriber=%s/%s): %v",
			message.ID, sub.SubscriberName, sub.SubscriberInstanceID, err)
	}

	sub.MarkError(deliveryErr.Error())
	if err := f.notificationService.NotifySubscriptionError(ctx, *sub, deliveryErr); err != nil {
		f.logger.Warnf("Failed to send delivery failure notification: %v", err)
	}

	f.logger.Warnf("Delivery failed (message=%s, subscriber=%s/%s): %v",
		message.ID, sub.SubscriberName, sub.SubscriberInstanceID, deliveryErr)
}

// finishIfDone deletes the message once every subscription row is processed.
// The check-then-delete races benignly: at worst two workers both see "all
// processed" and the second delete is a no-op on a missing row.
func (f *Forwarder) finishIfDone(ctx context.Context, messageID string) error {
	done, err := f.subscriptionRepo.AllProcessed(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to check subscription completion: %w", err)
	}
	if !done {
		return nil
	}

	if err := f.messageRepo.Complete(ctx, messageID); err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	if err := f.subscriptionRepo.DeleteByMessage(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	if err := f.messageRepo.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	f.logger.Infof("Message %s fully delivered and removed", messageID)
	return nil
}

// CleanupOutdated garbage-collects terminal messages past the dedup
// retention window. Returns the number of deleted rows.
func (f *Forwarder) CleanupOutdated(ctx context.Context) (int, error) {
	deleted, err := f.messageRepo.DeleteOlderThan(ctx, time.Now().Add(-f.retention), f.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outdated messages: %w", err)
	}
	if deleted > 0 {
		f.logger.Infof("Cleaned up %d outdated messages", deleted)
	}
	return deleted, nil
}

// Run starts the forwarder event loop that polls for pending messages
// continuously. It runs until the context is canceled, processing batches at
// the specified interval.
//
// This method blocks and should typically be run in a goroutine.
//
// Example:
//
//	ctx := context.Background()
//	go forwarder.Run(ctx, 5*time.Second)
func (f *Forwarder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("Forwarder started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Forwarder stopped")
			return
		case <-ticker.C:
			f.processBatch(ctx)
		}
	}
}

// processBatch processes one polling pass over every interface with active
// registrations, then runs retention GC.
func (f *Forwarder) processBatch(ctx context.Context) {
	registrations, err := f.registrationRepo.FindAllActive(ctx)
	if err != nil {
		if !IsNoData(err) {
			f.logger.Errorf("Error loading registrations: %v", err)
		}
		return
	}

	interfaces := make(map[string]struct{})
	for _, reg := range registrations {
		interfaces[reg.InterfaceName] = struct{}{}
	}

	total := 0
	for interfaceName := range interfaces {
		count, err := f.ProcessInterface(ctx, interfaceName)
		if err != nil {
			f.logger.Errorf("Error processing interface %s: %v", interfaceName, err)
			continue
		}
		total += count
	}

	cleaned, err := f.CleanupOutdated(ctx)
	if err != nil {
		f.logger.Errorf("Error cleaning up outdated messages: %v", err)
	}

	if total > 0 || cleaned > 0 {
		f.logger.Infof("Batch processed: delivered=%d, cleaned=%d", total, cleaned)
	}
}

package relay

import (
	"context"

	"github.com/coregx/relay/model"
)

// DeadLetterAlert is the structured alert emitted by the dead-letter monitor
// when a subscription reports dead-lettered messages.
type DeadLetterAlert struct {
	TopicName        string             `json:"topicName"`
	SubscriptionName string             `json:"subscriptionName"`
	Count            int                `json:"count"`
	Samples          []DeadLetterSample `json:"samples"`
}

// NotificationService defines an optional interface for surfacing relay
// events that need operator attention (dead letters, repeated lock-renewal
// failures, destination errors).
//
// Implementations might send emails, Slack messages, or feed monitoring
// systems. Persistent dead-letter growth and repeated renewal failures are
// the two leading operational indicators; individual transient errors are
// not surfaced per-occurrence.
type NotificationService interface {
	// NotifyDeadLetters is called when the dead-letter monitor finds
	// dead-lettered messages on a subscription.
	NotifyDeadLetters(ctx context.Context, alert DeadLetterAlert) error

	// NotifyLockRenewalFailure is called when a broker-side lock renewal
	// fails and the lock is expired locally.
	NotifyLockRenewalFailure(ctx context.Context, lock model.DeliveryLock, cause error) error

	// NotifySubscriptionError is called when a destination write fails and
	// the subscription row is marked errored.
	NotifySubscriptionError(ctx context.Context, sub model.Subscription, cause error) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeadLetters does nothing.
func (n *NoOpNotificationService) NotifyDeadLetters(_ context.Context, _ DeadLetterAlert) error {
	return nil
}

// NotifyLockRenewalFailure does nothing.
func (n *NoOpNotificationService) NotifyLockRenewalFailure(_ context.Context, _ model.DeliveryLock, _ error) error {
	return nil
}

// NotifySubscriptionError does nothing.
func (n *NoOpNotificationService) NotifySubscriptionError(_ context.Context, _ model.Subscription, _ error) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLetters logs a dead-letter alert.
func (n *LoggingNotificationService) NotifyDeadLetters(_ context.Context, alert DeadLetterAlert) error {
	n.logger.Warnf("⚠️ Dead letters detected: topic=%s, subscription=%s, count=%d",
		alert.TopicName, alert.SubscriptionName, alert.Count)
	for _, s := range alert.Samples {
		n.logger.Warnf("   dead letter: message=%s, deliveries=%d, reason=%s, error=%s",
			s.Envelope.MessageID, s.DeliveryCount, s.Reason, s.ErrorDescription)
	}
	return nil
}

// NotifyLockRenewalFailure logs a failed lock renewal.
func (n *LoggingNotificationService) NotifyLockRenewalFailure(_ context.Context, lock model.DeliveryLock, cause error) error {
	n.logger.Warnf("⚠️ Lock renewal failed: message=%s, token=%s, subscription=%s, renewals=%d, error=%v",
		lock.MessageID, lock.LockToken, lock.SubscriptionName, lock.RenewalCount, cause)
	return nil
}

// NotifySubscriptionError logs a destination delivery failure.
func (n *LoggingNotificationService) NotifySubscriptionError(_ context.Context, sub model.Subscription, cause error) error {
	n.logger.Warnf("⚠️ Delivery failed: message=%s, subscriber=%s/%s, error=%v",
		sub.MessageID, sub.SubscriberName, sub.SubscriberInstanceID, cause)
	return nil
}

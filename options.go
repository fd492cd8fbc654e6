package relay

import (
	"fmt"
	"time"

	"github.com/coregx/relay/retry"
)

// Option is a function that configures a Forwarder.
// Used with the Options Pattern for flexible service construction.
//
// Example:
//
//	forwarder, err := relay.NewForwarder(
//	    relay.WithRepositories(messageRepo, subscriptionRepo, registrationRepo),
//	    relay.WithRegistry(registry),
//	    relay.WithLogger(logger),
//	    relay.WithBatchSize(200), // optional
//	)
type Option func(*Forwarder) error

// WithRepositories sets the required repository dependencies for the forwarder.
// All three repositories are required and must not be nil.
//
// This is a required option for NewForwarder.
//
// Parameters:
//   - messageRepo: Message persistence and claim/complete primitives
//   - subscriptionRepo: Per-subscriber delivery tracking
//   - registrationRepo: Destination registrations per interface
func WithRepositories(
	messageRepo MessageRepository,
	subscriptionRepo SubscriptionRepository,
	registrationRepo RegistrationRepository,
) Option {
	return func(f *Forwarder) error {
		if messageRepo == nil {
			return fmt.Errorf("messageRepo cannot be nil")
		}
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		if registrationRepo == nil {
			return fmt.Errorf("registrationRepo cannot be nil")
		}

		f.messageRepo = messageRepo
		f.subscriptionRepo = subscriptionRepo
		f.registrationRepo = registrationRepo
		return nil
	}
}

// WithRegistry sets the adapter registry used to resolve destination
// instances. Required and must not be nil.
func WithRegistry(registry *Registry) Option {
	return func(f *Forwarder) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		f.registry = registry
		return nil
	}
}

// WithLogger sets the logger instance for the forwarder.
// Logger is required and must not be nil.
//
// Use NoopLogger for silent operation or implement the Logger interface
// to integrate with your logging system.
func WithLogger(logger Logger) Option {
	return func(f *Forwarder) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		f.logger = logger
		return nil
	}
}

// WithStrategy sets a custom delivery policy for the forwarder.
// Optional - if not provided, retry.DefaultStrategy() is used.
//
// The forwarder uses the strategy's LeaseDuration for message claims.
func WithStrategy(strategy retry.Strategy) Option {
	return func(f *Forwarder) error {
		f.strategy = strategy
		return nil
	}
}

// WithBatchSize sets the number of pending messages to process per interface
// per batch. Optional - default is 100.
//
// Must be > 0. Larger batches improve throughput but hold claims longer.
func WithBatchSize(size int) Option {
	return func(f *Forwarder) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		f.batchSize = size
		return nil
	}
}

// WithRetention sets the dedup retention window. Terminal messages older
// than this are garbage-collected, which bounds how long content hashes
// suppress duplicate submissions. Optional - default is DefaultDedupWindow.
func WithRetention(retention time.Duration) Option {
	return func(f *Forwarder) error {
		if retention <= 0 {
			return fmt.Errorf("retention must be > 0, got %v", retention)
		}
		f.retention = retention
		return nil
	}
}

// WithNotifications sets an optional notification service for the forwarder.
// Optional - if not provided, NoOpNotificationService is used.
//
// The notification service receives callbacks for destination delivery
// failures. Use this to integrate with alerting systems.
func WithNotifications(service NotificationService) Option {
	return func(f *Forwarder) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		f.notificationService = service
		return nil
	}
}

package relay

import (
	"context"
	"fmt"
	"time"
)

// DeadLetterMonitor is the background task that surfaces broker-declared
// terminal failures. On each pass it asks the broker for the dead-letter
// count of every active (topic, subscription) pair; when nonzero it peeks a
// bounded sample (non-destructive) and emits a structured alert with reason,
// error description, and delivery count.
//
// Observation only: remediation (replay, manual fix) is an external
// operational action.
type DeadLetterMonitor struct {
	client              BrokerClient
	registrationRepo    RegistrationRepository
	logger              Logger
	notificationService NotificationService
	sampleLimit         int
}

// DeadLetterMonitorOption configures a DeadLetterMonitor.
type DeadLetterMonitorOption func(*DeadLetterMonitor) error

// NewDeadLetterMonitor creates a new dead-letter monitor with the provided options.
//
// Required options:
//   - WithMonitorClient: broker client
//   - WithMonitorRepository: registration repository
//   - WithMonitorLogger: logger instance
//
// Optional options:
//   - WithMonitorNotifications: alerting hook (default: logging would be
//     silent; pass NewLoggingNotificationService to surface alerts in logs)
//   - WithMonitorSampleLimit: dead letters peeked per alert (default: 10)
func NewDeadLetterMonitor(opts ...DeadLetterMonitorOption) (*DeadLetterMonitor, error) {
	m := &DeadLetterMonitor{
		sampleLimit:         10,
		notificationService: &NoOpNotificationService{},
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply monitor option", err)
		}
	}

	if m.client == nil {
		return nil, NewError(ErrCodeConfiguration, "BrokerClient is required (use WithMonitorClient)")
	}
	if m.registrationRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "RegistrationRepository is required (use WithMonitorRepository)")
	}
	if m.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithMonitorLogger)")
	}

	return m, nil
}

// WithMonitorClient sets the broker client.
func WithMonitorClient(client BrokerClient) DeadLetterMonitorOption {
	return func(m *DeadLetterMonitor) error {
		if client == nil {
			return fmt.Errorf("client cannot be nil")
		}
		m.client = client
		return nil
	}
}

// WithMonitorRepository sets the registration repository.
func WithMonitorRepository(registrationRepo RegistrationRepository) DeadLetterMonitorOption {
	return func(m *DeadLetterMonitor) error {
		if registrationRepo == nil {
			return fmt.Errorf("registrationRepo cannot be nil")
		}
		m.registrationRepo = registrationRepo
		return nil
	}
}

// WithMonitorLogger sets the logger instance.
func WithMonitorLogger(logger Logger) DeadLetterMonitorOption {
	return func(m *DeadLetterMonitor) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithMonitorNotifications sets the notification service alerts are sent to.
func WithMonitorNotifications(service NotificationService) DeadLetterMonitorOption {
	return func(m *DeadLetterMonitor) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		m.notificationService = service
		return nil
	}
}

// WithMonitorSampleLimit sets how many dead letters are peeked per alert.
func WithMonitorSampleLimit(limit int) DeadLetterMonitorOption {
	return func(m *DeadLetterMonitor) error {
		if limit <= 0 {
			return fmt.Errorf("sample limit must be > 0, got %d", limit)
		}
		m.sampleLimit = limit
		return nil
	}
}

// Scan queries every active subscription once and emits alerts for those
// with dead-lettered messages. Returns the number of alerts emitted.
func (m *DeadLetterMonitor) Scan(ctx context.Context) (int, error) {
	registrations, err := m.registrationRepo.FindAllActive(ctx)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load registrations: %w", err)
	}

	alerts := 0
	for _, reg := range registrations {
		topic := reg.InterfaceName
		subscription := reg.SubscriptionName()

		count, err := m.client.DeadLetterCount(ctx, topic, subscription)
		if err != nil {
			m.logger.Errorf("Failed to query dead-letter count (topic=%s, subscription=%s): %v",
				topic, subscription, err)
			continue
		}
		if count == 0 {
			continue
		}

		samples, err := m.client.PeekDeadLetters(ctx, topic, subscription, m.sampleLimit)
		if err != nil {
			m.logger.Errorf("Failed to peek dead letters (topic=%s, subscription=%s): %v",
				topic, subscription, err)
			// Alert with the count anyway; the sample is best-effort.
		}

		alert := DeadLetterAlert{
			TopicName:        topic,
			SubscriptionName: subscription,
			Count:            count,
			Samples:          samples,
		}
		if err := m.notificationService.NotifyDeadLetters(ctx, alert); err != nil {
			m.logger.Warnf("Failed to send dead-letter alert: %v", err)
			continue
		}

		m.logger.Warnf("Dead letters surfaced: topic=%s, subscription=%s, count=%d",
			topic, subscription, count)
		alerts++
	}

	return alerts, nil
}

// Run starts the monitor loop. It runs until the context is canceled,
// scanning at the specified interval (typically minutes, not seconds).
//
// This method blocks and should typically be run in a goroutine.
func (m *DeadLetterMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Dead-letter monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Dead-letter monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.logger.Errorf("Dead-letter scan failed: %v", err)
			}
		}
	}
}

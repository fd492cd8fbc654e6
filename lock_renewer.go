package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coregx/relay/retry"
)

// LockRenewer is the background task that keeps long-running deliveries
// alive: it scans Active delivery locks nearing expiry and extends them at
// the broker so consumers don't lose ownership mid-write.
//
// The broker is authoritative. A failed renewal marks the row Expired
// locally and moves on; the message simply redelivers. Locks found already
// past expiry are expired directly without a broker call, since renewing a
// lapsed lease always fails anyway.
//
// Safe to run redundantly in several processes: every write is a
// conditional update keyed on the Active status.
type LockRenewer struct {
	lockRepo            DeliveryLockRepository
	client              BrokerClient
	strategy            retry.Strategy
	logger              Logger
	notificationService NotificationService
	batchSize           int
	lockRetention       time.Duration
	renewalFailures     atomic.Int64
}

// LockRenewerOption configures a LockRenewer.
type LockRenewerOption func(*LockRenewer) error

// NewLockRenewer creates a new lock renewal loop with the provided options.
//
// Required options:
//   - WithRenewerClient: broker client
//   - WithRenewerRepository: delivery lock repository
//   - WithRenewerLogger: logger instance
//
// Optional options:
//   - WithRenewerStrategy: delivery policy (default: retry.DefaultStrategy())
//   - WithRenewerBatchSize: locks per pass (default: 100)
//   - WithRenewerLockRetention: keep terminal lock rows this long (default: 24h)
//   - WithRenewerNotifications: alerting hook for renewal failures
func NewLockRenewer(opts ...LockRenewerOption) (*LockRenewer, error) {
	r := &LockRenewer{
		strategy:            retry.DefaultStrategy(),
		batchSize:           100,
		lockRetention:       24 * time.Hour,
		notificationService: &NoOpNotificationService{},
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply lock renewer option", err)
		}
	}

	if r.client == nil {
		return nil, NewError(ErrCodeConfiguration, "BrokerClient is required (use WithRenewerClient)")
	}
	if r.lockRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "DeliveryLockRepository is required (use WithRenewerRepository)")
	}
	if r.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRenewerLogger)")
	}

	return r, nil
}

// WithRenewerClient sets the broker client.
func WithRenewerClient(client BrokerClient) LockRenewerOption {
	return func(r *LockRenewer) error {
		if client == nil {
			return fmt.Errorf("client cannot be nil")
		}
		r.client = client
		return nil
	}
}

// WithRenewerRepository sets the delivery lock repository.
func WithRenewerRepository(lockRepo DeliveryLockRepository) LockRenewerOption {
	return func(r *LockRenewer) error {
		if lockRepo == nil {
			return fmt.Errorf("lockRepo cannot be nil")
		}
		r.lockRepo = lockRepo
		return nil
	}
}

// WithRenewerStrategy sets a custom delivery policy.
func WithRenewerStrategy(strategy retry.Strategy) LockRenewerOption {
	return func(r *LockRenewer) error {
		r.strategy = strategy
		return nil
	}
}

// WithRenewerBatchSize sets the number of locks examined per pass.
func WithRenewerBatchSize(size int) LockRenewerOption {
	return func(r *LockRenewer) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		r.batchSize = size
		return nil
	}
}

// WithRenewerLockRetention sets how long terminal lock rows are kept before
// garbage collection.
func WithRenewerLockRetention(retention time.Duration) LockRenewerOption {
	return func(r *LockRenewer) error {
		if retention <= 0 {
			return fmt.Errorf("lock retention must be > 0, got %v", retention)
		}
		r.lockRetention = retention
		return nil
	}
}

// WithRenewerLogger sets the logger instance.
func WithRenewerLogger(logger Logger) LockRenewerOption {
	return func(r *LockRenewer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithRenewerNotifications sets an optional notification service.
func WithRenewerNotifications(service NotificationService) LockRenewerOption {
	return func(r *LockRenewer) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		r.notificationService = service
		return nil
	}
}

// RenewalFailures returns the number of failed broker renewals since the
// process started. Exposed for operational dashboards.
func (r *LockRenewer) RenewalFailures() int64 {
	return r.renewalFailures.Load()
}

// ProcessExpiring renews one batch of Active locks that expire within the
// renewal lookahead. Returns how many were renewed and how many expired.
func (r *LockRenewer) ProcessExpiring(ctx context.Context) (renewed, expired int, err error) {
	now := time.Now()
	deadline := now.Add(r.strategy.RenewalLookahead)

	locks, err := r.lockRepo.FindExpiring(ctx, deadline, r.batchSize)
	if err != nil {
		if IsNoData(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to find expiring locks: %w", err)
	}

	for i := range locks {
		lock := &locks[i]

		if lock.IsPastExpiry(now) {
			// Renewal of a lapsed lease always fails at the broker; expire
			// the row directly.
			if err := r.lockRepo.Expire(ctx, lock.LockToken); err != nil {
				r.logger.Errorf("Failed to expire lapsed lock %s: %v", lock.LockToken, err)
				continue
			}
			r.logger.Warnf("Lock lapsed without renewal: message=%s, token=%s, subscription=%s",
				lock.MessageID, lock.LockToken, lock.SubscriptionName)
			expired++
			continue
		}

		newExpiry, renewErr := r.client.RenewLock(ctx, lock.LockToken)
		if renewErr != nil {
			// Broker-authoritative loss: record it locally and move on.
			r.renewalFailures.Add(1)
			if err := r.lockRepo.Expire(ctx, lock.LockToken); err != nil {
				r.logger.Errorf("Failed to expire lost lock %s: %v", lock.LockToken, err)
			}
			if err := r.notificationService.NotifyLockRenewalFailure(ctx, *lock, renewErr); err != nil {
				r.logger.Warnf("Failed to send renewal failure notification: %v", err)
			}
			expired++
			continue
		}

		recorded, err := r.lockRepo.MarkRenewed(ctx, lock.LockToken, newExpiry)
		if err != nil {
			r.logger.Errorf("Failed to record renewal of lock %s: %v", lock.LockToken, err)
			continue
		}
		if !recorded {
			r.logger.Debugf("Renewal of lock %s already recorded elsewhere", lock.LockToken)
			continue
		}
		r.logger.Debugf("Renewed lock %s until %v (message=%s)", lock.LockToken, newExpiry, lock.MessageID)
		renewed++
	}

	return renewed, expired, nil
}

// CleanupTerminal garbage-collects terminal lock rows past retention.
func (r *LockRenewer) CleanupTerminal(ctx context.Context) (int, error) {
	deleted, err := r.lockRepo.DeleteTerminalOlderThan(ctx, time.Now().Add(-r.lockRetention), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up terminal locks: %w", err)
	}
	return deleted, nil
}

// Run starts the renewal loop. It runs until the context is canceled,
// scanning at the specified interval (typically half the broker lock
// duration).
//
// This method blocks and should typically be run in a goroutine.
func (r *LockRenewer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Lock renewer started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Lock renewer stopped")
			return
		case <-ticker.C:
			renewed, expired, err := r.ProcessExpiring(ctx)
			if err != nil {
				r.logger.Errorf("Error processing expiring locks: %v", err)
			}

			cleaned, err := r.CleanupTerminal(ctx)
			if err != nil {
				r.logger.Errorf("Error cleaning up terminal locks: %v", err)
			}

			if renewed > 0 || expired > 0 || cleaned > 0 {
				r.logger.Infof("Renewal pass: renewed=%d, expired=%d, cleaned=%d", renewed, expired, cleaned)
			}
		}
	}
}

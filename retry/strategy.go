// Package retry provides the delivery policy for the relay core: claim lease
// durations, lock renewal windows, dead-letter thresholds, and exponential
// backoff for transient broker and storage errors.
package retry

import (
	"math"
	"time"
)

// Strategy defines the delivery policy shared by the relay workers.
//
// The store-and-forward path claims messages with LeaseDuration; a worker
// that dies mid-delivery loses nothing, the lease simply expires and the
// message becomes re-claimable. The broker path renews locks that expire
// within RenewalLookahead and dead-letters messages after MaxDeliveries
// failed attempts.
type Strategy struct {
	LeaseDuration    time.Duration // Store-and-forward claim lease
	RenewalLookahead time.Duration // Renew locks expiring within this window
	MaxDeliveries    int           // Dead-letter after this many broker deliveries
	BaseDelay        time.Duration // Initial backoff delay for transient errors
	MaxDelay         time.Duration // Backoff delay cap
	ExponentialBase  float64       // Backoff multiplier (e.g., 2.0 for doubling)
}

// DefaultStrategy returns the production-ready default delivery policy:
// 60s claim leases, 30s renewal lookahead, dead-letter after 5 deliveries,
// and 1s→30s exponential backoff for transient errors.
func DefaultStrategy() Strategy {
	return Strategy{
		LeaseDuration:    60 * time.Second,
		RenewalLookahead: 30 * time.Second,
		MaxDeliveries:    5,
		BaseDelay:        1 * time.Second,
		MaxDelay:         30 * time.Second,
		ExponentialBase:  2.0,
	}
}

// CalculateBackoff calculates the wait before retrying a transient failure.
// Formula: delay = min(BaseDelay * ExponentialBase^attemptNumber, MaxDelay).
func (s Strategy) CalculateBackoff(attemptNumber int) time.Duration {
	if attemptNumber <= 0 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber))

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldDeadLetter determines whether a delivery should be dead-lettered.
// Returns true when the broker-reported delivery count reaches the threshold.
func (s Strategy) ShouldDeadLetter(deliveryCount int) bool {
	return deliveryCount >= s.MaxDeliveries
}

package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// LockStatus represents the lifecycle state of a delivery lock.
type LockStatus string

const (
	// LockStatusActive indicates the lock is held by a consuming worker.
	LockStatusActive LockStatus = "active"

	// LockStatusCompleted indicates the delivery was acknowledged at the broker.
	LockStatusCompleted LockStatus = "completed"

	// LockStatusAbandoned indicates the lock was released for redelivery.
	LockStatusAbandoned LockStatus = "abandoned"

	// LockStatusDeadLettered indicates the delivery was dead-lettered at the broker.
	LockStatusDeadLettered LockStatus = "dead_lettered"

	// LockStatusExpired indicates the broker-side lease lapsed before completion.
	LockStatusExpired LockStatus = "expired"
)

// DeliveryLock is the persisted record of a broker-issued exclusive-receive
// lease on one message delivery. The broker hands out a lock token with a
// short expiry on every receive; persisting it here is what lets a different
// worker process discover the lock after a restart and renew or relinquish it
// instead of waiting passively for broker-side expiry.
//
// The broker is authoritative for lock state. Rows here mirror it: renewal
// failures mark the row EXPIRED, they are never retried against the broker.
// Terminal rows are deleted after a retention window.
type DeliveryLock struct {
	ID                   string       `json:"id" db:"id"`
	MessageID            string       `json:"messageID" db:"message_id"`
	LockToken            string       `json:"lockToken" db:"lock_token"`
	TopicName            string       `json:"topicName" db:"topic_name"`
	SubscriptionName     string       `json:"subscriptionName" db:"subscription_name"`
	SubscriberInstanceID string       `json:"subscriberInstanceID" db:"subscriber_instance_id"`
	Status               LockStatus   `json:"status" db:"status"`
	LockAcquiredAt       time.Time    `json:"lockAcquiredAt" db:"lock_acquired_at"`
	LockExpiresAt        time.Time    `json:"lockExpiresAt" db:"lock_expires_at"`
	LastRenewedAt        sql.NullTime `json:"lastRenewedAt" db:"last_renewed_at"`
	RenewalCount         int          `json:"renewalCount" db:"renewal_count"`
	DeliveryCount        int          `json:"deliveryCount" db:"delivery_count"`
}

// TableName returns the database table name for DeliveryLock.
func (l DeliveryLock) TableName() string {
	return tablePrefix + "delivery_locks"
}

// NewDeliveryLock records a freshly received broker lease as active.
func NewDeliveryLock(messageID, lockToken, topicName, subscriptionName, subscriberInstanceID string, expiresAt time.Time, deliveryCount int) DeliveryLock {
	return DeliveryLock{
		ID:                   uuid.NewString(),
		MessageID:            messageID,
		LockToken:            lockToken,
		TopicName:            topicName,
		SubscriptionName:     subscriptionName,
		SubscriberInstanceID: subscriberInstanceID,
		Status:               LockStatusActive,
		LockAcquiredAt:       time.Now(),
		LockExpiresAt:        expiresAt,
		LastRenewedAt:        sql.NullTime{},
		RenewalCount:         0,
		DeliveryCount:        deliveryCount,
	}
}

// IsTerminal reports whether the lock reached a terminal status.
func (l DeliveryLock) IsTerminal() bool {
	return l.Status != LockStatusActive
}

// NeedsRenewal reports whether an active lock expires within the lookahead
// window and should be renewed at the broker.
func (l DeliveryLock) NeedsRenewal(now time.Time, lookahead time.Duration) bool {
	if l.Status != LockStatusActive {
		return false
	}
	return !l.LockExpiresAt.After(now.Add(lookahead))
}

// IsPastExpiry reports whether the lock already lapsed. Renewing a lapsed
// lock always fails at the broker, so callers expire it locally instead.
func (l DeliveryLock) IsPastExpiry(now time.Time) bool {
	return !l.LockExpiresAt.After(now)
}

// Renew extends the lease monotonically. Only active locks can be renewed,
// and the new expiry must be strictly later than the current one.
func (l *DeliveryLock) Renew(until time.Time) error {
	if l.Status != LockStatusActive {
		return ErrLockNotActive
	}
	if !until.After(l.LockExpiresAt) {
		return ErrLockRenewalNotMonotonic
	}
	l.LockExpiresAt = until
	l.LastRenewedAt = sql.NullTime{Time: time.Now(), Valid: true}
	l.RenewalCount++
	return nil
}

// Complete marks the delivery as acknowledged. Terminal states stick.
func (l *DeliveryLock) Complete() {
	if l.IsTerminal() {
		return
	}
	l.Status = LockStatusCompleted
}

// Abandon marks the lock as released for redelivery.
func (l *DeliveryLock) Abandon() {
	if l.IsTerminal() {
		return
	}
	l.Status = LockStatusAbandoned
}

// DeadLetter marks the delivery as dead-lettered at the broker.
func (l *DeliveryLock) DeadLetter() {
	if l.IsTerminal() {
		return
	}
	l.Status = LockStatusDeadLettered
}

// Expire marks a lapsed lease. Expired locks are never resurrected.
func (l *DeliveryLock) Expire() {
	if l.IsTerminal() {
		return
	}
	l.Status = LockStatusExpired
}

// Domain errors returned by DeliveryLock business logic methods.
var (
	// ErrLockNotActive indicates a state transition was attempted on a terminal lock.
	ErrLockNotActive = DomainError{Code: "LOCK_NOT_ACTIVE", Message: "Delivery lock is not active"}

	// ErrLockRenewalNotMonotonic indicates a renewal would move the expiry backwards.
	ErrLockRenewalNotMonotonic = DomainError{Code: "RENEWAL_NOT_MONOTONIC", Message: "Lock renewal must extend the expiry"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}

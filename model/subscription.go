package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription row.
type SubscriptionStatus string

const (
	// SubscriptionStatusPending indicates delivery has not been attempted yet.
	SubscriptionStatusPending SubscriptionStatus = "pending"

	// SubscriptionStatusInProgress indicates a worker is delivering right now.
	SubscriptionStatusInProgress SubscriptionStatus = "in_progress"

	// SubscriptionStatusProcessed indicates the destination confirmed the write.
	SubscriptionStatusProcessed SubscriptionStatus = "processed"

	// SubscriptionStatusError indicates the last attempt failed; retryable, not terminal.
	SubscriptionStatusError SubscriptionStatus = "error"
)

// Subscription is the delivery obligation of one destination adapter instance
// toward one message. One row exists per (message, destination instance) pair,
// snapshotted from the registrations that were active when the message was
// admitted; destinations registered later never receive already-emitted
// messages.
//
// Lifecycle: PENDING → IN_PROGRESS → PROCESSED or ERROR. ERROR is retryable.
// The owning message may be deleted only when every one of its subscription
// rows is PROCESSED.
type Subscription struct {
	ID                   string             `json:"id"`
	MessageID            string             `json:"messageID" db:"message_id"`
	SubscriberName       string             `json:"subscriberName" db:"subscriber_name"`
	SubscriberInstanceID string             `json:"subscriberInstanceID" db:"subscriber_instance_id"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	ProcessingDetails    sql.NullString     `json:"processingDetails" db:"processing_details"`
	ErrorMessage         sql.NullString     `json:"errorMessage" db:"error_message"`
	CreatedAt            time.Time          `json:"createdAt" db:"created_at"`
	ProcessedAt          sql.NullTime       `json:"processedAt" db:"processed_at"`
}

// TableName returns the database table name for Subscription.
func (s Subscription) TableName() string {
	return tablePrefix + "subscriptions"
}

// NewSubscription creates a pending subscription row for one destination instance.
func NewSubscription(messageID, subscriberName, subscriberInstanceID string) Subscription {
	return Subscription{
		ID:                   uuid.NewString(),
		MessageID:            messageID,
		SubscriberName:       subscriberName,
		SubscriberInstanceID: subscriberInstanceID,
		Status:               SubscriptionStatusPending,
		ProcessingDetails:    sql.NullString{},
		ErrorMessage:         sql.NullString{},
		CreatedAt:            time.Now(),
		ProcessedAt:          sql.NullTime{},
	}
}

// IsProcessed reports whether the destination confirmed this delivery.
func (s Subscription) IsProcessed() bool {
	return s.Status == SubscriptionStatusProcessed
}

// MarkInProgress records that a worker started delivering.
// A no-op once the row is already processed.
func (s *Subscription) MarkInProgress() {
	if s.Status == SubscriptionStatusProcessed {
		return
	}
	s.Status = SubscriptionStatusInProgress
}

// MarkProcessed records a confirmed delivery. Idempotent: calling it again
// leaves the first outcome untouched.
func (s *Subscription) MarkProcessed(details string) {
	if s.Status == SubscriptionStatusProcessed {
		return
	}
	s.Status = SubscriptionStatusProcessed
	s.ProcessedAt = sql.NullTime{Time: time.Now(), Valid: true}
	if details != "" {
		s.ProcessingDetails = sql.NullString{String: details, Valid: true}
	}
	s.ErrorMessage = sql.NullString{}
}

// MarkError records a failed delivery attempt with its error message.
// Processed rows are never demoted back to error.
func (s *Subscription) MarkError(errMsg string) {
	if s.Status == SubscriptionStatusProcessed {
		return
	}
	s.Status = SubscriptionStatusError
	s.ErrorMessage = sql.NullString{String: errMsg, Valid: true}
}

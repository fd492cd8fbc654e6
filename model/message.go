package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// MessageStatus represents the lifecycle state of a message.
type MessageStatus string

const (
	// MessageStatusPending indicates the message is awaiting delivery to its subscribers.
	MessageStatusPending MessageStatus = "pending"

	// MessageStatusInProgress indicates a worker holds the delivery lease (store-and-forward path).
	MessageStatusInProgress MessageStatus = "in_progress"

	// MessageStatusProcessed indicates every subscription completed successfully.
	MessageStatusProcessed MessageStatus = "processed"

	// MessageStatusError indicates at least one delivery attempt failed; the message stays retryable.
	MessageStatusError MessageStatus = "error"

	// MessageStatusDeadLetter indicates a broker-declared terminal failure.
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// Message is one debatched unit of work: a single record read from a source
// adapter, routed to every destination registered for its interface.
//
// Messages follow this lifecycle:
//  1. Created PENDING by the admitter (duplicate submissions return the existing row)
//  2. Claimed IN_PROGRESS with a lease by a polling worker, or pushed via the broker
//  3. PROCESSED once every subscription row is processed, then deleted
//  4. ERROR / DEAD_LETTER on delivery failure; ERROR stays retryable
//
// A message may be deleted only when all of its Subscription rows are
// processed. The content hash is unique per (interface, producer instance)
// inside the dedup retention window.
type Message struct {
	ID                 string        `json:"id"`
	InterfaceName      string        `json:"interfaceName" db:"interface_name"`
	ProducerName       string        `json:"producerName" db:"producer_name"`
	ProducerInstanceID string        `json:"producerInstanceID" db:"producer_instance_id"`
	Payload            string        `json:"payload" db:"payload"`
	ContentHash        string        `json:"contentHash" db:"content_hash"`
	Status             MessageStatus `json:"status" db:"status"`
	InProgressUntil    sql.NullTime  `json:"inProgressUntil" db:"in_progress_until"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
	ProcessedAt        sql.NullTime  `json:"processedAt" db:"processed_at"`
}

// TableName returns the database table name for Message.
func (m Message) TableName() string {
	return tablePrefix + "messages"
}

// NewMessage builds a pending message for one debatched record.
// The payload is stored in canonical form and the content hash is derived
// from it, so construction is the only place hashing happens.
func NewMessage(interfaceName, producerName, producerInstanceID string, payload Payload) (Message, error) {
	raw, err := payload.Canonical()
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:                 uuid.NewString(),
		InterfaceName:      interfaceName,
		ProducerName:       producerName,
		ProducerInstanceID: producerInstanceID,
		Payload:            raw,
		ContentHash:        ContentHash(interfaceName, producerInstanceID, raw),
		Status:             MessageStatusPending,
		InProgressUntil:    sql.NullTime{},
		CreatedAt:          time.Now(),
		ProcessedAt:        sql.NullTime{},
	}, nil
}

// DecodedPayload parses the stored canonical payload.
func (m Message) DecodedPayload() (Payload, error) {
	return DecodePayload(m.Payload)
}

// IsTerminal reports whether the message reached a terminal status.
func (m Message) IsTerminal() bool {
	return m.Status == MessageStatusProcessed || m.Status == MessageStatusDeadLetter
}

// LeaseExpired reports whether an in-progress lease has lapsed without completion.
func (m Message) LeaseExpired(now time.Time) bool {
	if m.Status != MessageStatusInProgress {
		return false
	}
	if !m.InProgressUntil.Valid {
		return true
	}
	return !now.Before(m.InProgressUntil.Time)
}

// CanClaim reports whether a worker may take the delivery lease right now.
// Claimable states: PENDING, ERROR (retry), or IN_PROGRESS with an expired
// lease (recovery after a worker died mid-delivery).
func (m Message) CanClaim(now time.Time) bool {
	switch m.Status {
	case MessageStatusPending, MessageStatusError:
		return true
	case MessageStatusInProgress:
		return m.LeaseExpired(now)
	default:
		return false
	}
}

// MarkInProgress records a claimed lease on the in-memory model.
// The authoritative claim is the conditional UPDATE in the repository;
// this keeps a loaded model consistent with it.
func (m *Message) MarkInProgress(lease time.Duration) {
	m.Status = MessageStatusInProgress
	m.InProgressUntil = sql.NullTime{Time: time.Now().Add(lease), Valid: true}
}

// MarkProcessed flags the message as fully delivered.
func (m *Message) MarkProcessed() {
	m.Status = MessageStatusProcessed
	m.ProcessedAt = sql.NullTime{Time: time.Now(), Valid: true}
}

// MarkError flags a failed delivery attempt. The message stays retryable.
func (m *Message) MarkError() {
	m.Status = MessageStatusError
	m.InProgressUntil = sql.NullTime{}
}

// MarkDeadLetter flags a broker-declared terminal failure.
func (m *Message) MarkDeadLetter() {
	m.Status = MessageStatusDeadLetter
	m.ProcessedAt = sql.NullTime{Time: time.Now(), Valid: true}
}

// GetAge returns how long the message has existed since creation.
func (m Message) GetAge() time.Duration {
	return time.Since(m.CreatedAt)
}

package model

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(t *testing.T) Message {
	t.Helper()
	msg, err := NewMessage("orders", "file-reader", "instance-1", NewPayload([]string{"id"}, Record{"id": "42"}))
	require.NoError(t, err)
	return msg
}

func TestMessage_TableName(t *testing.T) {
	assert.Equal(t, "relay_messages", Message{}.TableName())
}

func TestNewMessage(t *testing.T) {
	beforeCreate := time.Now()
	msg := newTestMessage(t)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "orders", msg.InterfaceName)
	assert.Equal(t, "file-reader", msg.ProducerName)
	assert.Equal(t, "instance-1", msg.ProducerInstanceID)
	assert.Equal(t, MessageStatusPending, msg.Status)
	assert.Len(t, msg.ContentHash, 64)
	assert.False(t, msg.InProgressUntil.Valid)
	assert.False(t, msg.ProcessedAt.Valid)
	assert.WithinDuration(t, beforeCreate, msg.CreatedAt, time.Second)

	payload, err := msg.DecodedPayload()
	require.NoError(t, err)
	assert.Equal(t, Record{"id": "42"}, payload.Record)
}

func TestNewMessage_SamePayloadSameHash(t *testing.T) {
	a := newTestMessage(t)
	b := newTestMessage(t)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestMessage_CanClaim(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		status   MessageStatus
		until    sql.NullTime
		expected bool
	}{
		{"pending is claimable", MessageStatusPending, sql.NullTime{}, true},
		{"error is claimable (retry)", MessageStatusError, sql.NullTime{}, true},
		{"in progress with live lease is not claimable", MessageStatusInProgress, sql.NullTime{Time: now.Add(time.Minute), Valid: true}, false},
		{"in progress with expired lease is claimable", MessageStatusInProgress, sql.NullTime{Time: now.Add(-time.Minute), Valid: true}, true},
		{"in progress without lease is claimable", MessageStatusInProgress, sql.NullTime{}, true},
		{"processed is not claimable", MessageStatusProcessed, sql.NullTime{}, false},
		{"dead letter is not claimable", MessageStatusDeadLetter, sql.NullTime{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := newTestMessage(t)
			msg.Status = tt.status
			msg.InProgressUntil = tt.until
			assert.Equal(t, tt.expected, msg.CanClaim(now))
		})
	}
}

func TestMessage_LeaseExpired(t *testing.T) {
	now := time.Now()

	msg := newTestMessage(t)
	assert.False(t, msg.LeaseExpired(now), "pending message has no lease")

	msg.MarkInProgress(time.Minute)
	assert.False(t, msg.LeaseExpired(now))

	msg.InProgressUntil = sql.NullTime{Time: now.Add(-time.Second), Valid: true}
	assert.True(t, msg.LeaseExpired(now))
}

func TestMessage_MarkInProgress(t *testing.T) {
	msg := newTestMessage(t)

	msg.MarkInProgress(30 * time.Second)

	assert.Equal(t, MessageStatusInProgress, msg.Status)
	assert.True(t, msg.InProgressUntil.Valid)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), msg.InProgressUntil.Time, time.Second)
}

func TestMessage_MarkProcessed(t *testing.T) {
	msg := newTestMessage(t)

	msg.MarkProcessed()

	assert.Equal(t, MessageStatusProcessed, msg.Status)
	assert.True(t, msg.ProcessedAt.Valid)
	assert.True(t, msg.IsTerminal())
}

func TestMessage_MarkError(t *testing.T) {
	msg := newTestMessage(t)
	msg.MarkInProgress(time.Minute)

	msg.MarkError()

	assert.Equal(t, MessageStatusError, msg.Status)
	assert.False(t, msg.InProgressUntil.Valid)
	assert.False(t, msg.IsTerminal())
}

func TestMessage_MarkDeadLetter(t *testing.T) {
	msg := newTestMessage(t)

	msg.MarkDeadLetter()

	assert.Equal(t, MessageStatusDeadLetter, msg.Status)
	assert.True(t, msg.IsTerminal())
	assert.False(t, msg.CanClaim(time.Now()))
}

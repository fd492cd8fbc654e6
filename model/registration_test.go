package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistration_TableName(t *testing.T) {
	assert.Equal(t, "relay_registrations", Registration{}.TableName())
}

func TestNewRegistration(t *testing.T) {
	reg := NewRegistration("orders", "sql-writer", "instance-a")

	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "orders", reg.InterfaceName)
	assert.Equal(t, "sql-writer", reg.AdapterName)
	assert.Equal(t, "instance-a", reg.InstanceID)
	assert.True(t, reg.IsActive)
	assert.False(t, reg.DeletedAt.Valid)
	assert.WithinDuration(t, time.Now(), reg.CreatedAt, time.Second)
}

func TestRegistration_SubscriptionName(t *testing.T) {
	reg := NewRegistration("orders", "sql-writer", "instance-a")
	assert.Equal(t, "sql-writer-instance-a", reg.SubscriptionName())
}

func TestRegistration_Deactivate(t *testing.T) {
	reg := NewRegistration("orders", "sql-writer", "instance-a")

	reg.Deactivate()

	assert.False(t, reg.IsActive)
	assert.True(t, reg.DeletedAt.Valid)
	assert.WithinDuration(t, time.Now(), reg.DeletedAt.Time, time.Second)
}

func TestRegistration_Reactivate(t *testing.T) {
	reg := NewRegistration("orders", "sql-writer", "instance-a")
	reg.Deactivate()

	reg.Reactivate()

	assert.True(t, reg.IsActive)
	assert.False(t, reg.DeletedAt.Valid)
}

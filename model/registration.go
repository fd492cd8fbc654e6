package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Registration declares that one destination adapter instance consumes
// messages of one interface. Active registrations are the fan-out snapshot
// source: at admission time, one Subscription row is created per active
// registration for the message's interface.
//
// Deactivation is a soft delete. Deactivated registrations stop receiving
// new messages but keep their already-created subscription rows; they can be
// reactivated later.
type Registration struct {
	ID            string       `json:"id"`
	InterfaceName string       `json:"interfaceName" db:"interface_name"`
	AdapterName   string       `json:"adapterName" db:"adapter_name"`
	InstanceID    string       `json:"instanceID" db:"instance_id"`
	IsActive      bool         `json:"isActive" db:"is_active"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
	DeletedAt     sql.NullTime `json:"deletedAt" db:"deleted_at"`
}

// TableName returns the database table name for Registration.
func (r Registration) TableName() string {
	return tablePrefix + "registrations"
}

// NewRegistration creates an active registration of a destination instance.
func NewRegistration(interfaceName, adapterName, instanceID string) Registration {
	return Registration{
		ID:            uuid.NewString(),
		InterfaceName: interfaceName,
		AdapterName:   adapterName,
		InstanceID:    instanceID,
		IsActive:      true,
		CreatedAt:     time.Now(),
		DeletedAt:     sql.NullTime{},
	}
}

// SubscriptionName returns the broker subscription name for this
// registration: one subscription per destination instance per topic.
func (r Registration) SubscriptionName() string {
	return r.AdapterName + "-" + r.InstanceID
}

// Deactivate performs a soft delete. The registration stops receiving new
// messages but is retained for audit purposes.
func (r *Registration) Deactivate() {
	r.IsActive = false
	r.DeletedAt = sql.NullTime{Time: time.Now(), Valid: true}
}

// Reactivate re-enables a previously deactivated registration.
func (r *Registration) Reactivate() {
	r.IsActive = true
	r.DeletedAt = sql.NullTime{}
}

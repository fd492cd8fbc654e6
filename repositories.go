package relay

import (
	"context"
	"time"

	"github.com/coregx/relay/model"
)

// MessageRepository defines the persistence interface for messages.
// It is the ground truth for "has this message been delivered to everyone."
//
// Implementations must be safe for concurrent use across worker processes:
// Claim and Complete must be expressed as single conditional updates, not
// read-then-write sequences.
type MessageRepository interface {
	// Create persists a new pending message. The insert is atomic with the
	// duplicate check: when a message with the same content hash already
	// exists inside the dedup retention window, Create returns a
	// *DuplicateError carrying the existing message id and writes nothing.
	Create(ctx context.Context, m model.Message) error

	// FindByID retrieves a message by id.
	// Returns ErrNoData if not found.
	FindByID(ctx context.Context, id string) (model.Message, error)

	// Claim atomically takes the delivery lease on a message: status becomes
	// IN_PROGRESS with in_progress_until = now + lease, but only if the
	// message is currently claimable (PENDING, ERROR, or IN_PROGRESS with an
	// expired lease). Returns false when another worker holds a live lease
	// or the message is terminal.
	Claim(ctx context.Context, id string, lease time.Duration) (bool, error)

	// Complete atomically flips the message to PROCESSED unless it is
	// already terminal. Safe to call multiple times.
	Complete(ctx context.Context, id string) error

	// DeadLetter atomically flips the message to DEAD_LETTER unless it is
	// already terminal. Called when the broker declares a delivery
	// permanently failed, so the row becomes eligible for retention
	// cleanup instead of blocking re-admission forever.
	DeadLetter(ctx context.Context, id string) error

	// ListPending retrieves messages eligible for claiming on an interface:
	// PENDING, ERROR, and IN_PROGRESS rows whose lease has expired.
	// Results are ordered by created_at ASC (FIFO). Returns ErrNoData when
	// nothing is eligible.
	ListPending(ctx context.Context, interfaceName string, limit int) ([]model.Message, error)

	// Delete permanently removes a message. Callers must first confirm via
	// SubscriptionRepository.AllProcessed that every subscriber is done.
	Delete(ctx context.Context, id string) error

	// CountPending returns the number of claimable messages on an interface.
	// Used by operational dashboards.
	CountPending(ctx context.Context, interfaceName string) (int, error)

	// DeleteOlderThan removes terminal messages created before the cutoff.
	// This is the dedup-window garbage collection: it bounds how long
	// content hashes stay resident. Returns the number of deleted rows.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// SubscriptionRepository defines the persistence interface for per-subscriber
// delivery tracking. One row exists per (message, destination instance) pair.
//
// MarkProcessed and MarkError are conditional updates, idempotent under
// retry: repeating a call with the same outcome is a no-op.
type SubscriptionRepository interface {
	// CreateBatch persists the fan-out snapshot for a freshly admitted
	// message, one row per destination instance.
	CreateBatch(ctx context.Context, subs []model.Subscription) error

	// ListByMessage retrieves all subscription rows of a message.
	// Returns ErrNoData if none exist.
	ListByMessage(ctx context.Context, messageID string) ([]model.Subscription, error)

	// MarkInProgress flips a pending or errored row to IN_PROGRESS.
	// A processed row is left untouched.
	MarkInProgress(ctx context.Context, messageID, subscriberName, instanceID string) error

	// MarkProcessed records a confirmed delivery with optional details.
	// Idempotent: a second call leaves the first outcome unchanged.
	MarkProcessed(ctx context.Context, messageID, subscriberName, instanceID, details string) error

	// MarkError records a failed delivery attempt with its error message.
	// Never demotes an already processed row.
	MarkError(ctx context.Context, messageID, subscriberName, instanceID, errMsg string) error

	// AllProcessed reports whether every subscription row of the message is
	// PROCESSED. This is the deletion gate for the message itself.
	AllProcessed(ctx context.Context, messageID string) (bool, error)

	// DeleteByMessage removes all subscription rows of a message, called
	// alongside message deletion.
	DeleteByMessage(ctx context.Context, messageID string) error
}

// DeliveryLockRepository defines the persistence interface for broker
// delivery locks. Rows survive process restarts so any worker can discover
// and renew or relinquish locks acquired by a crashed sibling.
//
// State transitions are conditional updates keyed on the Active status, so
// redundant renewal loops across processes stay safe.
type DeliveryLockRepository interface {
	// Create persists a freshly received lock in Active status.
	Create(ctx context.Context, lock model.DeliveryLock) error

	// FindByToken retrieves a lock by its token.
	// Returns ErrNoData if not found.
	FindByToken(ctx context.Context, token string) (model.DeliveryLock, error)

	// FindExpiring retrieves Active locks with lock_expires_at <= deadline,
	// ordered by expiry ASC. Returns ErrNoData when none qualify.
	FindExpiring(ctx context.Context, deadline time.Time, limit int) ([]model.DeliveryLock, error)

	// MarkRenewed extends the expiry of an Active lock and increments its
	// renewal count by exactly one, as a single conditional update. Returns
	// false without error when nothing was updated: the lock went terminal,
	// or a concurrent renewer recorded its renewal first.
	MarkRenewed(ctx context.Context, token string, expiresAt time.Time) (bool, error)

	// Complete flips an Active lock to Completed.
	Complete(ctx context.Context, token string) error

	// Abandon flips an Active lock to Abandoned.
	Abandon(ctx context.Context, token string) error

	// DeadLetter flips an Active lock to DeadLettered.
	DeadLetter(ctx context.Context, token string) error

	// Expire flips an Active lock to Expired. Expired locks are never
	// resurrected; the broker is authoritative for lock loss.
	Expire(ctx context.Context, token string) error

	// DeleteTerminalOlderThan removes terminal locks acquired before the
	// cutoff. Returns the number of deleted rows.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// RegistrationRepository defines the persistence interface for destination
// registrations, the configuration that drives fan-out snapshots.
type RegistrationRepository interface {
	// Load retrieves a registration by id.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, id string) (model.Registration, error)

	// Save creates a new registration or updates an existing one.
	Save(ctx context.Context, m model.Registration) (model.Registration, error)

	// FindActiveByInterface retrieves the active registrations of one
	// interface, the fan-out snapshot source. Returns ErrNoData when the
	// interface has no active destinations.
	FindActiveByInterface(ctx context.Context, interfaceName string) ([]model.Registration, error)

	// FindByInstance retrieves the registration of one destination instance
	// on an interface regardless of active state.
	// Returns ErrNoData if not found.
	FindByInstance(ctx context.Context, interfaceName, adapterName, instanceID string) (model.Registration, error)

	// FindAllActive retrieves every active registration across interfaces.
	// Used by the background loops to enumerate (topic, subscription) pairs.
	FindAllActive(ctx context.Context) ([]model.Registration, error)
}

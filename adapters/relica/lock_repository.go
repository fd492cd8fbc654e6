package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
	"github.com/coregx/relica"
)

// DeliveryLockRepository implements relay.DeliveryLockRepository using Relica.
//
// Every state transition is a conditional update keyed on the Active status.
// Renewal loops in multiple processes can therefore race on the same token
// without corrupting terminal states.
type DeliveryLockRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewDeliveryLockRepository creates a new DeliveryLockRepository with default table prefix.
func NewDeliveryLockRepository(sqlDB *sql.DB, driverName string) *DeliveryLockRepository {
	return &DeliveryLockRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "relay_",
	}
}

// NewDeliveryLockRepositoryWithPrefix creates a new DeliveryLockRepository with custom table prefix.
func NewDeliveryLockRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *DeliveryLockRepository {
	return &DeliveryLockRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *DeliveryLockRepository) tableName() string {
	return r.tablePrefix + "delivery_locks"
}

// Create persists a freshly received lock in Active status.
func (r *DeliveryLockRepository) Create(ctx context.Context, lock model.DeliveryLock) error {
	err := r.db.WithContext(ctx).Model(&lock).Table(r.tableName()).Insert()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to insert delivery lock", err)
	}

	return nil
}

// FindByToken retrieves a lock by its token.
func (r *DeliveryLockRepository) FindByToken(ctx context.Context, token string) (model.DeliveryLock, error) {
	var lock model.DeliveryLock

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("lock_token = ?", token).
		WithContext(ctx).
		One(&lock)

	if errors.Is(err, sql.ErrNoRows) {
		return lock, relay.ErrNoData
	}
	if err != nil {
		return lock, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find delivery lock", err)
	}

	return lock, nil
}

// FindExpiring retrieves Active locks approaching the deadline, closest first.
func (r *DeliveryLockRepository) FindExpiring(ctx context.Context, deadline time.Time, limit int) ([]model.DeliveryLock, error) {
	var locks []model.DeliveryLock

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND lock_expires_at <= ?", model.LockStatusActive, deadline).
		OrderBy("lock_expires_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&locks)

	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find expiring locks", err)
	}

	if len(locks) == 0 {
		return nil, relay.ErrNoData
	}

	return locks, nil
}

// MarkRenewed extends the expiry of an Active lock. The renewal count in the
// WHERE clause makes the increment a compare-and-swap: a concurrent renewer
// that already bumped the count makes this update affect zero rows instead
// of overwriting its increment. Renewing a lock that reached a terminal
// state in the meantime also affects zero rows.
func (r *DeliveryLockRepository) MarkRenewed(ctx context.Context, token string, expiresAt time.Time) (bool, error) {
	lock, err := r.FindByToken(ctx, token)
	if err != nil {
		return false, err
	}

	res, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"lock_expires_at": expiresAt,
			"last_renewed_at": time.Now(),
			"renewal_count":   lock.RenewalCount + 1,
		}).
		Where("lock_token = ? AND status = ? AND renewal_count = ?",
			token, model.LockStatusActive, lock.RenewalCount).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to renew delivery lock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to read renewal result", err)
	}

	return affected > 0, nil
}

// Complete flips an Active lock to Completed.
func (r *DeliveryLockRepository) Complete(ctx context.Context, token string) error {
	return r.transition(ctx, token, model.LockStatusCompleted)
}

// Abandon flips an Active lock to Abandoned.
func (r *DeliveryLockRepository) Abandon(ctx context.Context, token string) error {
	return r.transition(ctx, token, model.LockStatusAbandoned)
}

// DeadLetter flips an Active lock to DeadLettered.
func (r *DeliveryLockRepository) DeadLetter(ctx context.Context, token string) error {
	return r.transition(ctx, token, model.LockStatusDeadLettered)
}

// Expire flips an Active lock to Expired.
func (r *DeliveryLockRepository) Expire(ctx context.Context, token string) error {
	return r.transition(ctx, token, model.LockStatusExpired)
}

func (r *DeliveryLockRepository) transition(ctx context.Context, token string, to model.LockStatus) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status": to,
		}).
		Where("lock_token = ? AND status = ?", token, model.LockStatusActive).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to update delivery lock status", err)
	}

	return nil
}

// DeleteTerminalOlderThan removes terminal locks acquired before the cutoff.
func (r *DeliveryLockRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var victims []model.DeliveryLock

	err := r.db.WithContext(ctx).Select("id").
		From(r.tableName()).
		Where("status != ? AND lock_acquired_at < ?", model.LockStatusActive, cutoff).
		OrderBy("lock_acquired_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&victims)
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find outdated locks", err)
	}

	deleted := 0
	for i := range victims {
		err := r.db.WithContext(ctx).Model(&victims[i]).Table(r.tableName()).Delete()
		if err != nil {
			return deleted, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to delete outdated lock", err)
		}
		deleted++
	}

	return deleted, nil
}

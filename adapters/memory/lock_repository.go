package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

// DeliveryLockRepository implements relay.DeliveryLockRepository in memory.
// Safe for concurrent use.
type DeliveryLockRepository struct {
	mu    sync.Mutex
	locks map[string]model.DeliveryLock // keyed by lock token
}

// NewDeliveryLockRepository creates an empty in-memory lock repository.
func NewDeliveryLockRepository() *DeliveryLockRepository {
	return &DeliveryLockRepository{
		locks: make(map[string]model.DeliveryLock),
	}
}

// Create persists a freshly received lock in Active status.
func (r *DeliveryLockRepository) Create(_ context.Context, lock model.DeliveryLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.locks[lock.LockToken] = lock
	return nil
}

// FindByToken retrieves a lock by its token.
func (r *DeliveryLockRepository) FindByToken(_ context.Context, token string) (model.DeliveryLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[token]
	if !ok {
		return model.DeliveryLock{}, relay.ErrNoData
	}
	return lock, nil
}

// FindExpiring retrieves Active locks with expiry at or before the deadline.
func (r *DeliveryLockRepository) FindExpiring(_ context.Context, deadline time.Time, limit int) ([]model.DeliveryLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expiring []model.DeliveryLock
	for _, lock := range r.locks {
		if lock.Status == model.LockStatusActive && !lock.LockExpiresAt.After(deadline) {
			expiring = append(expiring, lock)
		}
	}

	if len(expiring) == 0 {
		return nil, relay.ErrNoData
	}

	sort.Slice(expiring, func(i, j int) bool {
		return expiring[i].LockExpiresAt.Before(expiring[j].LockExpiresAt)
	})

	if limit > 0 && len(expiring) > limit {
		expiring = expiring[:limit]
	}

	return expiring, nil
}

// MarkRenewed extends the expiry of an Active lock. No-op on terminal locks.
func (r *DeliveryLockRepository) MarkRenewed(_ context.Context, token string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[token]
	if !ok || lock.Status != model.LockStatusActive {
		return false, nil
	}

	if err := lock.Renew(expiresAt); err != nil {
		return false, nil
	}
	r.locks[token] = lock
	return true, nil
}

// Complete flips an Active lock to Completed.
func (r *DeliveryLockRepository) Complete(_ context.Context, token string) error {
	return r.transition(token, func(l *model.DeliveryLock) { l.Complete() })
}

// Abandon flips an Active lock to Abandoned.
func (r *DeliveryLockRepository) Abandon(_ context.Context, token string) error {
	return r.transition(token, func(l *model.DeliveryLock) { l.Abandon() })
}

// DeadLetter flips an Active lock to DeadLettered.
func (r *DeliveryLockRepository) DeadLetter(_ context.Context, token string) error {
	return r.transition(token, func(l *model.DeliveryLock) { l.DeadLetter() })
}

// Expire flips an Active lock to Expired.
func (r *DeliveryLockRepository) Expire(_ context.Context, token string) error {
	return r.transition(token, func(l *model.DeliveryLock) { l.Expire() })
}

func (r *DeliveryLockRepository) transition(token string, apply func(*model.DeliveryLock)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[token]
	if !ok {
		return nil
	}

	apply(&lock)
	r.locks[token] = lock
	return nil
}

// DeleteTerminalOlderThan removes terminal locks acquired before the cutoff.
func (r *DeliveryLockRepository) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for token, lock := range r.locks {
		if limit > 0 && deleted >= limit {
			break
		}
		if lock.IsTerminal() && lock.LockAcquiredAt.Before(cutoff) {
			delete(r.locks, token)
			deleted++
		}
	}
	return deleted, nil
}

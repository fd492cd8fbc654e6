package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

// SubscriptionRepository implements relay.SubscriptionRepository in memory.
// Safe for concurrent use.
type SubscriptionRepository struct {
	mu   sync.Mutex
	subs map[string][]model.Subscription // keyed by message id
}

// NewSubscriptionRepository creates an empty in-memory subscription repository.
func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{
		subs: make(map[string][]model.Subscription),
	}
}

// CreateBatch persists the fan-out snapshot for a freshly admitted message.
func (r *SubscriptionRepository) CreateBatch(_ context.Context, subs []model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range subs {
		r.subs[s.MessageID] = append(r.subs[s.MessageID], s)
	}
	return nil
}

// ListByMessage retrieves all subscription rows of a message.
func (r *SubscriptionRepository) ListByMessage(_ context.Context, messageID string) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.subs[messageID]
	if !ok || len(rows) == 0 {
		return nil, relay.ErrNoData
	}

	out := make([]model.Subscription, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *SubscriptionRepository) update(messageID, subscriberName, instanceID string, apply func(*model.Subscription)) {
	rows := r.subs[messageID]
	for i := range rows {
		if rows[i].SubscriberName == subscriberName && rows[i].SubscriberInstanceID == instanceID {
			apply(&rows[i])
			return
		}
	}
}

// MarkInProgress flips a pending or errored row to IN_PROGRESS.
func (r *SubscriptionRepository) MarkInProgress(_ context.Context, messageID, subscriberName, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.update(messageID, subscriberName, instanceID, func(s *model.Subscription) {
		s.MarkInProgress()
	})
	return nil
}

// MarkProcessed records a confirmed delivery. Idempotent.
func (r *SubscriptionRepository) MarkProcessed(_ context.Context, messageID, subscriberName, instanceID, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.update(messageID, subscriberName, instanceID, func(s *model.Subscription) {
		s.MarkProcessed(details)
	})
	return nil
}

// MarkError records a failed delivery attempt. Never demotes a processed row.
func (r *SubscriptionRepository) MarkError(_ context.Context, messageID, subscriberName, instanceID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.update(messageID, subscriberName, instanceID, func(s *model.Subscription) {
		s.MarkError(errMsg)
	})
	return nil
}

// AllProcessed reports whether every subscription row of the message is
// PROCESSED. A message with no rows reports false.
func (r *SubscriptionRepository) AllProcessed(_ context.Context, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.subs[messageID]
	if len(rows) == 0 {
		return false, nil
	}

	for _, s := range rows {
		if !s.IsProcessed() {
			return false, nil
		}
	}
	return true, nil
}

// DeleteByMessage removes all subscription rows of a message.
func (r *SubscriptionRepository) DeleteByMessage(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, messageID)
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

// MessageRepository implements relay.MessageRepository in memory.
// Safe for concurrent use.
type MessageRepository struct {
	mu       sync.Mutex
	messages map[string]model.Message // keyed by id
	byHash   map[string]string        // content hash -> id
}

// NewMessageRepository creates an empty in-memory message repository.
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make(map[string]model.Message),
		byHash:   make(map[string]string),
	}
}

// Create persists a new pending message. Duplicate content inside the
// retention window returns a DuplicateError with the existing id.
func (r *MessageRepository) Create(_ context.Context, m model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byHash[m.ContentHash]; ok {
		return &relay.DuplicateError{ExistingID: existingID}
	}

	r.messages[m.ID] = m
	r.byHash[m.ContentHash] = m.ID
	return nil
}

// FindByID retrieves a message by id.
func (r *MessageRepository) FindByID(_ context.Context, id string) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return model.Message{}, relay.ErrNoData
	}
	return m, nil
}

// Claim atomically takes the delivery lease on a claimable message.
func (r *MessageRepository) Claim(_ context.Context, id string, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return false, nil
	}

	if !m.CanClaim(time.Now()) {
		return false, nil
	}

	m.MarkInProgress(lease)
	r.messages[id] = m
	return true, nil
}

// Complete flips the message to PROCESSED unless already terminal.
func (r *MessageRepository) Complete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil
	}
	if m.IsTerminal() {
		return nil
	}

	m.MarkProcessed()
	r.messages[id] = m
	return nil
}

// DeadLetter flips the message to DEAD_LETTER unless already terminal.
func (r *MessageRepository) DeadLetter(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil
	}
	if m.IsTerminal() {
		return nil
	}

	m.MarkDeadLetter()
	r.messages[id] = m
	return nil
}

// ListPending retrieves claimable messages on an interface in FIFO order.
func (r *MessageRepository) ListPending(_ context.Context, interfaceName string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	var pending []model.Message
	for _, m := range r.messages {
		if m.InterfaceName == interfaceName && m.CanClaim(now) {
			pending = append(pending, m)
		}
	}

	if len(pending) == 0 {
		return nil, relay.ErrNoData
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

// Delete permanently removes a message. Its content hash is freed with it,
// so fully delivered content can be re-admitted later.
func (r *MessageRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil
	}

	delete(r.messages, id)
	if r.byHash[m.ContentHash] == id {
		delete(r.byHash, m.ContentHash)
	}
	return nil
}

// CountPending returns the number of claimable messages on an interface.
func (r *MessageRepository) CountPending(_ context.Context, interfaceName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	count := 0
	for _, m := range r.messages {
		if m.InterfaceName == interfaceName && m.CanClaim(now) {
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan removes terminal messages created before the cutoff,
// ending their dedup window.
func (r *MessageRepository) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, m := range r.messages {
		if limit > 0 && deleted >= limit {
			break
		}
		if m.IsTerminal() && m.CreatedAt.Before(cutoff) {
			delete(r.messages, id)
			if r.byHash[m.ContentHash] == id {
				delete(r.byHash, m.ContentHash)
			}
			deleted++
		}
	}
	return deleted, nil
}

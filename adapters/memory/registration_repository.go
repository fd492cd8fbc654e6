package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
)

// RegistrationRepository implements relay.RegistrationRepository in memory.
// Safe for concurrent use.
type RegistrationRepository struct {
	mu   sync.Mutex
	regs map[string]model.Registration // keyed by id
}

// NewRegistrationRepository creates an empty in-memory registration repository.
func NewRegistrationRepository() *RegistrationRepository {
	return &RegistrationRepository{
		regs: make(map[string]model.Registration),
	}
}

// Load retrieves a registration by id.
func (r *RegistrationRepository) Load(_ context.Context, id string) (model.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[id]
	if !ok {
		return model.Registration{}, relay.ErrNoData
	}
	return reg, nil
}

// Save creates a new registration or updates an existing one.
func (r *RegistrationRepository) Save(_ context.Context, m model.Registration) (model.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.regs[m.ID] = m
	return m, nil
}

// FindActiveByInterface retrieves the active registrations of one interface.
func (r *RegistrationRepository) FindActiveByInterface(_ context.Context, interfaceName string) ([]model.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []model.Registration
	for _, reg := range r.regs {
		if reg.InterfaceName == interfaceName && reg.IsActive {
			active = append(active, reg)
		}
	}

	if len(active) == 0 {
		return nil, relay.ErrNoData
	}

	sortRegistrations(active)
	return active, nil
}

// FindByInstance retrieves the registration of one destination instance
// regardless of active state.
func (r *RegistrationRepository) FindByInstance(_ context.Context, interfaceName, adapterName, instanceID string) (model.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.regs {
		if reg.InterfaceName == interfaceName && reg.AdapterName == adapterName && reg.InstanceID == instanceID {
			return reg, nil
		}
	}
	return model.Registration{}, relay.ErrNoData
}

// FindAllActive retrieves every active registration across interfaces.
func (r *RegistrationRepository) FindAllActive(_ context.Context) ([]model.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []model.Registration
	for _, reg := range r.regs {
		if reg.IsActive {
			active = append(active, reg)
		}
	}

	if len(active) == 0 {
		return nil, relay.ErrNoData
	}

	sortRegistrations(active)
	return active, nil
}

func sortRegistrations(regs []model.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].InterfaceName != regs[j].InterfaceName {
			return regs[i].InterfaceName < regs[j].InterfaceName
		}
		return regs[i].CreatedAt.Before(regs[j].CreatedAt)
	})
}

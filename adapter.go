package relay

import (
	"context"
	"fmt"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/relay/model"
)

// SourceDescriptor tells a source adapter what to read: a location (file
// path, table name, API resource) plus adapter-specific options.
type SourceDescriptor struct {
	Location string            `json:"location"`
	Format   string            `json:"format,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Validate checks the descriptor fields.
func (d SourceDescriptor) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Location, validation.Required, validation.Length(1, 1024)),
		validation.Field(&d.Format, validation.Length(0, 64)),
	)
}

// DestinationDescriptor tells a destination adapter where to write: a target
// (table, endpoint, directory) plus adapter-specific options.
type DestinationDescriptor struct {
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

// Validate checks the descriptor fields.
func (d DestinationDescriptor) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Target, validation.Required, validation.Length(1, 1024)),
	)
}

// Adapter is the contract every source/destination plugin implements.
// Concrete adapters (file readers, relational writers, ERP/CRM clients) live
// outside this module; the relay only needs debatchable reads and
// per-message writes.
//
// Capability flags replace inheritance: a read-only adapter reports
// SupportsWrite() == false and may return an error from Write.
//
// Destination writes must tolerate re-delivery. The relay guarantees
// at-least-once delivery, so the same record can arrive twice after a worker
// crash; adapters handle this with idempotent writes or destination-side
// upserts.
type Adapter interface {
	// Name returns the adapter type name, e.g. "file-reader" or "sql-writer".
	Name() string

	// SupportsRead reports whether the adapter can act as a source.
	SupportsRead() bool

	// SupportsWrite reports whether the adapter can act as a destination.
	SupportsWrite() bool

	// Read performs one bulk read and returns the header list plus all
	// records. The caller debatches: each record becomes one message.
	Read(ctx context.Context, src SourceDescriptor) (headers []string, records []model.Record, err error)

	// Write delivers one debatched record (or a small batch) to the
	// destination. An error marks the subscription row as errored; the
	// message stays eligible for redelivery.
	Write(ctx context.Context, dst DestinationDescriptor, headers []string, records []model.Record) error
}

// Instance binds a configured adapter to its instance id and, for
// destinations, the descriptor it writes to.
type Instance struct {
	AdapterName string
	InstanceID  string
	Adapter     Adapter
	Destination DestinationDescriptor
}

type instanceKey struct {
	adapterName string
	instanceID  string
}

// Registry holds configured adapter instances by (adapter name, instance id).
// Workers resolve the subscription rows they process against it.
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[instanceKey]Instance
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[instanceKey]Instance)}
}

// Register adds an adapter instance. Registering the same (adapter name,
// instance id) twice returns a CONFLICT error.
func (r *Registry) Register(inst Instance) error {
	if inst.Adapter == nil {
		return NewError(ErrCodeValidation, "adapter cannot be nil")
	}
	if inst.AdapterName == "" || inst.InstanceID == "" {
		return NewError(ErrCodeValidation, "adapter name and instance id are required")
	}

	key := instanceKey{adapterName: inst.AdapterName, instanceID: inst.InstanceID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[key]; exists {
		return NewError(ErrCodeConflict, fmt.Sprintf("adapter instance already registered: %s/%s", inst.AdapterName, inst.InstanceID))
	}
	r.instances[key] = inst
	return nil
}

// Lookup resolves an adapter instance by name and instance id.
// Returns ErrNoData if not registered.
func (r *Registry) Lookup(adapterName, instanceID string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[instanceKey{adapterName: adapterName, instanceID: instanceID}]
	if !ok {
		return Instance{}, ErrNoData
	}
	return inst, nil
}

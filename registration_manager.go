package relay

import (
	"context"
	"fmt"

	"github.com/coregx/relay/model"
)

// RegistrationManager handles the lifecycle of destination registrations:
// which adapter instances consume which interfaces. Active registrations
// drive the fan-out snapshot at admission time and define the broker
// topology (one subscription per instance).
//
// Key operations:
//   - Register: declare a destination instance for an interface
//   - Deregister: soft-deactivate (stops new messages, keeps history)
//   - Reactivate: re-enable a previously deactivated registration
//   - List: query a single interface's registrations
//
// Thread safety: safe for concurrent use.
type RegistrationManager struct {
	registrationRepo RegistrationRepository
	logger           Logger
}

// RegistrationManagerOption is a function that configures a RegistrationManager.
type RegistrationManagerOption func(*RegistrationManager) error

// NewRegistrationManager creates a new RegistrationManager with the provided options.
//
// Required options:
//   - WithRegistrationManagerRepository: registration repository
//   - WithRegistrationManagerLogger: logger instance
func NewRegistrationManager(opts ...RegistrationManagerOption) (*RegistrationManager, error) {
	rm := &RegistrationManager{}

	for _, opt := range opts {
		if err := opt(rm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply registration manager option", err)
		}
	}

	if rm.registrationRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "RegistrationRepository is required")
	}
	if rm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}

	return rm, nil
}

// WithRegistrationManagerRepository sets the registration repository.
func WithRegistrationManagerRepository(registrationRepo RegistrationRepository) RegistrationManagerOption {
	return func(rm *RegistrationManager) error {
		if registrationRepo == nil {
			return fmt.Errorf("registrationRepo cannot be nil")
		}
		rm.registrationRepo = registrationRepo
		return nil
	}
}

// WithRegistrationManagerLogger sets the logger instance.
func WithRegistrationManagerLogger(logger Logger) RegistrationManagerOption {
	return func(rm *RegistrationManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		rm.logger = logger
		return nil
	}
}

// RegisterRequest represents a request to register a destination instance.
// All fields are required.
type RegisterRequest struct {
	InterfaceName string // Interface whose messages the instance consumes
	AdapterName   string // Destination adapter type name
	InstanceID    string // Instance identifier, unique per adapter
}

// Register declares a destination adapter instance for an interface.
// If an active registration already exists for the same instance, it is
// returned unchanged. A previously deactivated registration is reactivated
// rather than duplicated.
//
// Newly registered destinations receive messages admitted from this point
// on; they never retroactively receive already-emitted messages.
func (rm *RegistrationManager) Register(ctx context.Context, req RegisterRequest) (*model.Registration, error) {
	if req.InterfaceName == "" {
		return nil, NewError(ErrCodeValidation, "interface name is required")
	}
	if req.AdapterName == "" {
		return nil, NewError(ErrCodeValidation, "adapter name is required")
	}
	if req.InstanceID == "" {
		return nil, NewError(ErrCodeValidation, "instance id is required")
	}

	existing, err := rm.registrationRepo.FindByInstance(ctx, req.InterfaceName, req.AdapterName, req.InstanceID)
	if err != nil && !IsNoData(err) {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to check existing registration", err)
	}

	if err == nil {
		if existing.IsActive {
			rm.logger.Warnf("Registration already exists: interface=%s, adapter=%s, instance=%s",
				req.InterfaceName, req.AdapterName, req.InstanceID)
			return &existing, nil
		}

		existing.Reactivate()
		existing, err = rm.registrationRepo.Save(ctx, existing)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeDatabase, "failed to reactivate registration", err)
		}
		rm.logger.Infof("Registration reactivated: id=%s, interface=%s, instance=%s/%s",
			existing.ID, req.InterfaceName, req.AdapterName, req.InstanceID)
		return &existing, nil
	}

	registration := model.NewRegistration(req.InterfaceName, req.AdapterName, req.InstanceID)
	registration, err = rm.registrationRepo.Save(ctx, registration)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save registration", err)
	}

	rm.logger.Infof("Registration created: id=%s, interface=%s, instance=%s/%s",
		registration.ID, req.InterfaceName, req.AdapterName, req.InstanceID)

	return &registration, nil
}

// Deregister deactivates a registration. This is a soft delete: the row
// stays for audit, already-created subscription rows keep their delivery
// obligations, and no new messages fan out to the instance.
func (rm *RegistrationManager) Deregister(ctx context.Context, registrationID string) (*model.Registration, error) {
	if registrationID == "" {
		return nil, NewError(ErrCodeValidation, "registration id is required")
	}

	registration, err := rm.registrationRepo.Load(ctx, registrationID)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("registration not found: %s", registrationID), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load registration", err)
	}

	if !registration.IsActive {
		rm.logger.Warnf("Registration already inactive: id=%s", registrationID)
		return &registration, nil
	}

	registration.Deactivate()
	registration, err = rm.registrationRepo.Save(ctx, registration)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save registration", err)
	}

	rm.logger.Infof("Registration deactivated: id=%s", registrationID)

	return &registration, nil
}

// Reactivate re-enables a previously deactivated registration.
// If the registration is already active, returns without error.
func (rm *RegistrationManager) Reactivate(ctx context.Context, registrationID string) (*model.Registration, error) {
	if registrationID == "" {
		return nil, NewError(ErrCodeValidation, "registration id is required")
	}

	registration, err := rm.registrationRepo.Load(ctx, registrationID)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("registration not found: %s", registrationID), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load registration", err)
	}

	if registration.IsActive {
		rm.logger.Warnf("Registration already active: id=%s", registrationID)
		return &registration, nil
	}

	registration.Reactivate()
	registration, err = rm.registrationRepo.Save(ctx, registration)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save registration", err)
	}

	rm.logger.Infof("Registration reactivated: id=%s", registrationID)

	return &registration, nil
}

// List returns the active registrations of one interface.
// Returns an empty slice if none exist (not an error).
func (rm *RegistrationManager) List(ctx context.Context, interfaceName string) ([]model.Registration, error) {
	if interfaceName == "" {
		return nil, NewError(ErrCodeValidation, "interface name is required")
	}

	registrations, err := rm.registrationRepo.FindActiveByInterface(ctx, interfaceName)
	if err != nil {
		if IsNoData(err) {
			return []model.Registration{}, nil
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load registrations", err)
	}

	return registrations, nil
}

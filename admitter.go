package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/relay/model"
)

// DefaultDedupWindow is the default recency window for duplicate suppression.
const DefaultDedupWindow = 24 * time.Hour

// Admitter is the idempotency guard at the front of the routing core.
// It admits one debatched record at a time: computes the content hash,
// creates the message atomically (or returns the existing id for a duplicate
// submission), snapshots one subscription row per registered destination,
// and hands the message to the active transport.
//
// Thread safety: safe for concurrent use; the duplicate check and insert are
// one atomic repository operation, so two racing producers cannot both
// create the same message.
type Admitter struct {
	messageRepo      MessageRepository
	subscriptionRepo SubscriptionRepository
	registrationRepo RegistrationRepository
	broker           Broker
	logger           Logger
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter) error

// NewAdmitter creates a new Admitter with the provided options.
//
// Required options:
//   - WithAdmitterRepositories: message, subscription, and registration repositories
//   - WithAdmitterLogger: logger instance
//
// Optional options:
//   - WithAdmitterBroker: transport to publish admitted messages to
//     (default: NopBroker for store-and-forward deployments)
func NewAdmitter(opts ...AdmitterOption) (*Admitter, error) {
	a := &Admitter{
		broker: NopBroker{},
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply admitter option", err)
		}
	}

	// Validate required dependencies
	if a.messageRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageRepository is required (use WithAdmitterRepositories)")
	}
	if a.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithAdmitterRepositories)")
	}
	if a.registrationRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "RegistrationRepository is required (use WithAdmitterRepositories)")
	}
	if a.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithAdmitterLogger)")
	}

	return a, nil
}

// WithAdmitterRepositories sets the required repository dependencies.
func WithAdmitterRepositories(
	messageRepo MessageRepository,
	subscriptionRepo SubscriptionRepository,
	registrationRepo RegistrationRepository,
) AdmitterOption {
	return func(a *Admitter) error {
		if messageRepo == nil {
			return fmt.Errorf("messageRepo cannot be nil")
		}
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		if registrationRepo == nil {
			return fmt.Errorf("registrationRepo cannot be nil")
		}

		a.messageRepo = messageRepo
		a.subscriptionRepo = subscriptionRepo
		a.registrationRepo = registrationRepo
		return nil
	}
}

// WithAdmitterBroker sets the transport that receives admitted messages.
func WithAdmitterBroker(broker Broker) AdmitterOption {
	return func(a *Admitter) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		a.broker = broker
		return nil
	}
}

// WithAdmitterLogger sets the logger instance.
func WithAdmitterLogger(logger Logger) AdmitterOption {
	return func(a *Admitter) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		a.logger = logger
		return nil
	}
}

// AdmitRequest represents one debatched record offered for admission.
type AdmitRequest struct {
	InterfaceName      string        // Logical route; determines topic and subscriber set
	ProducerName       string        // Source adapter type name
	ProducerInstanceID string        // Source adapter instance
	Payload            model.Payload // Header list + single flattened record
}

// AdmitResult represents the outcome of an admission.
type AdmitResult struct {
	MessageID            string // Admitted (or pre-existing) message id
	Duplicate            bool   // True when the submission matched an existing message
	SubscriptionsCreated int    // Fan-out rows created (0 for duplicates)
}

// Admit offers one record to the routing core.
//
// The process:
//  1. Compute the content hash over (interface, producer instance, canonical payload)
//  2. Insert the message atomically; a duplicate inside the retention window
//     returns the existing id with no new rows (a true no-op)
//  3. Snapshot one subscription row per active registration of the interface
//  4. Hand the message to the active transport
//
// Returns AdmitResult with the message id, or an error if admission fails.
func (a *Admitter) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	// Validate request
	if req.InterfaceName == "" {
		return nil, NewError(ErrCodeValidation, "interface name is required")
	}
	if req.ProducerName == "" {
		return nil, NewError(ErrCodeValidation, "producer name is required")
	}
	if req.ProducerInstanceID == "" {
		return nil, NewError(ErrCodeValidation, "producer instance id is required")
	}

	message, err := model.NewMessage(req.InterfaceName, req.ProducerName, req.ProducerInstanceID, req.Payload)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "failed to build message", err)
	}

	// Atomic check-and-insert: the unique content hash constraint closes the
	// race between concurrent producers submitting the same record.
	if err := a.messageRepo.Create(ctx, message); err != nil {
		if dup, ok := AsDuplicate(err); ok {
			a.logger.Debugf("Duplicate submission resolved: interface=%s, existing=%s", req.InterfaceName, dup.ExistingID)
			healed, healErr := a.healFanOut(ctx, dup.ExistingID, req.InterfaceName)
			if healErr != nil {
				return nil, healErr
			}
			return &AdmitResult{MessageID: dup.ExistingID, Duplicate: true, SubscriptionsCreated: healed}, nil
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to create message", err)
	}

	created, err := a.snapshotFanOut(ctx, message.ID, req.InterfaceName)
	if err != nil {
		return nil, err
	}

	env, err := NewEnvelope(message)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "failed to build envelope", err)
	}
	if err := a.broker.Publish(ctx, env); err != nil {
		// The message and its subscriptions are durable; the store-and-forward
		// path can still deliver it, so a publish failure is not fatal here.
		a.logger.Errorf("Failed to publish message %s to broker: %v", message.ID, err)
	}

	a.logger.Infof("Message admitted: id=%s, interface=%s, subscribers=%d",
		message.ID, req.InterfaceName, created)

	return &AdmitResult{
		MessageID:            message.ID,
		Duplicate:            false,
		SubscriptionsCreated: created,
	}, nil
}

// snapshotFanOut creates one subscription row per active registration of the
// interface. Destinations registered after this point do not retroactively
// receive the message.
func (a *Admitter) snapshotFanOut(ctx context.Context, messageID, interfaceName string) (int, error) {
	registrations, err := a.registrationRepo.FindActiveByInterface(ctx, interfaceName)
	if err != nil && !IsNoData(err) {
		return 0, NewErrorWithCause(ErrCodeDatabase, "failed to load registrations", err)
	}

	if len(registrations) == 0 {
		a.logger.Warnf("No active registrations for interface=%s, message=%s admitted without subscribers",
			interfaceName, messageID)
		return 0, nil
	}

	subs := make([]model.Subscription, 0, len(registrations))
	for _, reg := range registrations {
		subs = append(subs, model.NewSubscription(messageID, reg.AdapterName, reg.InstanceID))
	}
	if err := a.subscriptionRepo.CreateBatch(ctx, subs); err != nil {
		return 0, NewErrorWithCause(ErrCodeDatabase, "failed to create subscriptions", err)
	}
	return len(subs), nil
}

// healFanOut repairs a message whose fan-out snapshot never made it to
// storage. A crash between the message insert and the subscription batch
// leaves a durable row with zero subscription rows; the retry of that
// admission lands on the duplicate branch, so this is where the snapshot
// gets another chance. Messages that already have subscription rows, or
// that reached a terminal status, are left alone.
func (a *Admitter) healFanOut(ctx context.Context, messageID, interfaceName string) (int, error) {
	if _, err := a.subscriptionRepo.ListByMessage(ctx, messageID); err == nil {
		return 0, nil
	} else if !IsNoData(err) {
		return 0, NewErrorWithCause(ErrCodeDatabase, "failed to inspect subscriptions", err)
	}

	message, err := a.messageRepo.FindByID(ctx, messageID)
	if err != nil {
		if IsNoData(err) {
			// Deleted between the duplicate hit and now. Nothing to repair.
			return 0, nil
		}
		return 0, NewErrorWithCause(ErrCodeDatabase, "failed to load message", err)
	}
	if message.IsTerminal() {
		return 0, nil
	}

	a.logger.Warnf("Message %s has no fan-out snapshot, recreating from active registrations", messageID)
	return a.snapshotFanOut(ctx, messageID, interfaceName)
}

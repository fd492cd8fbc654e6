package relay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coregx/relay"
	"github.com/coregx/relay/adapters/memory"
	"github.com/coregx/relay/model"
)

// testAdapter is a scriptable in-memory adapter. It can act as a source
// (returning canned records), as a destination (recording written records),
// or both, and can be told to fail a fixed number of writes.
type testAdapter struct {
	mu sync.Mutex

	name     string
	canRead  bool
	canWrite bool

	readHeaders []string
	readRecords []model.Record
	readErr     error

	failWrites int // fail this many writes before succeeding
	written    []model.Record
}

func (a *testAdapter) Name() string        { return a.name }
func (a *testAdapter) SupportsRead() bool  { return a.canRead }
func (a *testAdapter) SupportsWrite() bool { return a.canWrite }

func (a *testAdapter) Read(_ context.Context, _ relay.SourceDescriptor) ([]string, []model.Record, error) {
	if a.readErr != nil {
		return nil, nil, a.readErr
	}
	return a.readHeaders, a.readRecords, nil
}

func (a *testAdapter) Write(_ context.Context, _ relay.DestinationDescriptor, _ []string, records []model.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failWrites > 0 {
		a.failWrites--
		return fmt.Errorf("destination unavailable")
	}
	a.written = append(a.written, records...)
	return nil
}

func (a *testAdapter) writtenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.written)
}

// captureNotifications records every notification for assertion.
type captureNotifications struct {
	mu               sync.Mutex
	subscriptionErrs []model.Subscription
	renewalFailures  []model.DeliveryLock
	deadLetterAlerts []relay.DeadLetterAlert
}

func (c *captureNotifications) NotifyDeadLetters(_ context.Context, alert relay.DeadLetterAlert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetterAlerts = append(c.deadLetterAlerts, alert)
	return nil
}

func (c *captureNotifications) NotifyLockRenewalFailure(_ context.Context, lock model.DeliveryLock, _ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewalFailures = append(c.renewalFailures, lock)
	return nil
}

func (c *captureNotifications) NotifySubscriptionError(_ context.Context, sub model.Subscription, _ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptionErrs = append(c.subscriptionErrs, sub)
	return nil
}

// testEnv bundles the in-memory repositories and registry every service
// test wires against.
type testEnv struct {
	messages      *memory.MessageRepository
	subscriptions *memory.SubscriptionRepository
	registrations *memory.RegistrationRepository
	locks         *memory.DeliveryLockRepository
	registry      *relay.Registry
}

func newTestEnv() *testEnv {
	return &testEnv{
		messages:      memory.NewMessageRepository(),
		subscriptions: memory.NewSubscriptionRepository(),
		registrations: memory.NewRegistrationRepository(),
		locks:         memory.NewDeliveryLockRepository(),
		registry:      relay.NewRegistry(),
	}
}

// registerDestination registers an adapter instance in the registry and
// records an active registration for the interface.
func (e *testEnv) registerDestination(t *testing.T, interfaceName string, adapter *testAdapter, instanceID string) model.Registration {
	t.Helper()

	err := e.registry.Register(relay.Instance{
		AdapterName: adapter.name,
		InstanceID:  instanceID,
		Adapter:     adapter,
		Destination: relay.DestinationDescriptor{Target: interfaceName + "-out"},
	})
	require.NoError(t, err)

	reg, err := e.registrations.Save(context.Background(), model.NewRegistration(interfaceName, adapter.name, instanceID))
	require.NoError(t, err)
	return reg
}

func (e *testEnv) newAdmitter(t *testing.T, opts ...relay.AdmitterOption) *relay.Admitter {
	t.Helper()

	opts = append([]relay.AdmitterOption{
		relay.WithAdmitterRepositories(e.messages, e.subscriptions, e.registrations),
		relay.WithAdmitterLogger(&relay.NoopLogger{}),
	}, opts...)

	admitter, err := relay.NewAdmitter(opts...)
	require.NoError(t, err)
	return admitter
}

func (e *testEnv) newForwarder(t *testing.T, opts ...relay.Option) *relay.Forwarder {
	t.Helper()

	opts = append([]relay.Option{
		relay.WithRepositories(e.messages, e.subscriptions, e.registrations),
		relay.WithRegistry(e.registry),
		relay.WithLogger(&relay.NoopLogger{}),
	}, opts...)

	forwarder, err := relay.NewForwarder(opts...)
	require.NoError(t, err)
	return forwarder
}

func orderPayload(id string) model.Payload {
	return model.NewPayload([]string{"id", "item"}, model.Record{"id": id, "item": "widget"})
}

func admitOrder(t *testing.T, admitter *relay.Admitter, id string) *relay.AdmitResult {
	t.Helper()

	result, err := admitter.Admit(context.Background(), relay.AdmitRequest{
		InterfaceName:      "orders",
		ProducerName:       "file-reader",
		ProducerInstanceID: "producer-1",
		Payload:            orderPayload(id),
	})
	require.NoError(t, err)
	return result
}

package relay

import (
	"context"
	"fmt"

	"github.com/coregx/relay/model"
)

// Ingestor pulls bulk data from a source adapter and debatches it:
// one Read, one admission per record. A batch of N records becomes N
// independently routed, independently retried messages.
//
// Per-record admission failures are logged and skipped; the rest of the
// batch continues. Duplicate records (same content within the retention
// window) are absorbed by the admitter, so re-reading an unchanged source
// is harmless.
type Ingestor struct {
	admitter *Admitter
	registry *Registry
	logger   Logger
}

// IngestorOption is a function that configures an Ingestor.
type IngestorOption func(*Ingestor) error

// NewIngestor creates a new Ingestor with the provided options.
//
// Required options:
//   - WithIngestorAdmitter: admission service
//   - WithIngestorRegistry: adapter registry
//   - WithIngestorLogger: logger instance
func NewIngestor(opts ...IngestorOption) (*Ingestor, error) {
	ing := &Ingestor{}

	for _, opt := range opts {
		if err := opt(ing); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply ingestor option", err)
		}
	}

	if ing.admitter == nil {
		return nil, NewError(ErrCodeConfiguration, "Admitter is required")
	}
	if ing.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required")
	}
	if ing.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}

	return ing, nil
}

// WithIngestorAdmitter sets the admission service.
func WithIngestorAdmitter(admitter *Admitter) IngestorOption {
	return func(ing *Ingestor) error {
		if admitter == nil {
			return fmt.Errorf("admitter cannot be nil")
		}
		ing.admitter = admitter
		return nil
	}
}

// WithIngestorRegistry sets the adapter registry.
func WithIngestorRegistry(registry *Registry) IngestorOption {
	return func(ing *Ingestor) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		ing.registry = registry
		return nil
	}
}

// WithIngestorLogger sets the logger instance.
func WithIngestorLogger(logger Logger) IngestorOption {
	return func(ing *Ingestor) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		ing.logger = logger
		return nil
	}
}

// IngestRequest describes one source poll: which adapter instance to read
// from, where to read, and which interface the records belong to.
type IngestRequest struct {
	InterfaceName string           // Logical route for every record in the batch
	AdapterName   string           // Source adapter type name
	InstanceID    string           // Source adapter instance
	Source        SourceDescriptor // What to read
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	RecordsRead int // Records returned by the source read
	Admitted    int // New messages created
	Duplicates  int // Records absorbed as duplicates
	Failed      int // Records whose admission errored (logged and skipped)
}

// Ingest performs one read-and-debatch cycle against a source adapter.
//
// The read is all-or-nothing: if it fails, nothing was admitted and the
// error is returned. Admission is per-record: one bad record does not
// block the others.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.InterfaceName == "" {
		return nil, NewError(ErrCodeValidation, "interface name is required")
	}
	if err := req.Source.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid source descriptor", err)
	}

	inst, err := ing.registry.Lookup(req.AdapterName, req.InstanceID)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation,
			fmt.Sprintf("source adapter not registered: %s/%s", req.AdapterName, req.InstanceID), err)
	}
	if !inst.Adapter.SupportsRead() {
		return nil, NewError(ErrCodeValidation,
			fmt.Sprintf("adapter does not support reading: %s", req.AdapterName))
	}

	headers, records, err := inst.Adapter.Read(ctx, req.Source)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDelivery, "source read failed", err)
	}

	result := &IngestResult{RecordsRead: len(records)}

	for i, record := range records {
		admitRes, err := ing.admitter.Admit(ctx, AdmitRequest{
			InterfaceName:      req.InterfaceName,
			ProducerName:       req.AdapterName,
			ProducerInstanceID: req.InstanceID,
			Payload:            model.NewPayload(headers, record),
		})
		if err != nil {
			result.Failed++
			ing.logger.Errorf("Failed to admit record %d/%d: interface=%s, source=%s/%s, error=%v",
				i+1, len(records), req.InterfaceName, req.AdapterName, req.InstanceID, err)
			continue
		}

		if admitRes.Duplicate {
			result.Duplicates++
		} else {
			result.Admitted++
		}
	}

	ing.logger.Infof("Ingestion complete: interface=%s, source=%s/%s, read=%d, admitted=%d, duplicates=%d, failed=%d",
		req.InterfaceName, req.AdapterName, req.InstanceID,
		result.RecordsRead, result.Admitted, result.Duplicates, result.Failed)

	return result, nil
}

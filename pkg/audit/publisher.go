package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Publisher ships finished audit trees. Records are immutable once published.
type Publisher interface {
	Publish(ctx context.Context, records []*Record) error
}

// NopPublisher discards all records.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []*Record) error { return nil }

// InMemoryPublisher keeps published records in memory. Used by tests and by
// the dual-run simulator.
type InMemoryPublisher struct {
	mu      sync.Mutex
	records []*Record
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(_ context.Context, records []*Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
	return nil
}

// Records returns a copy of everything published so far.
func (p *InMemoryPublisher) Records() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Record(nil), p.records...)
}

// Reset drops all collected records.
func (p *InMemoryPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = nil
}

// LogPublisher writes each root record as one structured log line.
type LogPublisher struct {
	logger   *zap.Logger
	maxDepth int
}

// NewLogPublisher creates a publisher logging under the "audit" namespace.
// maxDepth bounds the rendered "record" field; the JSON field is always complete.
func NewLogPublisher(logger *zap.Logger, maxDepth int) *LogPublisher {
	return &LogPublisher{
		logger:   logger.Named("audit"),
		maxDepth: maxDepth,
	}
}

func (p *LogPublisher) Publish(_ context.Context, records []*Record) error {
	for _, record := range records {
		recordJSON, err := json.Marshal(record)
		if err != nil {
			return err
		}
		p.logger.Info("Audit record",
			zap.String("entity_type", typeName(record.EntityType)),
			zap.String("entity_id", record.EntityID),
			zap.String("operation", record.Operation.String()),
			zap.Int("field_changes", len(record.FieldRecords)),
			zap.Int("child_records", len(record.ChildRecords)),
			zap.String("record", record.Format(p.maxDepth)),
			zap.String("record_json", string(recordJSON)),
		)
	}
	return nil
}

// MultiPublisher publishes to every publisher in turn and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, records []*Record) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

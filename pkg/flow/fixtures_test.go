package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Catalog -> Item -> Variant, as in the audit tests.
var (
	catalogType = entity.NewType("Catalog")
	catalogID   = catalogType.ID("id")
	catalogName = catalogType.Field("name")

	itemType     = entity.NewType("Item")
	itemID       = itemType.ID("id")
	itemName     = itemType.Field("name")
	itemCategory = itemType.Field("category")
	itemPrice    = itemType.Field("price")
	itemSKU      = itemType.Field("sku")

	variantType  = entity.NewType("Variant")
	variantID    = variantType.ID("id")
	variantColor = variantType.Field("color")

	// Unrelated to the hierarchy above.
	tagType = entity.NewType("Tag")
	tagID   = tagType.ID("id")
)

func init() {
	catalogType.AddChild(itemType)
	itemType.AddChild(variantType)
}

// memoryFetcher serves snapshots from a map keyed by type name and identifier key.
type memoryFetcher struct {
	mu      sync.Mutex
	rows    map[string]map[string]*entity.Snapshot
	calls   int
	fields  [][]*entity.Field
	failure error
}

func newMemoryFetcher() *memoryFetcher {
	return &memoryFetcher{rows: make(map[string]map[string]*entity.Snapshot)}
}

func (f *memoryFetcher) put(t entity.EntityType, id entity.Identifier, s *entity.Snapshot) {
	if f.rows[t.Name()] == nil {
		f.rows[t.Name()] = make(map[string]*entity.Snapshot)
	}
	f.rows[t.Name()][id.Key()] = s
}

func (f *memoryFetcher) Fetch(_ context.Context, t entity.EntityType, ids []entity.Identifier, fields []*entity.Field) (map[string]entity.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fields = append(f.fields, fields)
	if f.failure != nil {
		return nil, f.failure
	}
	out := make(map[string]entity.Entity)
	for _, id := range ids {
		if s, ok := f.rows[t.Name()][id.Key()]; ok {
			out[id.Key()] = s
		}
	}
	return out, nil
}

// recordingOutput records every command it is handed, in call order.
type recordingOutput struct {
	mu       sync.Mutex
	required []*entity.Field
	seen     []*entity.ChangeCommand
	ops      []entity.ChangeOperation
	failures []error
	onCreate func(cmd *entity.ChangeCommand)
}

func (o *recordingOutput) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return o.required
}

func (o *recordingOutput) Generate(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, _ ChangeContext) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.failures) > 0 {
		err := o.failures[0]
		o.failures = o.failures[1:]
		return err
	}
	for _, cmd := range commands {
		if op == entity.OperationCreate && o.onCreate != nil {
			o.onCreate(cmd)
		}
		o.seen = append(o.seen, cmd)
		o.ops = append(o.ops, op)
	}
	return nil
}

func (o *recordingOutput) commands() []*entity.ChangeCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*entity.ChangeCommand(nil), o.seen...)
}

// stubValidator rejects commands for which reject returns true.
type stubValidator struct {
	reject func(cmd *entity.ChangeCommand) bool
	calls  int
}

func (v *stubValidator) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (v *stubValidator) Validate(_ context.Context, commands []*entity.ChangeCommand, _ entity.ChangeOperation, changeCtx ChangeContext) error {
	v.calls++
	for _, cmd := range commands {
		if v.reject != nil && v.reject(cmd) {
			changeCtx.AddError(cmd, NewValidationError(nil, "REJECTED", errRejected, ""))
		}
	}
	return nil
}

var errRejected = errors.New("rejected")

// stubEnricher sets field to value on every non-delete command.
type stubEnricher struct {
	field *entity.Field
	value any
}

func (e *stubEnricher) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (e *stubEnricher) Enrich(_ context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, _ ChangeContext) error {
	if op == entity.OperationDelete {
		return nil
	}
	for _, cmd := range commands {
		cmd.Set(e.field, e.value)
	}
	return nil
}

func containsField(fields []*entity.Field, f *entity.Field) bool {
	for _, candidate := range fields {
		if candidate == f {
			return true
		}
	}
	return false
}

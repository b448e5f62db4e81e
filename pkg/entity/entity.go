package entity

// Entity is the current ("before") state of one entity instance.
// Contains distinguishes a field that was not fetched from a field whose value is nil.
type Entity interface {
	Contains(field *Field) bool
	// Get returns the value of field, or nil when it is absent.
	Get(field *Field) any
}

// SafeGet returns the value of field and whether it is present.
func SafeGet(e Entity, field *Field) (any, bool) {
	if e == nil || !e.Contains(field) {
		return nil, false
	}
	return e.Get(field), true
}

type emptyEntity struct{}

func (emptyEntity) Contains(*Field) bool { return false }
func (emptyEntity) Get(*Field) any       { return nil }

// Empty is the snapshot of an entity that does not exist or was not fetched.
var Empty Entity = emptyEntity{}

// Snapshot is a mutable Entity used by fetchers and tests.
type Snapshot struct {
	values map[*Field]any
}

var _ Entity = (*Snapshot)(nil)

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{values: make(map[*Field]any)}
}

// Set records a value (nil allowed) for field and returns the snapshot for chaining.
func (s *Snapshot) Set(field *Field, value any) *Snapshot {
	s.values[field] = value
	return s
}

func (s *Snapshot) Contains(field *Field) bool {
	_, ok := s.values[field]
	return ok
}

func (s *Snapshot) Get(field *Field) any {
	return s.values[field]
}

// Len returns the number of present fields.
func (s *Snapshot) Len() int {
	return len(s.values)
}

// Overlay returns an Entity that reads from top first and falls back to bottom.
func Overlay(top, bottom Entity) Entity {
	if bottom == nil {
		bottom = Empty
	}
	if top == nil {
		return bottom
	}
	return overlayEntity{top: top, bottom: bottom}
}

type overlayEntity struct {
	top    Entity
	bottom Entity
}

func (o overlayEntity) Contains(field *Field) bool {
	return o.top.Contains(field) || o.bottom.Contains(field)
}

func (o overlayEntity) Get(field *Field) any {
	if o.top.Contains(field) {
		return o.top.Get(field)
	}
	return o.bottom.Get(field)
}

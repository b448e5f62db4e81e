package audit

import "github.com/ekaya-inc/changeflow/pkg/entity"

// FieldValueResolver reads audited values from an entity and renders them.
// It is stateless; the zero value is ready to use.
type FieldValueResolver struct{}

func NewFieldValueResolver() *FieldValueResolver {
	return &FieldValueResolver{}
}

// Value returns the value of field and whether the entity holds it at all.
func (r *FieldValueResolver) Value(e entity.Entity, field *entity.Field) (any, bool) {
	return entity.SafeGet(e, field)
}

// StringValue renders the value of field through its string converter.
// Absent and nil values yield ok=false.
func (r *FieldValueResolver) StringValue(e entity.Entity, field *entity.Field) (string, bool) {
	v, ok := entity.SafeGet(e, field)
	if !ok || v == nil {
		return "", false
	}
	return field.FormatValue(v), true
}

// StringValues renders every present, non-nil value of fields, keyed by field name.
func (r *FieldValueResolver) StringValues(e entity.Entity, fields []*entity.Field) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if s, ok := r.StringValue(e, f); ok {
			out[f.Name()] = s
		}
	}
	return out
}

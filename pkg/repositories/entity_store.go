package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/database"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
	"github.com/ekaya-inc/changeflow/pkg/logging"
)

// QuerierSource hands out the querier for the current unit of work.
// *database.DB satisfies it.
type QuerierSource interface {
	Querier(ctx context.Context) database.Querier
}

// ParentKey links a child type to its parent: Field on the child row holds
// the value of References on the parent row.
type ParentKey struct {
	Field      *entity.Field
	References *entity.Field
}

// EntityStore reads and writes entity rows in PostgreSQL. It is both the
// fetcher of a pipeline and the output generator of every flow level.
type EntityStore struct {
	db         QuerierSource
	logger     *zap.Logger
	parentKeys map[entity.EntityType]ParentKey
}

var (
	_ flow.Fetcher         = (*EntityStore)(nil)
	_ flow.OutputGenerator = (*EntityStore)(nil)
)

func NewEntityStore(db QuerierSource, logger *zap.Logger) *EntityStore {
	return &EntityStore{
		db:         db,
		logger:     logger.Named("entity-store"),
		parentKeys: make(map[entity.EntityType]ParentKey),
	}
}

// WithParentKey declares how rows of child reference their parent row.
// CREATE commands nested under a parent command get the key filled in.
func (s *EntityStore) WithParentKey(child entity.EntityType, key ParentKey) *EntityStore {
	s.parentKeys[child] = key
	return s
}

// ParentKey returns the declared parent key of child.
func (s *EntityStore) ParentKey(child entity.EntityType) (ParentKey, bool) {
	key, ok := s.parentKeys[child]
	return key, ok
}

func (s *EntityStore) Fetch(ctx context.Context, t entity.EntityType, ids []entity.Identifier, fields []*entity.Field) (map[string]entity.Entity, error) {
	out := make(map[string]entity.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	shapes := identifierShapes(ids)
	columns := selectColumns(t, shapes, fields)
	stmt := buildSelect(t, columns, ids)

	s.logger.Debug("Fetching entities",
		zap.String("entity_type", t.Name()),
		zap.Int("ids", len(ids)),
		zap.String("query", logging.SanitizeQuery(stmt.sql)))

	rows, err := s.db.Querier(ctx).Query(ctx, stmt.sql, stmt.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", t.Name(), err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name(), err)
		}
		snapshot := entity.NewSnapshot()
		for i, f := range columns {
			snapshot.Set(f, columnValue(values[i]))
		}
		for _, shape := range shapes {
			fvs := make([]entity.FieldValue, 0, len(shape))
			for _, f := range shape {
				fvs = append(fvs, entity.FieldValue{Field: f, Value: snapshot.Get(f)})
			}
			out[entity.NewIdentifier(fvs...).Key()] = snapshot
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", t.Name(), err)
	}

	return out, nil
}

// RequiredFields is empty: the fetch always includes the id column, which is
// all that parent key resolution reads.
func (s *EntityStore) RequiredFields([]*entity.Field, entity.ChangeOperation) []*entity.Field {
	return nil
}

func (s *EntityStore) Generate(ctx context.Context, commands []*entity.ChangeCommand, op entity.ChangeOperation, changeCtx flow.ChangeContext) error {
	if len(commands) == 0 {
		return nil
	}
	t := commands[0].EntityType()
	autoIncrement := changeCtx.Features().IsEnabled(flow.FeatureAutoIncrement)

	batch := &pgx.Batch{}
	queued := make([]*entity.ChangeCommand, 0, len(commands))
	returning := make([]bool, 0, len(commands))
	for _, cmd := range commands {
		switch op {
		case entity.OperationCreate:
			idField := t.IDField()
			var ret *entity.Field
			if autoIncrement && idField != nil && cmd.Get(idField) == nil {
				ret = idField
			}
			stmt := buildInsert(cmd, s.parentValues(cmd, changeCtx), ret)
			batch.Queue(stmt.sql, stmt.args...)
			returning = append(returning, ret != nil)
		case entity.OperationUpdate:
			if !s.checkIdentifier(cmd, changeCtx) {
				continue
			}
			stmt, ok := buildUpdate(cmd)
			if !ok {
				continue
			}
			batch.Queue(stmt.sql, stmt.args...)
			returning = append(returning, false)
		case entity.OperationDelete:
			if !s.checkIdentifier(cmd, changeCtx) {
				continue
			}
			stmt := buildDelete(cmd)
			batch.Queue(stmt.sql, stmt.args...)
			returning = append(returning, false)
		default:
			return fmt.Errorf("unsupported operation %q", op)
		}
		queued = append(queued, cmd)
	}
	if len(queued) == 0 {
		return nil
	}

	results := s.db.Querier(ctx).SendBatch(ctx, batch)
	for i, cmd := range queued {
		if returning[i] {
			var id any
			if err := results.QueryRow().Scan(&id); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to insert %s: %w", t.Name(), err)
			}
			cmd.Set(t.IDField(), columnValue(id))
			continue
		}
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to %s %s: %w", op, t.Name(), err)
		}
		if op != entity.OperationCreate && tag.RowsAffected() == 0 {
			changeCtx.AddError(cmd, flow.NewValidationError(nil, flow.CodeEntityNotFound, apperrors.ErrEntityNotFound,
				"no "+t.Name()+" matches "+cmd.Identifier().String()))
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close %s batch: %w", t.Name(), err)
	}

	s.logger.Debug("Wrote entities",
		zap.String("entity_type", t.Name()),
		zap.String("operation", op.String()),
		zap.Int("commands", len(queued)))
	return nil
}

func (s *EntityStore) checkIdentifier(cmd *entity.ChangeCommand, changeCtx flow.ChangeContext) bool {
	if !cmd.Identifier().IsEmpty() {
		return true
	}
	changeCtx.AddError(cmd, flow.NewValidationError(cmd.EntityType().IDField(), flow.CodeValueNotSupplied, apperrors.ErrNilIDField, ""))
	return false
}

// parentValues resolves the parent key of a nested CREATE command that does
// not carry it itself.
func (s *EntityStore) parentValues(cmd *entity.ChangeCommand, changeCtx flow.ChangeContext) []entity.FieldValue {
	key, ok := s.parentKeys[cmd.EntityType()]
	parent := cmd.Parent()
	if !ok || parent == nil || cmd.Contains(key.Field) {
		return nil
	}
	if parent.Contains(key.References) {
		return []entity.FieldValue{{Field: key.Field, Value: parent.Get(key.References)}}
	}
	if v, ok := parent.Identifier().Get(key.References); ok {
		return []entity.FieldValue{{Field: key.Field, Value: v}}
	}
	if v, ok := entity.SafeGet(changeCtx.Entity(parent), key.References); ok {
		return []entity.FieldValue{{Field: key.Field, Value: v}}
	}
	return nil
}

// identifierShapes returns the distinct field lists used by ids.
func identifierShapes(ids []entity.Identifier) [][]*entity.Field {
	var shapes [][]*entity.Field
	seen := make(map[string]bool)
	for _, id := range ids {
		fields := id.Fields()
		key := ""
		for _, f := range fields {
			key += f.Name() + ","
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		shapes = append(shapes, fields)
	}
	return shapes
}

// selectColumns lists the identifier fields followed by the requested fields
// of t, without duplicates. Fields of other types are ignored.
func selectColumns(t entity.EntityType, shapes [][]*entity.Field, fields []*entity.Field) []*entity.Field {
	var out []*entity.Field
	seen := make(map[*entity.Field]bool)
	add := func(f *entity.Field) {
		if f.EntityType() != t || seen[f] {
			return
		}
		seen[f] = true
		out = append(out, f)
	}
	for _, shape := range shapes {
		for _, f := range shape {
			add(f)
		}
	}
	if id := t.IDField(); id != nil {
		add(id)
	}
	for _, f := range fields {
		add(f)
	}
	return out
}

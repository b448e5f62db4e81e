package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

func TestSelectColumns(t *testing.T) {
	shapes := identifierShapes([]entity.Identifier{
		entity.IDOf(lineSKU, "A-1"),
		entity.IDOf(lineSKU, "A-2"),
		entity.NewIdentifier(
			entity.FieldValue{Field: lineOrderID, Value: 7},
			entity.FieldValue{Field: lineSKU, Value: "A-3"},
		),
	})
	assert.Equal(t, [][]*entity.Field{{lineSKU}, {lineOrderID, lineSKU}}, shapes)

	columns := selectColumns(lineType, shapes, []*entity.Field{lineQuantity, orderStatus, lineSKU})
	assert.Equal(t, []*entity.Field{lineSKU, lineOrderID, lineID, lineQuantity}, columns,
		"identifier fields first, then the id, then requested fields of the type only")
}

func TestEntityStore_ParentValues(t *testing.T) {
	store := NewEntityStore(nil, zap.NewNop()).
		WithParentKey(lineType, ParentKey{Field: lineOrderID, References: orderID})
	changeCtx := flow.NewChangeContext(flow.FeatureSet{})

	key, ok := store.ParentKey(lineType)
	assert.True(t, ok)
	assert.Same(t, lineOrderID, key.Field)

	t.Run("from parent identifier", func(t *testing.T) {
		parent := entity.NewUpdate(orderType, entity.IDOf(orderID, 9))
		child := entity.NewCreate(lineType).Set(lineSKU, "A-1")
		parent.AddChild(child)

		assert.Equal(t, []entity.FieldValue{{Field: lineOrderID, Value: 9}}, store.parentValues(child, changeCtx))
	})

	t.Run("from generated parent id", func(t *testing.T) {
		parent := entity.NewCreate(orderType).Set(orderID, int64(42))
		child := entity.NewCreate(lineType)
		parent.AddChild(child)

		assert.Equal(t, []entity.FieldValue{{Field: lineOrderID, Value: int64(42)}}, store.parentValues(child, changeCtx))
	})

	t.Run("from fetched parent", func(t *testing.T) {
		parent := entity.NewUpdate(orderType, entity.IDOf(orderCustomer, "acme"))
		child := entity.NewCreate(lineType)
		parent.AddChild(child)
		changeCtx.AddEntity(parent, entity.NewSnapshot().Set(orderID, int32(3)))

		assert.Equal(t, []entity.FieldValue{{Field: lineOrderID, Value: int32(3)}}, store.parentValues(child, changeCtx))
	})

	t.Run("explicit key wins", func(t *testing.T) {
		parent := entity.NewUpdate(orderType, entity.IDOf(orderID, 9))
		child := entity.NewCreate(lineType).Set(lineOrderID, 1)
		parent.AddChild(child)

		assert.Nil(t, store.parentValues(child, changeCtx))
	})

	t.Run("root command", func(t *testing.T) {
		assert.Nil(t, store.parentValues(entity.NewCreate(lineType), changeCtx))
	})
}

func TestEntityStore_RequiresNoExtraFields(t *testing.T) {
	store := NewEntityStore(nil, zap.NewNop())
	assert.Empty(t, store.RequiredFields([]*entity.Field{orderStatus}, entity.OperationUpdate))
}

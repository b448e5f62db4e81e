package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

func TestImmutableFieldValidator(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	validator := NewImmutableFieldValidator([]*entity.Field{itemSKU}, audit.NewSecurityAuditor(zap.New(core)))

	changeCtx := NewChangeContext(FeatureSet{})
	changed := entity.NewUpdate(itemType, entity.IDOf(itemID, 1)).Set(itemSKU, "B-2")
	same := entity.NewUpdate(itemType, entity.IDOf(itemID, 2)).Set(itemSKU, "A-1")
	untouched := entity.NewUpdate(itemType, entity.IDOf(itemID, 3)).Set(itemName, "x")
	for _, cmd := range []*entity.ChangeCommand{changed, same, untouched} {
		changeCtx.AddEntity(cmd, entity.NewSnapshot().Set(itemSKU, "A-1"))
	}

	err := validator.Validate(context.Background(), []*entity.ChangeCommand{changed, same, untouched}, entity.OperationUpdate, changeCtx)
	require.NoError(t, err)

	errs := changeCtx.Errors(changed)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeFieldImmutable, errs[0].Code)
	assert.ErrorIs(t, errs[0], apperrors.ErrImmutableField)
	assert.False(t, changeCtx.ContainsError(same))
	assert.False(t, changeCtx.ContainsError(untouched))

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.WarnLevel, logs[0].Level)
	assert.Equal(t, "sku", logs[0].ContextMap()["field"])
}

func TestImmutableFieldValidator_CreateIsAllowed(t *testing.T) {
	validator := NewImmutableFieldValidator([]*entity.Field{itemSKU}, nil)
	changeCtx := NewChangeContext(FeatureSet{})
	cmd := entity.NewCreate(itemType).Set(itemSKU, "A-1")

	require.NoError(t, validator.Validate(context.Background(), []*entity.ChangeCommand{cmd}, entity.OperationCreate, changeCtx))
	assert.False(t, changeCtx.HasErrors())
	assert.Nil(t, validator.RequiredFields([]*entity.Field{itemSKU}, entity.OperationCreate))
	assert.Equal(t, []*entity.Field{itemSKU}, validator.RequiredFields([]*entity.Field{itemName, itemSKU}, entity.OperationUpdate))
}

func TestMissingEntitiesFilter(t *testing.T) {
	changeCtx := NewChangeContext(FeatureSet{})
	found := entity.NewDelete(itemType, entity.IDOf(itemID, 1))
	missing := entity.NewDelete(itemType, entity.IDOf(itemID, 2))
	changeCtx.AddEntity(found, entity.NewSnapshot().Set(itemID, 1))

	out := MissingEntitiesFilter{}.Filter([]*entity.ChangeCommand{found, missing}, entity.OperationDelete, changeCtx)

	assert.Equal(t, []*entity.ChangeCommand{found}, out)
	errs := changeCtx.Errors(missing)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeEntityNotFound, errs[0].Code)
	assert.Contains(t, errs[0].Error(), "{id=2}")

	creates := []*entity.ChangeCommand{entity.NewCreate(itemType)}
	assert.Equal(t, creates, MissingEntitiesFilter{}.Filter(creates, entity.OperationCreate, changeCtx))
}

func TestRequiredFieldsFilter(t *testing.T) {
	changeCtx := NewChangeContext(FeatureSet{})
	filter := NewRequiredFieldsFilter([]*entity.Field{itemName})

	ok := entity.NewCreate(itemType).Set(itemName, "x")
	explicitNil := entity.NewCreate(itemType).Set(itemName, nil)
	absent := entity.NewCreate(itemType)

	out := filter.Filter([]*entity.ChangeCommand{ok, explicitNil, absent}, entity.OperationCreate, changeCtx)
	assert.Equal(t, []*entity.ChangeCommand{ok}, out)
	assert.Equal(t, CodeFieldRequired, changeCtx.Errors(explicitNil)[0].Code)
	assert.Equal(t, CodeFieldRequired, changeCtx.Errors(absent)[0].Code)

	update := []*entity.ChangeCommand{entity.NewUpdate(itemType, entity.IDOf(itemID, 1))}
	assert.Equal(t, update, filter.Filter(update, entity.OperationUpdate, changeCtx))
}

//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
	"github.com/ekaya-inc/changeflow/pkg/testhelpers"
)

func setupOrderTables(t *testing.T) *testhelpers.TestDB {
	tdb := testhelpers.GetTestDB(t)
	tdb.CreateTable(t, "order_lines", `id BIGSERIAL PRIMARY KEY, order_id BIGINT NOT NULL, sku TEXT, qty INT`)
	tdb.CreateTable(t, "orders", `id BIGSERIAL PRIMARY KEY, customer TEXT, status TEXT`)
	return tdb
}

func orderFlow(t *testing.T, store *EntityStore) *flow.Config {
	registry := audit.NewRegistry()
	require.NoError(t, registry.Register(orderType, audit.Classification{Audited: true}))
	require.NoError(t, registry.Register(lineType, audit.Classification{Audited: true}))
	return flow.NewBuilder(orderType, registry).
		WithOutputGenerator(store).
		WithChildFlow(flow.NewBuilder(lineType, registry).WithOutputGenerator(store)).
		WithFeatures(flow.NewFeatureSet(flow.FeatureAutoIncrement)).
		MustBuild()
}

func TestEntityStore_Integration_CreateUpdateDelete(t *testing.T) {
	tdb := setupOrderTables(t)
	ctx := context.Background()
	store := NewEntityStore(tdb.DB, zap.NewNop()).
		WithParentKey(lineType, ParentKey{Field: lineOrderID, References: orderID})
	cfg := orderFlow(t, store)
	pipeline := flow.NewPipeline(store, zap.NewNop())

	create := entity.NewCreate(orderType).Set(orderCustomer, "acme").Set(orderStatus, "new")
	create.AddChild(entity.NewCreate(lineType).Set(lineSKU, "A-1").Set(lineQuantity, int64(2)))

	results, err := pipeline.Run(ctx, cfg, []*entity.ChangeCommand{create})
	require.NoError(t, err)
	require.False(t, results.HasErrors())
	require.Len(t, results.AuditRecords, 1)
	require.NotNil(t, create.Get(orderID), "generated id written back to the command")
	require.Len(t, results.AuditRecords[0].ChildRecords, 1)

	orderKey := create.Get(orderID)
	var lineCount int
	require.NoError(t, tdb.DB.QueryRow(ctx, `SELECT COUNT(*) FROM order_lines WHERE order_id = $1`, orderKey).Scan(&lineCount))
	assert.Equal(t, 1, lineCount)

	update := entity.NewUpdate(orderType, entity.IDOf(orderID, orderKey)).Set(orderStatus, "shipped")
	results, err = pipeline.Run(ctx, cfg, []*entity.ChangeCommand{update})
	require.NoError(t, err)
	require.False(t, results.HasErrors())
	require.Len(t, results.AuditRecords, 1)
	fr, ok := results.AuditRecords[0].FieldRecord(orderStatus)
	require.True(t, ok)
	assert.Equal(t, "new", fr.OldValue)
	assert.Equal(t, "shipped", fr.NewValue)

	missing := entity.NewDelete(orderType, entity.IDOf(orderID, int64(-1)))
	results, err = pipeline.Run(ctx, cfg, []*entity.ChangeCommand{missing})
	require.NoError(t, err)
	assert.True(t, results.HasErrors())
}

func TestEntityStore_Integration_FetchInsideTransaction(t *testing.T) {
	tdb := setupOrderTables(t)
	ctx := context.Background()
	store := NewEntityStore(tdb.DB, zap.NewNop())

	err := tdb.DB.InTx(ctx, func(ctx context.Context) error {
		if _, err := tdb.DB.Querier(ctx).Exec(ctx, `INSERT INTO orders (id, customer, status) VALUES (100, 'acme', 'new')`); err != nil {
			return err
		}
		found, err := store.Fetch(ctx, orderType, []entity.Identifier{entity.IDOf(orderID, 100), entity.IDOf(orderID, 101)},
			[]*entity.Field{orderStatus})
		require.NoError(t, err)
		require.Len(t, found, 1)
		got, ok := found[entity.IDOf(orderID, 100).Key()]
		require.True(t, ok)
		assert.Equal(t, "new", got.Get(orderStatus))
		assert.False(t, got.Contains(orderCustomer))
		return nil
	})
	require.NoError(t, err)
}

var (
	productType  = entity.NewType("Product")
	productID    = productType.ID("id")
	productName  = productType.Field("name")
	productPrice = productType.Field("price")
)

func TestEntityStore_Integration_UUIDKeysAndNumericColumns(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.CreateTable(t, "products", `id UUID PRIMARY KEY DEFAULT gen_random_uuid(), name TEXT, price NUMERIC(10,2)`)
	ctx := context.Background()
	store := NewEntityStore(tdb.DB, zap.NewNop())
	registry := audit.NewRegistry()
	require.NoError(t, registry.Register(productType, audit.Classification{Audited: true}))
	cfg := flow.NewBuilder(productType, registry).
		WithOutputGenerator(store).
		WithFalseUpdatesPurger(flow.NewFalseUpdatesPurger()).
		WithFeatures(flow.NewFeatureSet(flow.FeatureAutoIncrement)).
		MustBuild()
	pipeline := flow.NewPipeline(store, zap.NewNop())

	create := entity.NewCreate(productType).Set(productName, "widget").Set(productPrice, 19.99)
	results, err := pipeline.Run(ctx, cfg, []*entity.ChangeCommand{create})
	require.NoError(t, err)
	require.False(t, results.HasErrors())
	key, ok := create.Get(productID).(string)
	require.True(t, ok, "generated uuid is written back as a string")
	_, err = uuid.Parse(key)
	require.NoError(t, err)

	found, err := store.Fetch(ctx, productType, []entity.Identifier{entity.IDOf(productID, key)}, []*entity.Field{productPrice})
	require.NoError(t, err)
	got, ok := found[entity.IDOf(productID, key).Key()]
	require.True(t, ok, "uuid identifier from a command matches the fetched row")
	assert.Equal(t, 19.99, got.Get(productPrice))

	unchanged := entity.NewUpdate(productType, entity.IDOf(productID, key)).Set(productPrice, 19.99)
	results, err = pipeline.Run(ctx, cfg, []*entity.ChangeCommand{unchanged})
	require.NoError(t, err)
	assert.False(t, results.HasErrors())
	assert.Empty(t, results.AuditRecords, "writing the stored price again is not a change")

	repriced := entity.NewUpdate(productType, entity.IDOf(productID, key)).Set(productPrice, int64(25))
	results, err = pipeline.Run(ctx, cfg, []*entity.ChangeCommand{repriced})
	require.NoError(t, err)
	require.False(t, results.HasErrors())
	require.Len(t, results.AuditRecords, 1)
	fr, ok := results.AuditRecords[0].FieldRecord(productPrice)
	require.True(t, ok)
	assert.Equal(t, 19.99, fr.OldValue)
	assert.Equal(t, int64(25), fr.NewValue)

	remove := entity.NewDelete(productType, entity.IDOf(productID, key))
	results, err = pipeline.Run(ctx, cfg, []*entity.ChangeCommand{remove})
	require.NoError(t, err)
	require.False(t, results.HasErrors())
	var count int
	require.NoError(t, tdb.DB.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&count))
	assert.Zero(t, count)
}

func TestAuditLogRepository_Integration(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	ctx := context.Background()
	repo := NewAuditLogRepository(tdb.DB)
	publisher := NewAuditLogPublisher(repo, zap.NewNop())
	runID := uuid.New()
	entityID := uuid.NewString()

	records := []*audit.Record{
		{EntityType: orderType, EntityID: entityID, Operation: entity.OperationCreate},
		{EntityType: orderType, EntityID: entityID, Operation: entity.OperationUpdate,
			FieldRecords: []audit.FieldRecord{{Field: orderStatus, OldValue: "new", NewValue: "paid"}}},
	}
	require.NoError(t, publisher.Publish(audit.WithRunID(ctx, runID), records))

	byRun, err := repo.GetByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, entity.OperationCreate, byRun[0].Operation)
	assert.Equal(t, entity.OperationUpdate, byRun[1].Operation)

	byEntity, err := repo.GetByEntity(ctx, "Order", entityID, 1)
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, entity.OperationUpdate, byEntity[0].Operation)
	assert.JSONEq(t,
		`{"entity_type":"Order","entity_id":"`+entityID+`","operation":"UPDATE","field_records":[{"field":"status","old_value":"new","new_value":"paid"}]}`,
		string(byEntity[0].Record))
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

type catalogTypes struct {
	catalog     *entity.Type
	catalogID   *entity.Field
	catalogName *entity.Field
	item        *entity.Type
	itemID      *entity.Field
	itemName    *entity.Field
	itemPrice   *entity.Field
}

func newCatalogTypes() catalogTypes {
	var c catalogTypes
	c.catalog = entity.NewType("Catalog")
	c.catalogID = c.catalog.ID("id")
	c.catalogName = c.catalog.Field("name")
	c.item = entity.NewType("Item")
	c.itemID = c.item.ID("id")
	c.itemName = c.item.Field("name")
	c.itemPrice = c.item.Field("price")
	c.catalog.AddChild(c.item)
	return c
}

// fakeRunner records the commands it receives and fails the ones listed in errs.
type fakeRunner struct {
	runID    uuid.UUID
	received []*entity.ChangeCommand
	errs     map[int][]*flow.ValidationError
	records  []*audit.Record
	err      error
}

func (f *fakeRunner) Run(_ context.Context, _ *flow.Config, commands []*entity.ChangeCommand) (*flow.Results, error) {
	f.received = commands
	if f.err != nil {
		return nil, f.err
	}
	results := &flow.Results{RunID: f.runID, AuditRecords: f.records}
	for i, cmd := range commands {
		results.Results = append(results.Results, flow.Result{Command: cmd, Errors: f.errs[i]})
	}
	return results, nil
}

func newChangesHandler(t *testing.T, types catalogTypes, runner ChangeRunner) *http.ServeMux {
	t.Helper()
	cfg, err := flow.NewBuilder(types.catalog, audit.NewRegistry()).Build()
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewChangesHandler([]*flow.Config{cfg}, runner, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func postChanges(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/changes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChangesHandler_DecodesCommandTree(t *testing.T) {
	types := newCatalogTypes()
	runner := &fakeRunner{runID: uuid.New()}
	mux := newChangesHandler(t, types, runner)

	rec := postChanges(mux, `{
		"entity_type": "Catalog",
		"commands": [
			{
				"operation": "update",
				"id": {"id": 7},
				"fields": {"name": "Spring"},
				"children": [
					{"entity_type": "Item", "operation": "CREATE", "fields": {"name": "Boots", "price": 19.5}},
					{"entity_type": "Item", "operation": "DELETE", "id": {"id": 12}}
				]
			}
		]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, runner.received, 1)

	root := runner.received[0]
	assert.Equal(t, entity.OperationUpdate, root.Operation())
	id, ok := root.Identifier().Get(types.catalogID)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "Spring", root.Get(types.catalogName))

	children := root.Children(types.item)
	require.Len(t, children, 2)
	assert.Equal(t, entity.OperationCreate, children[0].Operation())
	assert.Equal(t, "Boots", children[0].Get(types.itemName))
	assert.Equal(t, 19.5, children[0].Get(types.itemPrice))
	assert.Same(t, root, children[0].Parent())
	assert.Equal(t, entity.OperationDelete, children[1].Operation())
	childID, ok := children[1].Identifier().Get(types.itemID)
	require.True(t, ok)
	assert.Equal(t, int64(12), childID)

	var response ChangeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, runner.runID, response.RunID)
	require.Len(t, response.Results, 1)
	assert.True(t, response.Results[0].Success)
	assert.Equal(t, float64(7), response.Results[0].ID["id"])
	assert.NotNil(t, response.AuditRecords)
}

func TestChangesHandler_ReportsCommandErrors(t *testing.T) {
	types := newCatalogTypes()
	runner := &fakeRunner{
		runID: uuid.New(),
		errs: map[int][]*flow.ValidationError{
			1: {flow.NewValidationError(types.catalogName, flow.CodeFieldRequired, apperrors.ErrMissingRequiredField, "")},
		},
	}
	mux := newChangesHandler(t, types, runner)

	rec := postChanges(mux, `{"entity_type":"Catalog","commands":[
		{"operation":"CREATE","fields":{"name":"A"}},
		{"operation":"CREATE","fields":{}}
	]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var response ChangeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.Len(t, response.Results, 2)

	assert.True(t, response.Results[0].Success)
	assert.Empty(t, response.Results[0].Errors)

	assert.False(t, response.Results[1].Success)
	assert.Equal(t, 1, response.Results[1].Index)
	require.Len(t, response.Results[1].Errors, 1)
	assert.Equal(t, ValidationIssue{EntityType: "Catalog", Field: "name", Code: flow.CodeFieldRequired}, response.Results[1].Errors[0])
}

func TestChangesHandler_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"entity_type":`, "invalid_request"},
		{"unknown root type", `{"entity_type":"Nope","commands":[{"operation":"CREATE"}]}`, "invalid_command"},
		{"no commands", `{"entity_type":"Catalog","commands":[]}`, "invalid_request"},
		{"unknown operation", `{"entity_type":"Catalog","commands":[{"operation":"UPSERT"}]}`, "invalid_command"},
		{"unknown field", `{"entity_type":"Catalog","commands":[{"operation":"CREATE","fields":{"color":"red"}}]}`, "invalid_command"},
		{"update without id", `{"entity_type":"Catalog","commands":[{"operation":"UPDATE","fields":{"name":"x"}}]}`, "invalid_command"},
		{"unknown id field", `{"entity_type":"Catalog","commands":[{"operation":"DELETE","id":{"uuid":1}}]}`, "invalid_command"},
		{"child of wrong type", `{"entity_type":"Catalog","commands":[{"operation":"CREATE","children":[{"entity_type":"Catalog","operation":"CREATE"}]}]}`, "invalid_command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			mux := newChangesHandler(t, newCatalogTypes(), runner)

			rec := postChanges(mux, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body["error"])
			assert.Nil(t, runner.received, "runner must not be called")
		})
	}
}

func TestChangesHandler_RunFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"stage failure", errors.New("fetch: connection refused"), http.StatusInternalServerError},
		{"misrouted command", fmt.Errorf("Item command in Catalog flow: %w", apperrors.ErrUnknownEntityType), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newChangesHandler(t, newCatalogTypes(), &fakeRunner{err: tt.err})

			rec := postChanges(mux, `{"entity_type":"Catalog","commands":[{"operation":"CREATE","fields":{"name":"A"}}]}`)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, int64(42), normalizeValue(json.Number("42")))
	assert.Equal(t, 4.25, normalizeValue(json.Number("4.25")))
	assert.Equal(t, "text", normalizeValue("text"))
	assert.Nil(t, normalizeValue(nil))
	assert.Equal(t, true, normalizeValue(true))
	assert.Equal(t,
		[]any{int64(1), 2.5, "x", []any{int64(3)}},
		normalizeValue([]any{json.Number("1"), json.Number("2.5"), "x", []any{json.Number("3")}}))
	assert.Equal(t,
		map[string]any{"qty": int64(9007199254740993), "tags": []any{map[string]any{"w": 0.5}}},
		normalizeValue(map[string]any{
			"qty":  json.Number("9007199254740993"),
			"tags": []any{map[string]any{"w": json.Number("0.5")}},
		}))
}

func TestChangesHandler_NormalizesNestedNumbers(t *testing.T) {
	types := newCatalogTypes()
	runner := &fakeRunner{runID: uuid.New()}
	mux := newChangesHandler(t, types, runner)

	rec := postChanges(mux, `{
		"entity_type": "Catalog",
		"commands": [
			{"operation": "CREATE", "fields": {"name": {"sizes": [40, 41.5], "stock": {"eu": 3}}}}
		]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, runner.received, 1)
	assert.Equal(t,
		map[string]any{"sizes": []any{int64(40), 41.5}, "stock": map[string]any{"eu": int64(3)}},
		runner.received[0].Get(types.catalogName))
}

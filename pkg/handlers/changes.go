package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/apperrors"
	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
	"github.com/ekaya-inc/changeflow/pkg/flow"
)

// maxChangeRequestBytes bounds the size of one POST /api/changes body.
const maxChangeRequestBytes = 10 << 20

// ChangeRequest is a batch of root commands of one entity type.
type ChangeRequest struct {
	EntityType string           `json:"entity_type"`
	Commands   []CommandRequest `json:"commands"`
}

// CommandRequest is the JSON form of one change command. ID locates the
// entity for UPDATE and DELETE; Fields carries the new values. Children are
// commands of child types and must name their entity type.
type CommandRequest struct {
	EntityType string           `json:"entity_type,omitempty"`
	Operation  string           `json:"operation"`
	ID         map[string]any   `json:"id,omitempty"`
	Fields     map[string]any   `json:"fields,omitempty"`
	Children   []CommandRequest `json:"children,omitempty"`
}

// ChangeResponse reports the outcome of every root command, in request order.
type ChangeResponse struct {
	RunID        uuid.UUID       `json:"run_id"`
	Results      []CommandResult `json:"results"`
	AuditRecords []*audit.Record `json:"audit_records"`
}

type CommandResult struct {
	Index   int               `json:"index"`
	Success bool              `json:"success"`
	ID      map[string]any    `json:"id,omitempty"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

type ValidationIssue struct {
	EntityType string `json:"entity_type"`
	Field      string `json:"field,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

// ChangeRunner runs a batch of commands through a flow. *flow.Pipeline satisfies it.
type ChangeRunner interface {
	Run(ctx context.Context, cfg *flow.Config, commands []*entity.ChangeCommand) (*flow.Results, error)
}

// ChangesHandler serves POST /api/changes.
type ChangesHandler struct {
	flows  map[string]*flow.Config
	runner ChangeRunner
	logger *zap.Logger
}

// NewChangesHandler serves one flow per root entity type.
func NewChangesHandler(flows []*flow.Config, runner ChangeRunner, logger *zap.Logger) *ChangesHandler {
	byName := make(map[string]*flow.Config, len(flows))
	for _, cfg := range flows {
		byName[cfg.EntityType().Name()] = cfg
	}
	return &ChangesHandler{
		flows:  byName,
		runner: runner,
		logger: logger.Named("changes-handler"),
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *ChangesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/changes", h.Apply)
}

// Apply handles POST /api/changes. Per-command rule violations are reported
// in the results with status 200; only malformed requests and failed runs
// produce an error status.
func (h *ChangesHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeRequestBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	cfg, ok := h.flows[req.EntityType]
	if !ok {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_command",
			fmt.Sprintf("no change flow for entity type %q", req.EntityType)); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if len(req.Commands) == 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "commands must not be empty"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	commands := make([]*entity.ChangeCommand, 0, len(req.Commands))
	for i, cr := range req.Commands {
		cmd, err := decodeCommand(cfg.EntityType(), cr)
		if err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_command", fmt.Sprintf("command %d: %v", i, err)); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		commands = append(commands, cmd)
	}

	results, err := h.runner.Run(r.Context(), cfg, commands)
	if err != nil {
		h.logger.Error("Change flow failed",
			zap.String("entity_type", req.EntityType),
			zap.Int("commands", len(commands)),
			zap.Error(err))
		status, code := errorStatus(err)
		if err := ErrorResponse(w, status, code, err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := ChangeResponse{
		RunID:        results.RunID,
		Results:      make([]CommandResult, 0, len(results.Results)),
		AuditRecords: results.AuditRecords,
	}
	if response.AuditRecords == nil {
		response.AuditRecords = []*audit.Record{}
	}
	for i, res := range results.Results {
		response.Results = append(response.Results, commandResult(i, res))
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode change response", zap.Error(err))
	}
}

func commandResult(index int, res flow.Result) CommandResult {
	out := CommandResult{Index: index, Success: res.Success()}
	if id := resultID(res.Command); len(id) > 0 {
		out.ID = id
	}
	for _, e := range res.Errors {
		issue := ValidationIssue{Code: e.Code, Message: e.Message}
		if e.Field != nil {
			issue.Field = e.Field.Name()
			issue.EntityType = e.Field.EntityType().Name()
		} else {
			issue.EntityType = res.Command.EntityType().Name()
		}
		out.Errors = append(out.Errors, issue)
	}
	return out
}

// resultID reports the identifier of the command, or the generated id of a created entity.
func resultID(cmd *entity.ChangeCommand) map[string]any {
	out := make(map[string]any)
	for _, fv := range cmd.Identifier().Values() {
		out[fv.Field.Name()] = fv.Value
	}
	if idField := cmd.EntityType().IDField(); idField != nil && len(out) == 0 && cmd.Get(idField) != nil {
		out[idField.Name()] = cmd.Get(idField)
	}
	return out
}

func decodeCommand(t entity.EntityType, cr CommandRequest) (*entity.ChangeCommand, error) {
	if cr.EntityType != "" && cr.EntityType != t.Name() {
		return nil, fmt.Errorf("%s command where %s was expected: %w", cr.EntityType, t.Name(), apperrors.ErrUnknownEntityType)
	}
	op, err := entity.ParseOperation(cr.Operation)
	if err != nil {
		return nil, err
	}

	cmd := entity.NewCommand(t, op)
	if len(cr.ID) > 0 {
		id, err := decodeIdentifier(t, cr.ID)
		if err != nil {
			return nil, err
		}
		cmd.WithIdentifier(id)
	} else if op != entity.OperationCreate {
		return nil, fmt.Errorf("%s %s: %w", op, t.Name(), apperrors.ErrNilIDField)
	}

	for _, name := range sortedKeys(cr.Fields) {
		f, ok := t.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), name, apperrors.ErrUnknownField)
		}
		cmd.Set(f, normalizeValue(cr.Fields[name]))
	}

	for _, childReq := range cr.Children {
		childType, ok := childTypeOf(t, childReq.EntityType)
		if !ok {
			return nil, fmt.Errorf("%q is not a child of %s: %w", childReq.EntityType, t.Name(), apperrors.ErrUnknownEntityType)
		}
		child, err := decodeCommand(childType, childReq)
		if err != nil {
			return nil, err
		}
		cmd.AddChild(child)
	}
	return cmd, nil
}

func decodeIdentifier(t entity.EntityType, raw map[string]any) (entity.Identifier, error) {
	values := make([]entity.FieldValue, 0, len(raw))
	for _, name := range sortedKeys(raw) {
		f, ok := t.FieldByName(name)
		if !ok {
			return entity.Identifier{}, fmt.Errorf("%s.%s: %w", t.Name(), name, apperrors.ErrUnknownField)
		}
		values = append(values, entity.FieldValue{Field: f, Value: normalizeValue(raw[name])})
	}
	return entity.NewIdentifier(values...), nil
}

func childTypeOf(t entity.EntityType, name string) (entity.EntityType, bool) {
	for _, child := range t.Children() {
		if child.Name() == name {
			return child, true
		}
	}
	return nil, false
}

// normalizeValue turns json.Number into int64 when integral, float64
// otherwise, at any depth of arrays and objects.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []any:
		out := make([]any, len(n))
		for i, elem := range n {
			out[i] = normalizeValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, elem := range n {
			out[k] = normalizeValue(elem)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

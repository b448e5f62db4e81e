package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// AuditLogEntry is one persisted root audit record.
type AuditLogEntry struct {
	ID         uuid.UUID              `json:"id"`
	RunID      uuid.UUID              `json:"run_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Operation  entity.ChangeOperation `json:"operation"`
	Record     json.RawMessage        `json:"record"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditLogRepository provides data access for the audit_log table.
type AuditLogRepository interface {
	// Create inserts a new audit log entry.
	Create(ctx context.Context, entry *AuditLogEntry) error

	// GetByRun returns the entries written by one flow run, in insertion order.
	GetByRun(ctx context.Context, runID uuid.UUID) ([]*AuditLogEntry, error)

	// GetByEntity returns the entries of one entity, newest first.
	GetByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLogEntry, error)
}

type auditLogRepository struct {
	db QuerierSource
}

// NewAuditLogRepository creates a new AuditLogRepository.
func NewAuditLogRepository(db QuerierSource) AuditLogRepository {
	return &auditLogRepository{db: db}
}

var _ AuditLogRepository = (*auditLogRepository)(nil)

func (r *auditLogRepository) Create(ctx context.Context, entry *AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO audit_log (
			id, run_id, entity_type, entity_id, operation, record, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Querier(ctx).Exec(ctx, query,
		entry.ID,
		entry.RunID,
		entry.EntityType,
		entry.EntityID,
		string(entry.Operation),
		[]byte(entry.Record),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log entry: %w", err)
	}

	return nil
}

func (r *auditLogRepository) GetByRun(ctx context.Context, runID uuid.UUID) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, run_id, entity_type, entity_id, operation, record, created_at
		FROM audit_log
		WHERE run_id = $1
		ORDER BY created_at, seq`

	rows, err := r.db.Querier(ctx).Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by run: %w", err)
	}
	return collectAuditLogEntries(rows)
}

func (r *auditLogRepository) GetByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, run_id, entity_type, entity_id, operation, record, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`

	rows, err := r.db.Querier(ctx).Query(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by entity: %w", err)
	}
	return collectAuditLogEntries(rows)
}

func collectAuditLogEntries(rows pgx.Rows) ([]*AuditLogEntry, error) {
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		var entry AuditLogEntry
		var operation string
		var record []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.RunID,
			&entry.EntityType,
			&entry.EntityID,
			&operation,
			&record,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log entry: %w", err)
		}
		entry.Operation = entity.ChangeOperation(operation)
		entry.Record = json.RawMessage(record)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log entries: %w", err)
	}

	return entries, nil
}

// AuditLogPublisher stores every root audit record as one audit_log row.
type AuditLogPublisher struct {
	repo   AuditLogRepository
	logger *zap.Logger
}

var _ audit.Publisher = (*AuditLogPublisher)(nil)

func NewAuditLogPublisher(repo AuditLogRepository, logger *zap.Logger) *AuditLogPublisher {
	return &AuditLogPublisher{
		repo:   repo,
		logger: logger.Named("audit-publisher"),
	}
}

func (p *AuditLogPublisher) Publish(ctx context.Context, records []*audit.Record) error {
	runID := audit.RunIDFromContext(ctx)
	now := time.Now()
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal audit record %s: %w", record.EntityID, err)
		}
		entry := &AuditLogEntry{
			RunID:     runID,
			EntityID:  record.EntityID,
			Operation: record.Operation,
			Record:    payload,
			CreatedAt: now,
		}
		if record.EntityType != nil {
			entry.EntityType = record.EntityType.Name()
		}
		if err := p.repo.Create(ctx, entry); err != nil {
			return err
		}
	}
	p.logger.Debug("Stored audit records",
		zap.String("run_id", runID.String()),
		zap.Int("count", len(records)))
	return nil
}

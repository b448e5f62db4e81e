package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a command value.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventImmutableFieldChange is logged when a command tries to overwrite an immutable field.
	EventImmutableFieldChange SecurityEventType = "immutable_field_change"
)

// SecurityEvent is a security-relevant event in the JSON shape SIEM
// pipelines ingest.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  SecurityEventType `json:"event_type"`
	RunID      uuid.UUID         `json:"run_id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id,omitempty"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// InjectionDetails describes a command value that matched an injection pattern.
type InjectionDetails struct {
	Field       string `json:"field"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events raised while validating change commands.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor logging under the "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a command value flagged as SQL injection.
// Logged at ERROR level with "critical" severity.
//
// Example usage:
//
//	auditor.LogInjectionAttempt(runID, "Item", "42", audit.InjectionDetails{
//	    Field:       "name",
//	    Value:       "'; DROP TABLE items--",
//	    Fingerprint: "s&1c",
//	})
func (a *SecurityAuditor) LogInjectionAttempt(runID uuid.UUID, entityType, entityID string, details InjectionDetails) {
	event := SecurityEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  EventSQLInjectionAttempt,
		RunID:      runID,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Severity:   "critical",
	}

	// Marshaling known types does not fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("run_id", runID.String()),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("field", details.Field),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogImmutableFieldChange records an attempt to change a field that may only be set on create.
// Logged at WARN level, these are usually client bugs rather than attacks.
func (a *SecurityAuditor) LogImmutableFieldChange(runID uuid.UUID, entityType, entityID, field string) {
	event := SecurityEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  EventImmutableFieldChange,
		RunID:      runID,
		EntityType: entityType,
		EntityID:   entityID,
		Details: map[string]string{
			"field": field,
		},
		Severity: "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Immutable field change rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("run_id", runID.String()),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("field", field),
		zap.String("severity", "warning"),
	)
}

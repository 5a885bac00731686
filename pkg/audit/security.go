// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant data access events in structured JSON format for
// easy parsing and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
)

// maxLoggedValue bounds how much of a rejected input is kept in the event.
const maxLoggedValue = 200

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags free-text input.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventParameterValidation is logged when an identifier or parameter is rejected.
	EventParameterValidation SecurityEventType = "parameter_validation_failure"
	// EventDataModification is logged for every insert, update and soft delete.
	EventDataModification SecurityEventType = "data_modification"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	Database  string            `json:"database"`
	Table     string            `json:"table,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of a detected SQL injection attempt.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// ModificationDetails describes one write.
type ModificationDetails struct {
	Operation string `json:"operation"` // create, update, delete
	RecordID  string `json:"record_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type actorKey struct{}

// WithActor records who is acting in ctx. The actor shows up in every event
// logged with that context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a detected SQL injection attempt with full context.
// This is logged at ERROR level with "critical" severity for immediate alerting.
//
// Example usage:
//
//	auditor.LogInjectionAttempt(ctx, "primary", "users",
//	    audit.SQLInjectionDetails{
//	        ParamName:   "search",
//	        ParamValue:  "'; DROP TABLE users--",
//	        Fingerprint: "s&1c",
//	    })
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, database, table string, details SQLInjectionDetails) {
	details.ParamValue = logging.TruncateString(details.ParamValue, maxLoggedValue)
	event := a.event(ctx, EventSQLInjectionAttempt, database, table, details, "critical")

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", event.json()),
		zap.String("database", database),
		zap.String("table", table),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("actor", event.Actor),
		zap.String("severity", event.Severity),
	)
}

// LogParameterValidation records a rejected identifier or parameter.
// This is logged at WARN level as these are typically programming errors, not attacks.
func (a *SecurityAuditor) LogParameterValidation(ctx context.Context, database, table, errorMessage string) {
	event := a.event(ctx, EventParameterValidation, database, table, map[string]string{
		"error": errorMessage,
	}, "warning")

	a.logger.Warn("Parameter validation failed",
		zap.String("event_json", event.json()),
		zap.String("database", database),
		zap.String("table", table),
		zap.String("error", errorMessage),
		zap.String("actor", event.Actor),
		zap.String("severity", event.Severity),
	)
}

// LogModification records a write. Successful writes log at INFO, failed
// ones at WARN.
func (a *SecurityAuditor) LogModification(ctx context.Context, database, table string, details ModificationDetails) {
	severity := "info"
	if !details.Success {
		severity = "warning"
		details.Error = logging.SanitizeConnectionString(details.Error)
	}
	event := a.event(ctx, EventDataModification, database, table, details, severity)

	fields := []zap.Field{
		zap.String("event_json", event.json()),
		zap.String("database", database),
		zap.String("table", table),
		zap.String("operation", details.Operation),
		zap.String("record_id", details.RecordID),
		zap.String("actor", event.Actor),
		zap.String("severity", severity),
	}
	if details.Success {
		a.logger.Info("Data modified", fields...)
		return
	}
	a.logger.Warn("Data modification failed", append(fields, zap.String("error", details.Error))...)
}

func (a *SecurityAuditor) event(ctx context.Context, typ SecurityEventType, database, table string, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: typ,
		Database:  database,
		Table:     table,
		Actor:     ActorFromContext(ctx),
		Details:   details,
		Severity:  severity,
	}
}

func (e SecurityEvent) json() string {
	// Marshaling these known types cannot fail.
	data, _ := json.Marshal(e)
	return string(data)
}

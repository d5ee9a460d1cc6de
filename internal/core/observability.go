package core

import (
	"context"
	"time"

	"budgetcore/pkg/domain"
)

// Logger captures the structured logging methods used by the service.
// *slog.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock supplies timestamps for audit entries and resolution stamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now returns the current time from the underlying function, or UTC now when nil.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// AuditStatus indicates whether an audited operation succeeded.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one audited service operation.
type AuditEntry struct {
	OperationID string
	Operation   string
	Entity      domain.EntityType
	Action      domain.Action
	EntityID    string
	Status      AuditStatus
	Error       string
	Duration    time.Duration
	Timestamp   time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation outcomes and latency.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// operationMeta maps audited operations to the entity and action they touch.
type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var auditedOperations = map[string]operationMeta{
	"create_parent":               {domain.EntityBudget, domain.ActionCreate},
	"update_parent":               {domain.EntityBudget, domain.ActionUpdate},
	"submit_to_bidding":           {domain.EntityBudget, domain.ActionUpdate},
	"clone_version":               {domain.EntityBudget, domain.ActionCreate},
	"materialize_as_built":        {domain.EntityBudget, domain.ActionCreate},
	"delete_version":              {domain.EntityBudget, domain.ActionDelete},
	"delete_group":                {domain.EntityBudget, domain.ActionDelete},
	"recompute_budget":            {domain.EntityBudget, domain.ActionUpdate},
	"recompute_ascending":         {domain.EntityTitle, domain.ActionUpdate},
	"request_contractual":         {domain.EntityApproval, domain.ActionCreate},
	"request_new_asbuilt_version": {domain.EntityApproval, domain.ActionCreate},
	"request_officialize":         {domain.EntityApproval, domain.ActionCreate},
	"approve":                     {domain.EntityApproval, domain.ActionUpdate},
	"reject":                      {domain.EntityApproval, domain.ActionUpdate},
	"cancel":                      {domain.EntityApproval, domain.ActionUpdate},
	"save_analysis":               {domain.EntityAnalysis, domain.ActionUpdate},
	"recompute_analysis":          {domain.EntityAnalysis, domain.ActionUpdate},
	"delete_analysis":             {domain.EntityAnalysis, domain.ActionDelete},
	"ensure_shared_price":         {domain.EntitySharedPrice, domain.ActionCreate},
	"update_shared_price":         {domain.EntitySharedPrice, domain.ActionUpdate},
	"apply_batch":                 {domain.EntityTitle, domain.ActionUpdate},
	"create_title":                {domain.EntityTitle, domain.ActionCreate},
	"update_title":                {domain.EntityTitle, domain.ActionUpdate},
	"delete_title":                {domain.EntityTitle, domain.ActionDelete},
	"create_line_item":            {domain.EntityLineItem, domain.ActionCreate},
	"update_line_item":            {domain.EntityLineItem, domain.ActionUpdate},
	"delete_line_item":            {domain.EntityLineItem, domain.ActionDelete},
	"export_version":              {domain.EntityBudget, domain.ActionCreate},
}

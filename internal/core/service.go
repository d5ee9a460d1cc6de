package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"budgetcore/internal/blob"
	"budgetcore/internal/infra/persistence/memory"
	"budgetcore/internal/unitofwork"
	"budgetcore/pkg/domain"
)

// Service coordinates the budget engines over a persistent store. Every
// mutating call runs as one unit of work: a native transaction when the
// store offers one, compensating actions otherwise.
type Service struct {
	store   domain.PersistentStore
	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	archive blob.Store
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	archive blob.Store
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:  noopLogger{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		archive: disabledArchive{},
	}
}

// WithLogger sets the service logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for audit timestamps and approval resolution.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithArchiveStore enables version archives in the given blob store.
func WithArchiveStore(store blob.Store) ServiceOption {
	return func(o *serviceOptions) {
		if store != nil {
			o.archive = store
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		store:   store,
		logger:  cfg.logger,
		clock:   cfg.clock,
		audit:   cfg.audit,
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
		archive: cfg.archive,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// run executes fn as one unit of work and reports the outcome to the
// logger, tracer, metrics and audit sinks. fn returns the id of the primary
// entity it touched.
func (s *Service) run(ctx context.Context, op string, fn func(tx domain.Transaction) (string, error)) (domain.Result, error) {
	opID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	var entityID string
	res, err := unitofwork.Run(ctx, s.store, s.logger, func(tx domain.Transaction) error {
		id, err := fn(tx)
		entityID = id
		return err
	})
	duration := time.Since(start)
	s.metrics.Observe(ctx, op, err == nil, duration)
	span.End(err)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "operation_id", opID, "error", err)
		s.recordAuditError(ctx, op, opID, entityID, err, duration)
		return res, err
	}
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", string(v.Severity), "message", v.Message)
	}
	s.logger.Debug("operation completed", "operation", op, "operation_id", opID, "entity_id", entityID, "duration", duration)
	s.recordAuditSuccess(ctx, op, opID, entityID, duration)
	return res, nil
}

// view runs fn against a read-only snapshot.
func (s *Service) view(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}

// bestEffort runs a derived-aggregate update in its own unit of work. A
// failure is logged and swallowed.
func (s *Service) bestEffort(ctx context.Context, what string, fn func(tx domain.Transaction) error) {
	if _, err := unitofwork.Run(ctx, s.store, s.logger, fn); err != nil {
		s.logger.Warn("secondary recompute failed", "step", what, "error", err)
	}
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, opID, entityID string, duration time.Duration) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		OperationID: opID,
		Operation:   op,
		Entity:      meta.entity,
		Action:      meta.action,
		EntityID:    entityID,
		Status:      AuditStatusSuccess,
		Duration:    duration,
		Timestamp:   s.clock.Now(),
	})
}

func (s *Service) recordAuditError(ctx context.Context, op, opID, entityID string, err error, duration time.Duration) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		OperationID: opID,
		Operation:   op,
		Entity:      meta.entity,
		Action:      meta.action,
		EntityID:    entityID,
		Status:      AuditStatusError,
		Error:       err.Error(),
		Duration:    duration,
		Timestamp:   s.clock.Now(),
	})
}

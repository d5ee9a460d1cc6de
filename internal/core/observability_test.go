package core

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type auditCapture struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *auditCapture) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type metricsCapture struct {
	mu    sync.Mutex
	calls []string
}

func (m *metricsCapture) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+":"+outcome(success))
}

func TestServiceReportsToObservabilitySinks(t *testing.T) {
	audit := &auditCapture{}
	metrics := &metricsCapture{}
	tracer := NewJSONTracer(nil)
	f := newFixture(t, WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer))
	ctx := context.Background()

	if _, err := f.svc.SubmitToBidding(ctx, f.parent.ID); err == nil {
		t.Fatalf("expected submit on parent to fail")
	}

	if len(audit.entries) != 2 {
		t.Fatalf("expected two audit entries, got %+v", audit.entries)
	}
	created, failed := audit.entries[0], audit.entries[1]
	if created.Operation != "create_parent" || created.Status != AuditStatusSuccess || created.Timestamp != fixedNow {
		t.Fatalf("unexpected create entry %+v", created)
	}
	if created.EntityID != f.parent.ID || created.OperationID == "" {
		t.Fatalf("create entry missing ids %+v", created)
	}
	if failed.Operation != "submit_to_bidding" || failed.Status != AuditStatusError || failed.Error == "" {
		t.Fatalf("unexpected failure entry %+v", failed)
	}
	if strings.Join(metrics.calls, ",") != "create_parent:success,submit_to_bidding:error" {
		t.Fatalf("unexpected metrics %v", metrics.calls)
	}
	spans := tracer.Entries()
	if len(spans) != 2 || spans[1].Status != "error" || spans[1].Error == "" {
		t.Fatalf("unexpected spans %+v", spans)
	}
	if f.logger.count("error", "operation failed") != 1 || f.logger.count("debug", "operation completed") != 1 {
		t.Fatalf("unexpected log entries %+v", f.logger.entries)
	}
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if expvar.Get(rec.Name()) == nil {
		t.Fatalf("recorder not published as %s", rec.Name())
	}
	ctx := context.Background()
	rec.Observe(ctx, "approve", true, 2*time.Millisecond)
	rec.Observe(ctx, "approve", false, 3*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second)

	snap := rec.Snapshot()
	if snap.DurationsMS["approve"] != 5 {
		t.Fatalf("expected 5ms total, got %v", snap.DurationsMS)
	}
	if snap.Results["approve"]["success"] != 1 || snap.Results["approve"]["error"] != 1 || len(snap.Results) != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	var decoded ExpvarMetricsSnapshot
	if err := json.Unmarshal([]byte(expvar.Get(rec.Name()).String()), &decoded); err != nil {
		t.Fatalf("decode expvar: %v", err)
	}
	if decoded.Results["approve"]["success"] != 1 {
		t.Fatalf("expvar output stale: %+v", decoded)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	f := newFixture(t, WithMetricsRecorder(rec))
	if _, err := f.svc.CreateParent(context.Background(), ParentInput{ProjectID: "PRJ-2", Name: "Annex"}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("create_parent", "success")); got != 2 {
		t.Fatalf("expected two successful create_parent, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.latency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
	if len(rec.Collectors()) != 2 {
		t.Fatalf("expected two collectors")
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestJSONTracerWritesLinesOnce(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "apply_batch")
	span.End(nil)
	span.End(ErrArchiveDisabled)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one JSON line, got %q", buf.String())
	}
	var entry JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode span: %v", err)
	}
	if entry.Operation != "apply_batch" || entry.Status != "success" || entry.Error != "" {
		t.Fatalf("unexpected span %+v", entry)
	}
	if entry.EndedAt.Before(entry.StartedAt) {
		t.Fatalf("span ended before it started")
	}
}

func TestLoggerAuditRecorder(t *testing.T) {
	logger := &captureLogger{}
	rec := LoggerAuditRecorder{Logger: logger}
	ctx := context.Background()
	rec.Record(ctx, AuditEntry{Operation: "approve", Status: AuditStatusSuccess})
	rec.Record(ctx, AuditEntry{Operation: "reject", Status: AuditStatusError, Error: "boom"})
	LoggerAuditRecorder{}.Record(ctx, AuditEntry{Operation: "noop"})

	if logger.count("info", "audit") != 1 || logger.count("warn", "audit") != 1 {
		t.Fatalf("unexpected audit logs %+v", logger.entries)
	}
	warn := logger.entries[1]
	if warn.args[len(warn.args)-2] != "error" || warn.args[len(warn.args)-1] != "boom" {
		t.Fatalf("failure entry missing error: %v", warn.args)
	}
}

func TestZapLoggerReceivesServiceLogs(t *testing.T) {
	obsCore, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(obsCore))
	svc := NewInMemoryService(nil, WithLogger(logger))
	group, err := svc.CreateParent(context.Background(), ParentInput{ProjectID: "PRJ-3", Name: "Shed"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	completed := logs.FilterMessage("operation completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["operation"] != "create_parent" || fields["entity_id"] != group.Parent.ID {
		t.Fatalf("unexpected fields %v", fields)
	}
	if completed[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected debug level, got %s", completed[0].Level)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestNewZapProductionLogger(t *testing.T) {
	if _, err := NewZapProductionLogger("loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	logger, err := NewZapProductionLogger("warn")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	logger.Info("dropped")
	if _, err := NewZapLoggerFromConfig("debug", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
	if _, err := NewZapLoggerFromConfig("", "console"); err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if NewZapLogger(nil) == nil {
		t.Fatalf("nil logger should fall back to nop")
	}
}

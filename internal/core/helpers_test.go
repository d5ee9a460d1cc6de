package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"budgetcore/internal/infra/persistence/memory"
	"budgetcore/pkg/domain"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

// fixture is a service over an in-memory store with one version group.
type fixture struct {
	svc     *Service
	store   *memory.Store
	logger  *captureLogger
	parent  domain.Budget
	version domain.Budget
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewStore(NewDefaultRulesEngine()), opts...)
}

func newFixtureWithStore(t *testing.T, store *memory.Store, opts ...ServiceOption) *fixture {
	t.Helper()
	logger := &captureLogger{}
	opts = append([]ServiceOption{WithLogger(logger), WithClock(ClockFunc(func() time.Time { return fixedNow }))}, opts...)
	svc := NewService(store, opts...)
	group, err := svc.CreateParent(context.Background(), ParentInput{
		ProjectID:     "PRJ-1",
		Name:          "Tower A",
		TaxPercent:    18,
		ProfitPercent: 10,
		CreatedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	return &fixture{svc: svc, store: store, logger: logger, parent: group.Parent, version: group.Versions[0]}
}

func (f *fixture) title(t *testing.T, budgetID, number string, parent *string) domain.Title {
	t.Helper()
	title, err := f.svc.CreateTitle(context.Background(), domain.Title{BudgetID: budgetID, ItemNumber: number, Name: "Title " + number, ParentID: parent})
	if err != nil {
		t.Fatalf("create title %s: %v", number, err)
	}
	return title
}

func (f *fixture) item(t *testing.T, title domain.Title, code string, quantity, unitPrice float64) domain.LineItem {
	t.Helper()
	item, err := f.svc.CreateLineItem(context.Background(), domain.LineItem{
		BudgetID:  title.BudgetID,
		TitleID:   title.ID,
		Code:      code,
		Unit:      "m3",
		Quantity:  quantity,
		UnitPrice: unitPrice,
	})
	if err != nil {
		t.Fatalf("create line item %s: %v", code, err)
	}
	return item
}

func (f *fixture) sharedPrice(t *testing.T, budgetID, resourceID string, kind domain.ResourceType, price float64) domain.SharedPrice {
	t.Helper()
	p, err := f.svc.EnsureSharedPrice(context.Background(), domain.SharedPrice{BudgetID: budgetID, ResourceID: resourceID, Type: kind, Price: price})
	if err != nil {
		t.Fatalf("ensure shared price %s: %v", resourceID, err)
	}
	return p
}

// concreteTree seeds one title with a concrete item priced by a material
// analysis: 10 units × (10 × 1.05 × 20) = 2100.
func (f *fixture) concreteTree(t *testing.T, budgetID string) (domain.Title, domain.LineItem) {
	t.Helper()
	title := f.title(t, budgetID, "01", nil)
	item := f.item(t, title, "01.01", 10, 0)
	f.sharedPrice(t, budgetID, "CEMENT", domain.ResourceMaterial, 20)
	if _, err := f.svc.SaveAnalysis(context.Background(), AnalysisInput{
		LineItemID: item.ID,
		Yield:      8,
		ShiftHours: 8,
		Resources:  []domain.Resource{{Type: domain.ResourceMaterial, ResourceID: "CEMENT", Quantity: 10, WastePercent: 5}},
	}); err != nil {
		t.Fatalf("save analysis: %v", err)
	}
	return title, item
}

func (f *fixture) budget(t *testing.T, id string) domain.Budget {
	t.Helper()
	b, err := f.svc.GetBudget(context.Background(), id)
	if err != nil {
		t.Fatalf("get budget %s: %v", id, err)
	}
	return b
}

func (f *fixture) lineItem(t *testing.T, id string) domain.LineItem {
	t.Helper()
	var out domain.LineItem
	err := f.store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		out, err = domain.MustGet(v.LineItems(), domain.EntityLineItem, id)
		return err
	})
	if err != nil {
		t.Fatalf("get line item %s: %v", id, err)
	}
	return out
}

func (f *fixture) titleByID(t *testing.T, id string) domain.Title {
	t.Helper()
	var out domain.Title
	err := f.store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		out, err = domain.MustGet(v.Titles(), domain.EntityTitle, id)
		return err
	})
	if err != nil {
		t.Fatalf("get title %s: %v", id, err)
	}
	return out
}

func expectValidation(t *testing.T, err error) {
	t.Helper()
	var target domain.ErrValidation
	if !errors.As(err, &target) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func expectInvalidState(t *testing.T, err error) domain.ErrInvalidState {
	t.Helper()
	var target domain.ErrInvalidState
	if !errors.As(err, &target) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	return target
}

func expectMoney(t *testing.T, what string, got, want float64) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: expected %.2f, got %.2f", what, want, got)
	}
}

func countRecords(t *testing.T, store *memory.Store) string {
	t.Helper()
	snap := store.ExportState()
	return fmt.Sprintf("budgets=%d titles=%d items=%d analyses=%d prices=%d approvals=%d",
		len(snap.Budgets), len(snap.Titles), len(snap.LineItems), len(snap.Analyses), len(snap.Prices), len(snap.Approvals))
}

type storeMode struct {
	name  string
	store func() *memory.Store
}

// storeModes covers both unit-of-work paths: native transactions and
// compensating actions.
func storeModes() []storeMode {
	return []storeMode{
		{name: "native", store: func() *memory.Store { return memory.NewStore(NewDefaultRulesEngine()) }},
		{name: "compensating", store: func() *memory.Store {
			return memory.NewStore(NewDefaultRulesEngine(), memory.WithoutTransactions())
		}},
	}
}

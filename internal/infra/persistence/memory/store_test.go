package memory

import (
	"context"
	"errors"
	"testing"

	"budgetcore/pkg/domain"
)

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	if len(changes) == 0 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "blocked"}}}, nil
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, err := tx.Budgets().Create(domain.Budget{Name: "Tower", ProjectID: "P1"})
		if err != nil {
			return err
		}
		if created.ID != "BGT0000000001" {
			t.Fatalf("expected sequential id, got %s", created.ID)
		}
		if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
			t.Fatalf("expected timestamps to be stamped")
		}
		if got := len(tx.Snapshot().Budgets().List(nil)); got != 1 {
			t.Fatalf("snapshot mismatch: %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	if len(snapshot.Budgets) != 1 || snapshot.Counters[domain.EntityBudget] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	store.ImportState(Snapshot{})
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.Budgets().List(nil)) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	})
	store.ImportState(snapshot)
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.Budgets().Get("BGT0000000001"); !ok {
			t.Fatalf("expected restored budget")
		}
		return nil
	})
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.Titles().Create(domain.Title{Name: "Earthworks"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.Titles().List(nil)) != 0 {
			t.Fatalf("expected rollback to discard title")
		}
		return nil
	})
}

func TestIdentifiersAreNeverReused(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, _ = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, _ = tx.LineItems().Create(domain.LineItem{Code: "01"})
		return errors.New("abort")
	})
	var id string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		item, err := tx.LineItems().Create(domain.LineItem{Code: "02"})
		id = item.ID
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "ITM0000000002" {
		t.Fatalf("expected aborted id to stay consumed, got %s", id)
	}
}

func TestImportRecoversCounters(t *testing.T) {
	store := NewStore(nil)
	store.ImportState(Snapshot{Titles: map[string]domain.Title{
		"TTL0000000041": {Base: domain.Base{ID: "TTL0000000041"}},
	}})
	var created domain.Title
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.Titles().Create(domain.Title{Name: "next"})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "TTL0000000042" {
		t.Fatalf("expected counter recovered from ids, got %s", created.ID)
	}
}

func TestUniqueIndexes(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.Analyses().Create(domain.Analysis{LineItemID: "ITM1"}); err != nil {
			return err
		}
		_, err := tx.Analyses().Create(domain.Analysis{LineItemID: "ITM1"})
		return err
	})
	if !domain.IsDuplicateKey(err) {
		t.Fatalf("expected duplicate analysis to fail, got %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.SharedPrices().Create(domain.SharedPrice{BudgetID: "B1", ResourceID: "cement"}); err != nil {
			return err
		}
		if _, err := tx.SharedPrices().Create(domain.SharedPrice{BudgetID: "B2", ResourceID: "cement"}); err != nil {
			return err
		}
		_, err := tx.SharedPrices().Create(domain.SharedPrice{BudgetID: "B1", ResourceID: "cement"})
		return err
	})
	var dup domain.ErrDuplicateKey
	if !errors.As(err, &dup) || dup.Index != "budget_resource" {
		t.Fatalf("expected budget_resource duplicate, got %v", err)
	}
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Budgets().Update("BGT404", func(*domain.Budget) error { return nil })
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.Approvals().Delete("APR404")
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}

func TestUpdateKeepsIdentityAndCopies(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	var analysisID string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		a, err := tx.Analyses().Create(domain.Analysis{LineItemID: "ITM1", Resources: []domain.Resource{{ID: "RES1", Quantity: 1}}})
		if err != nil {
			return err
		}
		analysisID = a.ID
		a.Resources[0].Quantity = 99 // mutating the returned copy must not leak into state
		updated, err := tx.Analyses().Update(a.ID, func(cur *domain.Analysis) error {
			cur.ID = "hijack"
			cur.Yield = 4
			return nil
		})
		if err != nil {
			return err
		}
		if updated.ID != a.ID {
			t.Fatalf("expected update to keep id, got %s", updated.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		a, _ := v.Analyses().Get(analysisID)
		if a.Resources[0].Quantity != 1 || a.Yield != 4 {
			t.Fatalf("unexpected stored analysis: %+v", a)
		}
		return nil
	})
}

func TestStoreRuleViolation(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockingRule{})
	store := NewStore(engine)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.Budgets().Create(domain.Budget{Name: "Fail"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.Budgets().List(nil)) != 0 {
			t.Fatalf("blocked transaction must not commit")
		}
		return nil
	})
}

func TestWithoutTransactionsUsesDirectMode(t *testing.T) {
	store := NewStore(nil, WithoutTransactions())
	ctx := context.Background()
	called := false
	_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrTransactionsUnsupported) || called {
		t.Fatalf("expected unsupported without calling fn, got %v called=%v", err, called)
	}
	if store.SupportsTransactions() {
		t.Fatalf("expected transactions disabled")
	}
	_, err = store.RunDirect(ctx, func(tx domain.Transaction) error {
		if _, err := tx.Budgets().Create(domain.Budget{Name: "direct"}); err != nil {
			return err
		}
		return errors.New("late failure")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.Budgets().List(nil)) != 1 {
			t.Fatalf("direct mode applies writes immediately")
		}
		return nil
	})
}

func TestListFiltersAndSortsByID(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, code := range []string{"c", "a", "b"} {
			if _, err := tx.LineItems().Create(domain.LineItem{Code: code, TitleID: "T1"}); err != nil {
				return err
			}
		}
		_, err := tx.LineItems().Create(domain.LineItem{Code: "z", TitleID: "T2"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		items := v.LineItems().List(func(i domain.LineItem) bool { return i.TitleID == "T1" })
		if len(items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(items))
		}
		if items[0].Code != "c" || items[2].Code != "b" {
			t.Fatalf("expected creation order, got %s..%s", items[0].Code, items[2].Code)
		}
		return nil
	})
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"budgetcore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		budget, e := tx.Budgets().Create(domain.Budget{Name: "Persist", ProjectID: "P1"})
		if e != nil {
			return e
		}
		_, e = tx.Titles().Create(domain.Title{BudgetID: budget.ID, ItemNumber: "01", Name: "Works"})
		return e
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	err = reloaded.View(context.Background(), func(v domain.TransactionView) error {
		if got := len(v.Budgets().List(nil)); got != 1 {
			t.Fatalf("expected 1 budget, got %d", got)
		}
		if got := len(v.Titles().List(nil)); got != 1 {
			t.Fatalf("expected 1 title, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	var next domain.Budget
	if _, err := reloaded.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var e error
		next, e = tx.Budgets().Create(domain.Budget{Name: "Second"})
		return e
	}); err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if next.ID != "BGT0000000002" {
		t.Fatalf("expected persisted counter, got %s", next.ID)
	}
	if reloaded.Path() != path {
		t.Fatalf("unexpected path %s", reloaded.Path())
	}
}

func TestSQLiteStoreSkipsPersistOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	boom := errors.New("boom")
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _ = tx.Budgets().Create(domain.Budget{Name: "Ghost"})
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing persisted, got %d buckets", count)
	}
}

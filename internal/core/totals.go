package core

import (
	"context"
	"fmt"

	"budgetcore/pkg/domain"
)

// MaxTreeDepth bounds every title walk. Deeper trees are treated as corrupt.
const MaxTreeDepth = 64

// RecomputeAscending refreshes the total of titleID and every ancestor up to
// the root, then the budget summary. budgetID may be empty, in which case the
// title's own budget is used.
func (s *Service) RecomputeAscending(ctx context.Context, titleID, budgetID string) (domain.Budget, error) {
	var budget domain.Budget
	_, err := s.run(ctx, "recompute_ascending", func(tx domain.Transaction) (string, error) {
		if err := recomputeAscending(tx, titleID, budgetID); err != nil {
			return titleID, err
		}
		title, err := domain.MustGet(tx.Titles(), domain.EntityTitle, titleID)
		if err != nil {
			return titleID, err
		}
		budget, err = domain.MustGet(tx.Budgets(), domain.EntityBudget, title.BudgetID)
		return titleID, err
	})
	return budget, err
}

// RecomputeBudget recomputes every title of the budget bottom-up and then
// the budget summary.
func (s *Service) RecomputeBudget(ctx context.Context, budgetID string) (domain.Budget, error) {
	var budget domain.Budget
	_, err := s.run(ctx, "recompute_budget", func(tx domain.Transaction) (string, error) {
		if err := recomputeBudgetTree(tx, budgetID); err != nil {
			return budgetID, err
		}
		var err error
		budget, err = domain.MustGet(tx.Budgets(), domain.EntityBudget, budgetID)
		return budgetID, err
	})
	return budget, err
}

func cycleError(titleID string) error {
	return domain.NewIntegrityError(domain.EntityTitle, titleID, domain.ErrCycleDetected,
		fmt.Sprintf("title %s revisited while walking parents", titleID))
}

func depthError(titleID string) error {
	return domain.NewIntegrityError(domain.EntityTitle, titleID, nil,
		fmt.Sprintf("title tree deeper than %d levels", MaxTreeDepth))
}

// recomputeAscending climbs from titleID to the root with a visited set.
func recomputeAscending(tx domain.Transaction, titleID, budgetID string) error {
	visited := make(map[string]struct{})
	cur := titleID
	for depth := 0; ; depth++ {
		if depth >= MaxTreeDepth {
			return depthError(cur)
		}
		if _, seen := visited[cur]; seen {
			return cycleError(cur)
		}
		visited[cur] = struct{}{}
		title, err := domain.MustGet(tx.Titles(), domain.EntityTitle, cur)
		if err != nil {
			return err
		}
		if budgetID == "" {
			budgetID = title.BudgetID
		}
		if title.BudgetID != budgetID {
			return domain.NewIntegrityError(domain.EntityTitle, title.ID, nil,
				fmt.Sprintf("title belongs to budget %s, not %s", title.BudgetID, budgetID))
		}
		if err := refreshTitleTotal(tx, title); err != nil {
			return err
		}
		if title.ParentID == nil || *title.ParentID == "" {
			break
		}
		cur = *title.ParentID
	}
	return recomputeBudgetSummary(tx, budgetID)
}

// titleTotal sums direct child items (excluding sub-items) and child titles.
func titleTotal(view domain.TransactionView, titleID string) float64 {
	items := view.LineItems().List(func(i domain.LineItem) bool {
		return i.TitleID == titleID && i.ParentItemID == nil
	})
	children := view.Titles().List(func(t domain.Title) bool {
		return t.ParentID != nil && *t.ParentID == titleID
	})
	values := make([]float64, 0, len(items)+len(children))
	for _, i := range items {
		values = append(values, i.Parcial)
	}
	for _, c := range children {
		values = append(values, c.TotalParcial)
	}
	return domain.SumOf(values, func(v float64) float64 { return v })
}

func refreshTitleTotal(tx domain.Transaction, title domain.Title) error {
	total := titleTotal(tx.Snapshot(), title.ID)
	if total == title.TotalParcial {
		return nil
	}
	_, err := tx.Titles().Update(title.ID, func(t *domain.Title) error {
		t.TotalParcial = total
		return nil
	})
	return err
}

// budgetFigures derives the summary of a budget from its parcial.
func budgetFigures(parcial, taxPercent, profitPercent float64) (tax, profit, total float64) {
	tax = domain.PercentOf(parcial, taxPercent)
	profit = domain.PercentOf(parcial, profitPercent)
	total = domain.SumOf([]float64{parcial, tax, profit}, func(v float64) float64 { return v })
	return tax, profit, total
}

func recomputeBudgetSummary(tx domain.Transaction, budgetID string) error {
	budget, err := domain.MustGet(tx.Budgets(), domain.EntityBudget, budgetID)
	if err != nil {
		return err
	}
	if budget.IsParent {
		return nil
	}
	roots := tx.Titles().List(func(t domain.Title) bool {
		return t.BudgetID == budgetID && t.ParentID == nil
	})
	parcial := domain.SumOf(roots, func(t domain.Title) float64 { return t.TotalParcial })
	tax, profit, total := budgetFigures(parcial, budget.TaxPercent, budget.ProfitPercent)
	if budget.Parcial == parcial && budget.DirectCost == parcial && budget.Tax == tax && budget.Profit == profit && budget.Total == total {
		return nil
	}
	_, err = tx.Budgets().Update(budgetID, func(b *domain.Budget) error {
		b.DirectCost = parcial
		b.Parcial = parcial
		b.Tax = tax
		b.Profit = profit
		b.Total = total
		return nil
	})
	return err
}

// orderTitles returns the titles of a budget parent-first, failing on
// dangling parents, cycles and trees deeper than MaxTreeDepth.
func orderTitles(titles []domain.Title) ([]domain.Title, error) {
	byID := make(map[string]domain.Title, len(titles))
	children := make(map[string][]domain.Title)
	var roots []domain.Title
	for _, t := range titles {
		byID[t.ID] = t
	}
	for _, t := range titles {
		if t.ParentID == nil {
			roots = append(roots, t)
			continue
		}
		if _, ok := byID[*t.ParentID]; !ok {
			return nil, domain.NewIntegrityError(domain.EntityTitle, t.ID, nil,
				fmt.Sprintf("title %s references missing parent %s", t.ID, *t.ParentID))
		}
		children[*t.ParentID] = append(children[*t.ParentID], t)
	}

	type frame struct {
		title domain.Title
		depth int
	}
	ordered := make([]domain.Title, 0, len(titles))
	queue := make([]frame, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, frame{title: r, depth: 1})
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.depth > MaxTreeDepth {
			return nil, depthError(f.title.ID)
		}
		ordered = append(ordered, f.title)
		for _, c := range children[f.title.ID] {
			queue = append(queue, frame{title: c, depth: f.depth + 1})
		}
	}
	if len(ordered) != len(titles) {
		// Titles unreachable from any root sit on a parent cycle.
		reached := make(map[string]struct{}, len(ordered))
		for _, t := range ordered {
			reached[t.ID] = struct{}{}
		}
		for _, t := range titles {
			if _, ok := reached[t.ID]; !ok {
				return nil, cycleError(t.ID)
			}
		}
	}
	return ordered, nil
}

// recomputeBudgetTree refreshes every title of the budget children-first.
func recomputeBudgetTree(tx domain.Transaction, budgetID string) error {
	if _, err := domain.MustGet(tx.Budgets(), domain.EntityBudget, budgetID); err != nil {
		return err
	}
	titles := tx.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID })
	ordered, err := orderTitles(titles)
	if err != nil {
		return err
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		current, ok := tx.Titles().Get(ordered[i].ID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityTitle, ID: ordered[i].ID}
		}
		if err := refreshTitleTotal(tx, current); err != nil {
			return err
		}
	}
	return recomputeBudgetSummary(tx, budgetID)
}

// recomputeTitles runs one ascending recompute per distinct title.
func recomputeTitles(tx domain.Transaction, budgetID string, titleIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(titleIDs))
	done := make([]string, 0, len(titleIDs))
	for _, id := range titleIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := tx.Titles().Get(id); !ok {
			continue
		}
		if err := recomputeAscending(tx, id, budgetID); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

package core

import (
	"context"
	"fmt"
	"sort"

	"budgetcore/pkg/domain"
)

// TitlePatch lists title fields to change; nil fields stay as they are.
// ParentID pointing at "" moves the title to the root.
type TitlePatch struct {
	Name       *string
	ItemNumber *string
	Order      *int
	ParentID   *string
}

// LineItemPatch lists line item fields to change; nil fields stay as they
// are. ParentItemID pointing at "" detaches a sub-item.
type LineItemPatch struct {
	TitleID      *string
	ParentItemID *string
	Code         *string
	Description  *string
	Unit         *string
	Order        *int
	Quantity     *float64
	UnitPrice    *float64
}

// TitleNode is one title with its items and child titles, in display order.
type TitleNode struct {
	Title    domain.Title
	Items    []*ItemNode
	Children []*TitleNode
}

// ItemNode is a line item with its analysis and nested sub-items.
type ItemNode struct {
	Item     domain.LineItem
	Analysis *domain.Analysis
	SubItems []*ItemNode
}

// BudgetTree is the full work breakdown of one budget version.
type BudgetTree struct {
	Budget domain.Budget
	Titles []*TitleNode
}

// CreateTitle adds a title to a budget version.
func (s *Service) CreateTitle(ctx context.Context, title domain.Title) (domain.Title, error) {
	var created domain.Title
	_, err := s.run(ctx, "create_title", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = createTitle(tx, title)
		return created.ID, err
	})
	if err != nil {
		return domain.Title{}, err
	}
	s.refreshTitle(ctx, created.ID, created.BudgetID)
	return created, nil
}

// UpdateTitle applies patch to a title. Moving a title recomputes both the
// old and the new branch.
func (s *Service) UpdateTitle(ctx context.Context, id string, patch TitlePatch) (domain.Title, error) {
	var before, updated domain.Title
	_, err := s.run(ctx, "update_title", func(tx domain.Transaction) (string, error) {
		var err error
		before, err = domain.MustGet(tx.Titles(), domain.EntityTitle, id)
		if err != nil {
			return id, err
		}
		updated, err = updateTitle(tx, id, patch)
		return id, err
	})
	if err != nil {
		return domain.Title{}, err
	}
	if domain.Deref(before.ParentID) != domain.Deref(updated.ParentID) && before.ParentID != nil {
		s.refreshTitle(ctx, *before.ParentID, before.BudgetID)
	}
	s.refreshTitle(ctx, updated.ID, updated.BudgetID)
	return updated, nil
}

// DeleteTitle removes a title with its descendant titles, their line items,
// sub-items and analyses.
func (s *Service) DeleteTitle(ctx context.Context, id string) error {
	var removed cascadeResult
	_, err := s.run(ctx, "delete_title", func(tx domain.Transaction) (string, error) {
		var err error
		removed, err = deleteTitleCascade(tx, id)
		return id, err
	})
	if err != nil {
		return err
	}
	s.refreshAfterCascade(ctx, removed)
	return nil
}

// CreateLineItem adds a line item under a title.
func (s *Service) CreateLineItem(ctx context.Context, item domain.LineItem) (domain.LineItem, error) {
	var created domain.LineItem
	_, err := s.run(ctx, "create_line_item", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = createLineItem(tx, item)
		return created.ID, err
	})
	if err != nil {
		return domain.LineItem{}, err
	}
	s.refreshTitle(ctx, created.TitleID, created.BudgetID)
	return created, nil
}

// UpdateLineItem applies patch and keeps parcial = round(quantity × unit price, 2).
func (s *Service) UpdateLineItem(ctx context.Context, id string, patch LineItemPatch) (domain.LineItem, error) {
	var before, updated domain.LineItem
	_, err := s.run(ctx, "update_line_item", func(tx domain.Transaction) (string, error) {
		var err error
		before, err = domain.MustGet(tx.LineItems(), domain.EntityLineItem, id)
		if err != nil {
			return id, err
		}
		updated, err = updateLineItem(tx, id, patch)
		return id, err
	})
	if err != nil {
		return domain.LineItem{}, err
	}
	if before.TitleID != updated.TitleID {
		s.refreshTitle(ctx, before.TitleID, before.BudgetID)
	}
	s.refreshTitle(ctx, updated.TitleID, updated.BudgetID)
	return updated, nil
}

// DeleteLineItem removes a line item, its nested sub-items and their analyses.
func (s *Service) DeleteLineItem(ctx context.Context, id string) error {
	var removed cascadeResult
	_, err := s.run(ctx, "delete_line_item", func(tx domain.Transaction) (string, error) {
		var err error
		removed, err = deleteLineItemCascade(tx, id)
		return id, err
	})
	if err != nil {
		return err
	}
	s.refreshAfterCascade(ctx, removed)
	return nil
}

// GetBudget returns one budget record.
func (s *Service) GetBudget(ctx context.Context, id string) (domain.Budget, error) {
	var out domain.Budget
	err := s.view(ctx, func(v domain.TransactionView) error {
		var err error
		out, err = domain.MustGet(v.Budgets(), domain.EntityBudget, id)
		return err
	})
	return out, err
}

// ListTitles returns the titles of a budget ordered by Order then ID.
func (s *Service) ListTitles(ctx context.Context, budgetID string) ([]domain.Title, error) {
	var out []domain.Title
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID })
		sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
		return nil
	})
	return out, err
}

// ListLineItems returns the line items of a title ordered by Order then ID.
func (s *Service) ListLineItems(ctx context.Context, titleID string) ([]domain.LineItem, error) {
	var out []domain.LineItem
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.LineItems().List(func(i domain.LineItem) bool { return i.TitleID == titleID })
		sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
		return nil
	})
	return out, err
}

// Tree assembles the full title/item hierarchy of a budget version.
func (s *Service) Tree(ctx context.Context, budgetID string) (BudgetTree, error) {
	var tree BudgetTree
	err := s.view(ctx, func(v domain.TransactionView) error {
		budget, err := domain.MustGet(v.Budgets(), domain.EntityBudget, budgetID)
		if err != nil {
			return err
		}
		titles, err := orderTitles(v.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID }))
		if err != nil {
			return err
		}
		tree.Budget = budget
		titleNodes := make(map[string]*TitleNode, len(titles))
		for _, t := range titles {
			node := &TitleNode{Title: t}
			titleNodes[t.ID] = node
			if t.ParentID == nil {
				tree.Titles = append(tree.Titles, node)
				continue
			}
			parent := titleNodes[*t.ParentID]
			parent.Children = append(parent.Children, node)
		}

		analyses := make(map[string]domain.Analysis)
		for _, a := range v.Analyses().List(func(a domain.Analysis) bool { return a.BudgetID == budgetID }) {
			if _, dup := analyses[a.LineItemID]; !dup {
				analyses[a.LineItemID] = a
			}
		}
		items := v.LineItems().List(func(i domain.LineItem) bool { return i.BudgetID == budgetID })
		itemNodes := make(map[string]*ItemNode, len(items))
		for _, i := range items {
			node := &ItemNode{Item: i}
			if a, ok := analyses[i.ID]; ok {
				node.Analysis = &a
			}
			itemNodes[i.ID] = node
		}
		for _, i := range items {
			node := itemNodes[i.ID]
			if i.ParentItemID != nil {
				if parent, ok := itemNodes[*i.ParentItemID]; ok {
					parent.SubItems = append(parent.SubItems, node)
					continue
				}
			}
			if title, ok := titleNodes[i.TitleID]; ok {
				title.Items = append(title.Items, node)
			}
		}
		sortTitleNodes(tree.Titles)
		return nil
	})
	return tree, err
}

func sortTitleNodes(nodes []*TitleNode) {
	stack := [][]*TitleNode{nodes}
	for len(stack) > 0 {
		level := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sort.SliceStable(level, func(i, j int) bool { return level[i].Title.Order < level[j].Title.Order })
		for _, n := range level {
			sortItemNodes(n.Items)
			stack = append(stack, n.Children)
		}
	}
}

func sortItemNodes(nodes []*ItemNode) {
	stack := [][]*ItemNode{nodes}
	for len(stack) > 0 {
		level := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sort.SliceStable(level, func(i, j int) bool { return level[i].Item.Order < level[j].Item.Order })
		for _, n := range level {
			stack = append(stack, n.SubItems)
		}
	}
}

// editableBudget loads a budget version that may receive tree edits.
func editableBudget(view domain.TransactionView, budgetID string) (domain.Budget, error) {
	budget, err := domain.MustGet(view.Budgets(), domain.EntityBudget, budgetID)
	if err != nil {
		return domain.Budget{}, err
	}
	if budget.IsParent {
		return domain.Budget{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "budget_id", Message: "the group parent holds no tree"}
	}
	return budget, nil
}

func checkItemNumberUnique(view domain.TransactionView, budgetID, itemNumber, selfID string) error {
	if itemNumber == "" {
		return nil
	}
	clash := view.Titles().List(func(t domain.Title) bool {
		return t.BudgetID == budgetID && t.ItemNumber == itemNumber && t.ID != selfID
	})
	if len(clash) > 0 {
		return domain.ErrValidation{Entity: domain.EntityTitle, Field: "item_number",
			Message: fmt.Sprintf("item number %q already used by title %s", itemNumber, clash[0].ID)}
	}
	return nil
}

func checkCodeUnique(view domain.TransactionView, budgetID, code, selfID string) error {
	if code == "" {
		return nil
	}
	clash := view.LineItems().List(func(i domain.LineItem) bool {
		return i.BudgetID == budgetID && i.Code == code && i.ID != selfID
	})
	if len(clash) > 0 {
		return domain.ErrValidation{Entity: domain.EntityLineItem, Field: "code",
			Message: fmt.Sprintf("code %q already used by line item %s", code, clash[0].ID)}
	}
	return nil
}

// checkTitleParent verifies parentID exists in the budget and that hanging
// selfID under it forms no cycle.
func checkTitleParent(view domain.TransactionView, budgetID, parentID, selfID string) error {
	visited := make(map[string]struct{})
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if depth >= MaxTreeDepth {
			return depthError(cur)
		}
		if cur == selfID {
			return domain.ErrValidation{Entity: domain.EntityTitle, Field: "parent_id",
				Message: fmt.Sprintf("moving title %s under %s would create a cycle", selfID, parentID)}
		}
		if _, seen := visited[cur]; seen {
			return cycleError(cur)
		}
		visited[cur] = struct{}{}
		parent, ok := view.Titles().Get(cur)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityTitle, ID: cur}
		}
		if parent.BudgetID != budgetID {
			return domain.ErrValidation{Entity: domain.EntityTitle, Field: "parent_id",
				Message: fmt.Sprintf("parent title %s belongs to budget %s", cur, parent.BudgetID)}
		}
		cur = domain.Deref(parent.ParentID)
	}
	return nil
}

func createTitle(tx domain.Transaction, title domain.Title) (domain.Title, error) {
	view := tx.Snapshot()
	budget, err := editableBudget(view, title.BudgetID)
	if err != nil {
		return domain.Title{}, err
	}
	if title.ParentID != nil && *title.ParentID == "" {
		title.ParentID = nil
	}
	if title.ParentID != nil {
		if err := checkTitleParent(view, title.BudgetID, *title.ParentID, ""); err != nil {
			return domain.Title{}, err
		}
	}
	if err := checkItemNumberUnique(view, title.BudgetID, title.ItemNumber, ""); err != nil {
		return domain.Title{}, err
	}
	title.ID = ""
	title.ProjectID = budget.ProjectID
	title.TotalParcial = 0
	return tx.Titles().Create(title)
}

func updateTitle(tx domain.Transaction, id string, patch TitlePatch) (domain.Title, error) {
	view := tx.Snapshot()
	current, err := domain.MustGet(view.Titles(), domain.EntityTitle, id)
	if err != nil {
		return domain.Title{}, err
	}
	if patch.ItemNumber != nil {
		if err := checkItemNumberUnique(view, current.BudgetID, *patch.ItemNumber, id); err != nil {
			return domain.Title{}, err
		}
	}
	if patch.ParentID != nil && *patch.ParentID != "" {
		if err := checkTitleParent(view, current.BudgetID, *patch.ParentID, id); err != nil {
			return domain.Title{}, err
		}
	}
	return tx.Titles().Update(id, func(t *domain.Title) error {
		if patch.Name != nil {
			t.Name = *patch.Name
		}
		if patch.ItemNumber != nil {
			t.ItemNumber = *patch.ItemNumber
		}
		if patch.Order != nil {
			t.Order = *patch.Order
		}
		if patch.ParentID != nil {
			if *patch.ParentID == "" {
				t.ParentID = nil
			} else {
				t.ParentID = domain.StringPtr(*patch.ParentID)
			}
		}
		return nil
	})
}

func checkItemParent(view domain.TransactionView, item domain.LineItem, parentID string) error {
	visited := map[string]struct{}{}
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if depth >= MaxTreeDepth {
			return domain.NewIntegrityError(domain.EntityLineItem, cur, nil, fmt.Sprintf("sub-item chain deeper than %d", MaxTreeDepth))
		}
		if cur == item.ID {
			return domain.ErrValidation{Entity: domain.EntityLineItem, Field: "parent_item_id",
				Message: fmt.Sprintf("line item %s cannot nest under its own sub-item", item.ID)}
		}
		if _, seen := visited[cur]; seen {
			return domain.NewIntegrityError(domain.EntityLineItem, cur, domain.ErrCycleDetected, "sub-item chain loops")
		}
		visited[cur] = struct{}{}
		parent, ok := view.LineItems().Get(cur)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityLineItem, ID: cur}
		}
		if parent.BudgetID != item.BudgetID {
			return domain.ErrValidation{Entity: domain.EntityLineItem, Field: "parent_item_id",
				Message: fmt.Sprintf("parent item %s belongs to budget %s", cur, parent.BudgetID)}
		}
		cur = domain.Deref(parent.ParentItemID)
	}
	return nil
}

func createLineItem(tx domain.Transaction, item domain.LineItem) (domain.LineItem, error) {
	view := tx.Snapshot()
	budget, err := editableBudget(view, item.BudgetID)
	if err != nil {
		return domain.LineItem{}, err
	}
	title, err := domain.MustGet(view.Titles(), domain.EntityTitle, item.TitleID)
	if err != nil {
		return domain.LineItem{}, err
	}
	if title.BudgetID != item.BudgetID {
		return domain.LineItem{}, domain.ErrValidation{Entity: domain.EntityLineItem, Field: "title_id",
			Message: fmt.Sprintf("title %s belongs to budget %s", title.ID, title.BudgetID)}
	}
	if item.ParentItemID != nil && *item.ParentItemID == "" {
		item.ParentItemID = nil
	}
	if item.ParentItemID != nil {
		if err := checkItemParent(view, item, *item.ParentItemID); err != nil {
			return domain.LineItem{}, err
		}
	}
	if err := checkCodeUnique(view, item.BudgetID, item.Code, ""); err != nil {
		return domain.LineItem{}, err
	}
	item.ID = ""
	item.ProjectID = budget.ProjectID
	item.Parcial = domain.Extend(item.Quantity, item.UnitPrice)
	return tx.LineItems().Create(item)
}

func updateLineItem(tx domain.Transaction, id string, patch LineItemPatch) (domain.LineItem, error) {
	view := tx.Snapshot()
	current, err := domain.MustGet(view.LineItems(), domain.EntityLineItem, id)
	if err != nil {
		return domain.LineItem{}, err
	}
	analyses := view.Analyses().List(func(a domain.Analysis) bool { return a.LineItemID == id })
	if patch.UnitPrice != nil && len(analyses) > 0 && *patch.UnitPrice != current.UnitPrice {
		return domain.LineItem{}, domain.ErrValidation{Entity: domain.EntityLineItem, Field: "unit_price",
			Message: "unit price is derived from the line item's analysis"}
	}
	if patch.TitleID != nil && *patch.TitleID != current.TitleID {
		title, err := domain.MustGet(view.Titles(), domain.EntityTitle, *patch.TitleID)
		if err != nil {
			return domain.LineItem{}, err
		}
		if title.BudgetID != current.BudgetID {
			return domain.LineItem{}, domain.ErrValidation{Entity: domain.EntityLineItem, Field: "title_id",
				Message: fmt.Sprintf("title %s belongs to budget %s", title.ID, title.BudgetID)}
		}
	}
	if patch.ParentItemID != nil && *patch.ParentItemID != "" {
		if err := checkItemParent(view, current, *patch.ParentItemID); err != nil {
			return domain.LineItem{}, err
		}
	}
	if patch.Code != nil {
		if err := checkCodeUnique(view, current.BudgetID, *patch.Code, id); err != nil {
			return domain.LineItem{}, err
		}
	}
	return tx.LineItems().Update(id, func(li *domain.LineItem) error {
		if patch.TitleID != nil {
			li.TitleID = *patch.TitleID
		}
		if patch.ParentItemID != nil {
			if *patch.ParentItemID == "" {
				li.ParentItemID = nil
			} else {
				li.ParentItemID = domain.StringPtr(*patch.ParentItemID)
			}
		}
		if patch.Code != nil {
			li.Code = *patch.Code
		}
		if patch.Description != nil {
			li.Description = *patch.Description
		}
		if patch.Unit != nil {
			li.Unit = *patch.Unit
		}
		if patch.Order != nil {
			li.Order = *patch.Order
		}
		if patch.Quantity != nil {
			li.Quantity = *patch.Quantity
		}
		if patch.UnitPrice != nil {
			li.UnitPrice = *patch.UnitPrice
		}
		li.Parcial = domain.Extend(li.Quantity, li.UnitPrice)
		return nil
	})
}

// cascadeResult records what a cascading delete removed and which titles
// need their totals refreshed.
type cascadeResult struct {
	budgetID  string
	titles    []string
	items     []string
	analyses  []string
	refreshed []string
}

func (s *Service) refreshAfterCascade(ctx context.Context, removed cascadeResult) {
	if len(removed.refreshed) == 0 {
		if removed.budgetID == "" {
			return
		}
		s.bestEffort(ctx, "recompute_budget "+removed.budgetID, func(tx domain.Transaction) error {
			return recomputeBudgetSummary(tx, removed.budgetID)
		})
		return
	}
	s.bestEffort(ctx, "recompute_after_delete", func(tx domain.Transaction) error {
		_, err := recomputeTitles(tx, removed.budgetID, removed.refreshed)
		return err
	})
}

// deleteTitleCascade removes a title subtree with an explicit stack.
func deleteTitleCascade(tx domain.Transaction, id string) (cascadeResult, error) {
	root, err := domain.MustGet(tx.Titles(), domain.EntityTitle, id)
	if err != nil {
		return cascadeResult{}, err
	}
	result := cascadeResult{budgetID: root.BudgetID}
	visited := map[string]struct{}{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur]; seen {
			return cascadeResult{}, cycleError(cur)
		}
		visited[cur] = struct{}{}
		result.titles = append(result.titles, cur)
		for _, child := range tx.Titles().List(func(t domain.Title) bool { return t.ParentID != nil && *t.ParentID == cur }) {
			stack = append(stack, child.ID)
		}
	}
	titleSet := toSet(result.titles...)
	items := tx.LineItems().List(func(i domain.LineItem) bool {
		_, ok := titleSet[i.TitleID]
		return ok
	})
	for _, it := range items {
		result.items = append(result.items, it.ID)
	}
	if err := collectSubItems(tx, &result); err != nil {
		return cascadeResult{}, err
	}
	if err := removeItems(tx, &result); err != nil {
		return cascadeResult{}, err
	}
	// Children first so no title is ever left pointing at a deleted parent.
	for i := len(result.titles) - 1; i >= 0; i-- {
		if err := tx.Titles().Delete(result.titles[i]); err != nil {
			return cascadeResult{}, err
		}
	}
	if root.ParentID != nil {
		result.refreshed = append(result.refreshed, *root.ParentID)
	}
	result.refreshed = dropDeleted(result.refreshed, titleSet)
	return result, nil
}

// deleteLineItemCascade removes an item with every nested sub-item.
func deleteLineItemCascade(tx domain.Transaction, id string) (cascadeResult, error) {
	item, err := domain.MustGet(tx.LineItems(), domain.EntityLineItem, id)
	if err != nil {
		return cascadeResult{}, err
	}
	result := cascadeResult{budgetID: item.BudgetID, items: []string{id}, refreshed: []string{item.TitleID}}
	if err := collectSubItems(tx, &result); err != nil {
		return cascadeResult{}, err
	}
	if err := removeItems(tx, &result); err != nil {
		return cascadeResult{}, err
	}
	return result, nil
}

// collectSubItems extends result.items with nested sub-items breadth-first.
func collectSubItems(tx domain.Transaction, result *cascadeResult) error {
	seen := toSet(result.items...)
	queue := append([]string(nil), result.items...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, sub := range tx.LineItems().List(func(i domain.LineItem) bool { return i.ParentItemID != nil && *i.ParentItemID == cur }) {
			if _, dup := seen[sub.ID]; dup {
				continue
			}
			seen[sub.ID] = struct{}{}
			result.items = append(result.items, sub.ID)
			result.refreshed = append(result.refreshed, sub.TitleID)
			queue = append(queue, sub.ID)
		}
	}
	return nil
}

// removeItems deletes analyses then items (deepest first), and strips
// resource lines elsewhere that pointed at a removed item.
func removeItems(tx domain.Transaction, result *cascadeResult) error {
	itemSet := toSet(result.items...)
	for _, a := range tx.Analyses().List(func(a domain.Analysis) bool {
		_, ok := itemSet[a.LineItemID]
		return ok
	}) {
		if err := tx.Analyses().Delete(a.ID); err != nil {
			return err
		}
		result.analyses = append(result.analyses, a.ID)
	}
	for i := len(result.items) - 1; i >= 0; i-- {
		if err := tx.LineItems().Delete(result.items[i]); err != nil {
			return err
		}
	}
	referencing := tx.Analyses().List(func(a domain.Analysis) bool {
		for _, r := range a.Resources {
			if r.IsSubItem() {
				if _, gone := itemSet[*r.SubItemID]; gone {
					return true
				}
			}
		}
		return false
	})
	for _, a := range referencing {
		kept := a.Resources[:0:0]
		for _, r := range a.Resources {
			if r.IsSubItem() {
				if _, gone := itemSet[*r.SubItemID]; gone {
					continue
				}
			}
			kept = append(kept, r)
		}
		updated, err := tx.Analyses().Update(a.ID, func(cur *domain.Analysis) error {
			cur.Resources = kept
			return nil
		})
		if err != nil {
			return err
		}
		_, owner, err := applyAnalysis(tx, updated)
		if err != nil {
			return err
		}
		result.refreshed = append(result.refreshed, owner.TitleID)
	}
	return nil
}

func dropDeleted(ids []string, deleted map[string]struct{}) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, gone := deleted[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}

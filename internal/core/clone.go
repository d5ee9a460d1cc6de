package core

import (
	"fmt"
	"sort"

	"budgetcore/pkg/domain"
)

// CloneReport counts what a deep clone copied and what it skipped.
type CloneReport struct {
	SourceID        string
	TargetID        string
	Titles          int
	LineItems       int
	Analyses        int
	SharedPrices    int
	SkippedAnalyses []string
	SkippedRecords  []string
}

// validateCloneSource lists every dangling reference inside a budget tree.
// Nothing is written when it reports problems.
func validateCloneSource(view domain.TransactionView, budgetID string) error {
	titles := view.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID })
	items := view.LineItems().List(func(i domain.LineItem) bool { return i.BudgetID == budgetID })
	analyses := view.Analyses().List(func(a domain.Analysis) bool { return a.BudgetID == budgetID })

	titleSet := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		titleSet[t.ID] = struct{}{}
	}
	itemSet := make(map[string]struct{}, len(items))
	for _, i := range items {
		itemSet[i.ID] = struct{}{}
	}

	var problems []string
	for _, t := range titles {
		if t.ParentID != nil {
			if _, ok := titleSet[*t.ParentID]; !ok {
				problems = append(problems, fmt.Sprintf("title %s references missing parent %s", t.ID, *t.ParentID))
			}
		}
	}
	for _, i := range items {
		if _, ok := titleSet[i.TitleID]; !ok {
			problems = append(problems, fmt.Sprintf("line item %s references missing title %s", i.ID, i.TitleID))
		}
		if i.ParentItemID != nil {
			if _, ok := itemSet[*i.ParentItemID]; !ok {
				problems = append(problems, fmt.Sprintf("line item %s references missing parent item %s", i.ID, *i.ParentItemID))
			}
		}
	}
	for _, a := range analyses {
		if _, ok := itemSet[a.LineItemID]; !ok {
			problems = append(problems, fmt.Sprintf("analysis %s references missing line item %s", a.ID, a.LineItemID))
		}
		for _, r := range a.Resources {
			if r.IsSubItem() {
				if _, ok := itemSet[*r.SubItemID]; !ok {
					problems = append(problems, fmt.Sprintf("analysis %s resource %s references missing sub-item %s", a.ID, r.ID, *r.SubItemID))
				}
			}
		}
	}
	if len(problems) > 0 {
		return domain.NewIntegrityError(domain.EntityBudget, budgetID, nil, problems...)
	}
	if _, err := orderTitles(titles); err != nil {
		return err
	}
	if _, err := orderItems(items); err != nil {
		return err
	}
	return nil
}

// orderItems returns items parent-first.
func orderItems(items []domain.LineItem) ([]domain.LineItem, error) {
	children := make(map[string][]domain.LineItem)
	var queue []domain.LineItem
	for _, i := range items {
		if i.ParentItemID == nil {
			queue = append(queue, i)
			continue
		}
		children[*i.ParentItemID] = append(children[*i.ParentItemID], i)
	}
	ordered := make([]domain.LineItem, 0, len(items))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ordered = append(ordered, cur)
		queue = append(queue, children[cur.ID]...)
	}
	if len(ordered) != len(items) {
		reached := make(map[string]struct{}, len(ordered))
		for _, i := range ordered {
			reached[i.ID] = struct{}{}
		}
		for _, i := range items {
			if _, ok := reached[i.ID]; !ok {
				return nil, domain.NewIntegrityError(domain.EntityLineItem, i.ID, domain.ErrCycleDetected,
					fmt.Sprintf("line item %s sits on a sub-item cycle", i.ID))
			}
		}
	}
	return ordered, nil
}

// cloneTree deep-copies the tree of source into target: shared prices,
// titles, line items, then analyses with their resources. Records are created
// parent-first through an old-to-new id map. Duplicate analyses of one line
// item keep the lowest id; duplicate-key collisions are skipped. Any other
// error aborts and the surrounding unit of work discards everything.
func cloneTree(tx domain.Transaction, logger Logger, sourceID string, target domain.Budget) (CloneReport, error) {
	report := CloneReport{SourceID: sourceID, TargetID: target.ID}
	view := tx.Snapshot()
	skip := func(entity domain.EntityType, id string, err error) {
		logger.Warn("clone skipped duplicate record", "entity", string(entity), "source_id", id, "target_budget", target.ID, "error", err)
		report.SkippedRecords = append(report.SkippedRecords, id)
	}

	priceMap := make(map[string]string)
	for _, p := range view.SharedPrices().List(func(p domain.SharedPrice) bool { return p.BudgetID == sourceID }) {
		clone := p.Clone()
		clone.Base = domain.Base{}
		clone.BudgetID = target.ID
		created, err := tx.SharedPrices().Create(clone)
		if domain.IsDuplicateKey(err) {
			skip(domain.EntitySharedPrice, p.ID, err)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("clone shared price %s: %w", p.ID, err)
		}
		priceMap[p.ID] = created.ID
		report.SharedPrices++
	}

	titles, err := orderTitles(view.Titles().List(func(t domain.Title) bool { return t.BudgetID == sourceID }))
	if err != nil {
		return report, err
	}
	titleMap := make(map[string]string, len(titles))
	for _, t := range titles {
		clone := t.Clone()
		clone.Base = domain.Base{}
		clone.BudgetID = target.ID
		clone.ProjectID = target.ProjectID
		if t.ParentID != nil {
			parent, ok := titleMap[*t.ParentID]
			if !ok {
				skip(domain.EntityTitle, t.ID, fmt.Errorf("parent %s was not cloned", *t.ParentID))
				continue
			}
			clone.ParentID = domain.StringPtr(parent)
		}
		created, err := tx.Titles().Create(clone)
		if domain.IsDuplicateKey(err) {
			skip(domain.EntityTitle, t.ID, err)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("clone title %s: %w", t.ID, err)
		}
		titleMap[t.ID] = created.ID
		report.Titles++
	}

	items, err := orderItems(view.LineItems().List(func(i domain.LineItem) bool { return i.BudgetID == sourceID }))
	if err != nil {
		return report, err
	}
	itemMap := make(map[string]string, len(items))
	for _, i := range items {
		clone := i.Clone()
		clone.Base = domain.Base{}
		clone.BudgetID = target.ID
		clone.ProjectID = target.ProjectID
		title, ok := titleMap[i.TitleID]
		if !ok {
			skip(domain.EntityLineItem, i.ID, fmt.Errorf("title %s was not cloned", i.TitleID))
			continue
		}
		clone.TitleID = title
		if i.ParentItemID != nil {
			parent, ok := itemMap[*i.ParentItemID]
			if !ok {
				skip(domain.EntityLineItem, i.ID, fmt.Errorf("parent item %s was not cloned", *i.ParentItemID))
				continue
			}
			clone.ParentItemID = domain.StringPtr(parent)
		}
		created, err := tx.LineItems().Create(clone)
		if domain.IsDuplicateKey(err) {
			skip(domain.EntityLineItem, i.ID, err)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("clone line item %s: %w", i.ID, err)
		}
		itemMap[i.ID] = created.ID
		report.LineItems++
	}

	analyses := view.Analyses().List(func(a domain.Analysis) bool { return a.BudgetID == sourceID })
	sort.Slice(analyses, func(i, j int) bool { return analyses[i].ID < analyses[j].ID })
	kept := make(map[string]string, len(analyses))
	for _, a := range analyses {
		if first, dup := kept[a.LineItemID]; dup {
			logger.Warn("clone skipped duplicate analysis", "analysis_id", a.ID, "line_item_id", a.LineItemID, "kept", first)
			report.SkippedAnalyses = append(report.SkippedAnalyses, a.ID)
			continue
		}
		kept[a.LineItemID] = a.ID
		item, ok := itemMap[a.LineItemID]
		if !ok {
			skip(domain.EntityAnalysis, a.ID, fmt.Errorf("line item %s was not cloned", a.LineItemID))
			continue
		}
		clone := a.Clone()
		clone.Base = domain.Base{}
		clone.BudgetID = target.ID
		clone.LineItemID = item
		for idx := range clone.Resources {
			r := &clone.Resources[idx]
			r.ID = tx.NextID(domain.EntityResource)
			if r.SharedPriceID != nil {
				if mapped, ok := priceMap[*r.SharedPriceID]; ok {
					r.SharedPriceID = domain.StringPtr(mapped)
				} else {
					r.SharedPriceID = nil
				}
			}
			if r.IsSubItem() {
				mapped, ok := itemMap[*r.SubItemID]
				if !ok {
					return report, domain.NewIntegrityError(domain.EntityAnalysis, a.ID, nil,
						fmt.Sprintf("sub-item %s was not cloned", *r.SubItemID))
				}
				r.SubItemID = domain.StringPtr(mapped)
			}
		}
		if _, err := tx.Analyses().Create(clone); err != nil {
			if domain.IsDuplicateKey(err) {
				skip(domain.EntityAnalysis, a.ID, err)
				continue
			}
			return report, fmt.Errorf("clone analysis %s: %w", a.ID, err)
		}
		report.Analyses++
	}
	return report, nil
}

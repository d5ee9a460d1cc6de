package core

import (
	"context"
	"fmt"

	"budgetcore/internal/costing"
	"budgetcore/pkg/domain"
)

// AnalysisInput replaces the unit-price analysis of one line item.
type AnalysisInput struct {
	LineItemID string
	Yield      float64
	ShiftHours float64
	Resources  []domain.Resource
}

// PriceUpdate changes one shared price.
type PriceUpdate struct {
	PriceID   string
	Price     float64
	UpdatedBy string
}

// PriceUpdateResult lists what a shared price change recomputed.
type PriceUpdateResult struct {
	Price            domain.SharedPrice
	Analyses         []string
	LineItems        []string
	RecomputedTitles []string
}

// SaveAnalysis creates or replaces the analysis of a line item, recomputes
// it and reprices the line item. Title totals follow as a secondary step.
func (s *Service) SaveAnalysis(ctx context.Context, input AnalysisInput) (domain.Analysis, error) {
	var saved domain.Analysis
	var item domain.LineItem
	_, err := s.run(ctx, "save_analysis", func(tx domain.Transaction) (string, error) {
		var err error
		item, err = domain.MustGet(tx.LineItems(), domain.EntityLineItem, input.LineItemID)
		if err != nil {
			return "", err
		}
		resources, err := prepareResources(tx, item, input.Resources)
		if err != nil {
			return "", err
		}
		existing := tx.Analyses().List(func(a domain.Analysis) bool { return a.LineItemID == item.ID })
		if len(existing) == 0 {
			saved, err = tx.Analyses().Create(domain.Analysis{
				BudgetID:   item.BudgetID,
				LineItemID: item.ID,
				Yield:      input.Yield,
				ShiftHours: input.ShiftHours,
				Resources:  resources,
			})
		} else {
			saved, err = tx.Analyses().Update(existing[0].ID, func(a *domain.Analysis) error {
				a.Yield = input.Yield
				a.ShiftHours = input.ShiftHours
				a.Resources = resources
				return nil
			})
		}
		if err != nil {
			return "", err
		}
		saved, item, err = applyAnalysis(tx, saved)
		return saved.ID, err
	})
	if err != nil {
		return domain.Analysis{}, err
	}
	s.refreshTitle(ctx, item.TitleID, item.BudgetID)
	return saved, nil
}

// RecomputeAnalysis re-resolves prices of an existing analysis.
func (s *Service) RecomputeAnalysis(ctx context.Context, analysisID string) (domain.Analysis, error) {
	var out domain.Analysis
	var item domain.LineItem
	_, err := s.run(ctx, "recompute_analysis", func(tx domain.Transaction) (string, error) {
		analysis, err := domain.MustGet(tx.Analyses(), domain.EntityAnalysis, analysisID)
		if err != nil {
			return analysisID, err
		}
		out, item, err = applyAnalysis(tx, analysis)
		return analysisID, err
	})
	if err != nil {
		return domain.Analysis{}, err
	}
	s.refreshTitle(ctx, item.TitleID, item.BudgetID)
	return out, nil
}

// GetAnalysis returns the analysis of a line item.
func (s *Service) GetAnalysis(ctx context.Context, lineItemID string) (domain.Analysis, error) {
	var out domain.Analysis
	err := s.view(ctx, func(v domain.TransactionView) error {
		found := v.Analyses().List(func(a domain.Analysis) bool { return a.LineItemID == lineItemID })
		if len(found) == 0 {
			return domain.ErrNotFound{Entity: domain.EntityAnalysis, ID: lineItemID}
		}
		out = found[0]
		return nil
	})
	return out, err
}

// DeleteAnalysis removes an analysis. The line item keeps its last price.
func (s *Service) DeleteAnalysis(ctx context.Context, analysisID string) error {
	_, err := s.run(ctx, "delete_analysis", func(tx domain.Transaction) (string, error) {
		return analysisID, tx.Analyses().Delete(analysisID)
	})
	return err
}

// EnsureSharedPrice returns the shared price of (BudgetID, ResourceID),
// creating it from the given template when missing.
func (s *Service) EnsureSharedPrice(ctx context.Context, price domain.SharedPrice) (domain.SharedPrice, error) {
	if price.BudgetID == "" || price.ResourceID == "" {
		return domain.SharedPrice{}, domain.ErrValidation{Entity: domain.EntitySharedPrice, Message: "budget and resource are required"}
	}
	var out domain.SharedPrice
	_, err := s.run(ctx, "ensure_shared_price", func(tx domain.Transaction) (string, error) {
		if _, err := domain.MustGet(tx.Budgets(), domain.EntityBudget, price.BudgetID); err != nil {
			return "", err
		}
		if existing, ok := findSharedPrice(tx.Snapshot(), price.BudgetID, price.ResourceID); ok {
			out = existing
			return existing.ID, nil
		}
		price.ID = ""
		now := tx.Now()
		price.PriceUpdatedAt = &now
		var err error
		out, err = tx.SharedPrices().Create(price)
		return out.ID, err
	})
	return out, err
}

// ListSharedPrices returns the shared prices of a budget version.
func (s *Service) ListSharedPrices(ctx context.Context, budgetID string) ([]domain.SharedPrice, error) {
	var out []domain.SharedPrice
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.SharedPrices().List(func(p domain.SharedPrice) bool { return p.BudgetID == budgetID })
		return nil
	})
	return out, err
}

// UpdateSharedPrice changes a shared price and, in the same unit of work,
// recomputes every analysis of the budget that references it, reprices their
// line items and refreshes each affected title once.
func (s *Service) UpdateSharedPrice(ctx context.Context, update PriceUpdate) (PriceUpdateResult, error) {
	var result PriceUpdateResult
	_, err := s.run(ctx, "update_shared_price", func(tx domain.Transaction) (string, error) {
		result = PriceUpdateResult{}
		price, err := tx.SharedPrices().Update(update.PriceID, func(p *domain.SharedPrice) error {
			now := tx.Now()
			p.Price = update.Price
			p.UpdatedBy = update.UpdatedBy
			p.PriceUpdatedAt = &now
			return nil
		})
		if err != nil {
			return update.PriceID, err
		}
		result.Price = price
		affected := tx.Analyses().List(func(a domain.Analysis) bool {
			return a.BudgetID == price.BudgetID && a.References(price)
		})
		var titles []string
		for _, a := range affected {
			_, item, err := applyAnalysis(tx, a)
			if err != nil {
				return price.ID, fmt.Errorf("recompute analysis %s: %w", a.ID, err)
			}
			result.Analyses = append(result.Analyses, a.ID)
			result.LineItems = append(result.LineItems, item.ID)
			titles = append(titles, item.TitleID)
		}
		result.RecomputedTitles, err = recomputeTitles(tx, price.BudgetID, titles)
		return price.ID, err
	})
	if err != nil {
		return PriceUpdateResult{}, err
	}
	return result, nil
}

// refreshTitle runs the ascending recompute as a best-effort secondary step.
func (s *Service) refreshTitle(ctx context.Context, titleID, budgetID string) {
	if titleID == "" {
		return
	}
	s.bestEffort(ctx, "recompute_ascending "+titleID, func(tx domain.Transaction) error {
		return recomputeAscending(tx, titleID, budgetID)
	})
}

func findSharedPrice(view domain.TransactionView, budgetID, resourceID string) (domain.SharedPrice, bool) {
	found := view.SharedPrices().List(func(p domain.SharedPrice) bool {
		return p.BudgetID == budgetID && p.ResourceID == resourceID
	})
	if len(found) == 0 {
		return domain.SharedPrice{}, false
	}
	return found[0], true
}

// prepareResources validates resource lines, assigns missing ids and links
// catalog resources to the budget's shared prices.
func prepareResources(tx domain.Transaction, item domain.LineItem, in []domain.Resource) ([]domain.Resource, error) {
	out := make([]domain.Resource, len(in))
	for i, r := range in {
		r = r.Clone()
		switch {
		case r.IsSubItem():
			sub, ok := tx.LineItems().Get(*r.SubItemID)
			if !ok {
				return nil, domain.ErrNotFound{Entity: domain.EntityLineItem, ID: *r.SubItemID}
			}
			if sub.ID == item.ID || sub.BudgetID != item.BudgetID {
				return nil, domain.ErrValidation{Entity: domain.EntityResource, Field: "sub_item_id",
					Message: fmt.Sprintf("sub-item %s must be another line item of budget %s", sub.ID, item.BudgetID)}
			}
		case r.Type != domain.ResourceMaterial && r.Type != domain.ResourceLabor &&
			r.Type != domain.ResourceEquipment && r.Type != domain.ResourceSubcontract:
			return nil, domain.ErrValidation{Entity: domain.EntityResource, Field: "type", Message: fmt.Sprintf("unknown resource type %q", r.Type)}
		}
		if r.SharedPriceID != nil {
			p, ok := tx.SharedPrices().Get(*r.SharedPriceID)
			if !ok || p.BudgetID != item.BudgetID {
				return nil, domain.ErrValidation{Entity: domain.EntityResource, Field: "shared_price_id",
					Message: fmt.Sprintf("shared price %s does not belong to budget %s", *r.SharedPriceID, item.BudgetID)}
			}
		} else if r.ResourceID != "" && !r.IsSubItem() {
			if p, ok := findSharedPrice(tx.Snapshot(), item.BudgetID, r.ResourceID); ok {
				r.SharedPriceID = domain.StringPtr(p.ID)
			}
		}
		if r.ID == "" {
			r.ID = tx.NextID(domain.EntityResource)
		}
		r.Order = i + 1
		out[i] = r
	}
	return out, nil
}

// computeAnalysis prices an analysis against the current transaction state.
func computeAnalysis(view domain.TransactionView, a domain.Analysis) (domain.Analysis, error) {
	prices := costing.NewPriceBook(view.SharedPrices().List(func(p domain.SharedPrice) bool { return p.BudgetID == a.BudgetID }))
	subItems := make(costing.SubItemPrices)
	for _, r := range a.Resources {
		if !r.IsSubItem() {
			continue
		}
		if sub, ok := view.LineItems().Get(*r.SubItemID); ok {
			subItems[sub.ID] = sub.UnitPrice
		}
	}
	outcome, err := costing.Compute(a, prices, subItems)
	if err != nil {
		return domain.Analysis{}, err
	}
	return outcome.Analysis, nil
}

// applyAnalysis stores the recomputed analysis and reprices its line item.
func applyAnalysis(tx domain.Transaction, a domain.Analysis) (domain.Analysis, domain.LineItem, error) {
	computed, err := computeAnalysis(tx.Snapshot(), a)
	if err != nil {
		return domain.Analysis{}, domain.LineItem{}, err
	}
	stored, err := tx.Analyses().Update(a.ID, func(cur *domain.Analysis) error {
		cur.Resources = computed.Resources
		cur.MaterialCost = computed.MaterialCost
		cur.LaborCost = computed.LaborCost
		cur.EquipmentCost = computed.EquipmentCost
		cur.SubcontractCost = computed.SubcontractCost
		cur.SubItemCost = computed.SubItemCost
		cur.DirectCost = computed.DirectCost
		return nil
	})
	if err != nil {
		return domain.Analysis{}, domain.LineItem{}, err
	}
	item, err := tx.LineItems().Update(a.LineItemID, func(li *domain.LineItem) error {
		li.UnitPrice, li.Parcial = costing.LineItemPricing(li.Quantity, stored.DirectCost)
		return nil
	})
	if err != nil {
		return domain.Analysis{}, domain.LineItem{}, err
	}
	return stored, item, nil
}

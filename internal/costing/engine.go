// Package costing computes unit-price analyses: per-resource parcials, the
// per-type cost buckets and the resulting direct cost. It performs no I/O;
// callers supply shared prices and sub-item unit prices.
package costing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"budgetcore/pkg/domain"
)

var hundred = decimal.NewFromInt(100)

// PriceBook resolves shared prices for one budget version.
type PriceBook struct {
	byID       map[string]domain.SharedPrice
	byResource map[string]domain.SharedPrice
}

// NewPriceBook indexes prices by id and by catalog resource id.
func NewPriceBook(prices []domain.SharedPrice) PriceBook {
	book := PriceBook{
		byID:       make(map[string]domain.SharedPrice, len(prices)),
		byResource: make(map[string]domain.SharedPrice, len(prices)),
	}
	for _, p := range prices {
		book.byID[p.ID] = p
		if p.ResourceID != "" {
			book.byResource[p.ResourceID] = p
		}
	}
	return book
}

// Lookup returns the shared price a resource refers to, by SharedPriceID
// first and catalog ResourceID second.
func (b PriceBook) Lookup(r domain.Resource) (domain.SharedPrice, bool) {
	if r.SharedPriceID != nil {
		if p, ok := b.byID[*r.SharedPriceID]; ok {
			return p, true
		}
	}
	if r.ResourceID != "" {
		p, ok := b.byResource[r.ResourceID]
		return p, ok
	}
	return domain.SharedPrice{}, false
}

// SubItemPrices maps nested line item ids to their current unit price.
type SubItemPrices map[string]float64

// PriceSource names where a resource price came from.
type PriceSource string

// Price sources in resolution order.
const (
	SourceOverride PriceSource = "override"
	SourceShared   PriceSource = "shared"
	SourceDerived  PriceSource = "derived"
	SourceSubItem  PriceSource = "sub_item"
	SourceNone     PriceSource = "none"
)

// Outcome is the recomputed analysis plus the price source of each resource,
// index-aligned with Analysis.Resources.
type Outcome struct {
	Analysis domain.Analysis
	Sources  []PriceSource
}

// Compute recomputes every resource of a and its aggregates. LABOR lines are
// priced first because "%mo" equipment depends on their sum.
func Compute(a domain.Analysis, prices PriceBook, subItems SubItemPrices) (Outcome, error) {
	out := a.Clone()
	sources := make([]PriceSource, len(out.Resources))
	yield, shift := out.Yield, out.ShiftHours

	labor := decimal.Zero
	for i := range out.Resources {
		r := &out.Resources[i]
		if r.IsSubItem() || r.Type != domain.ResourceLabor {
			continue
		}
		price, src := resolvePrice(*r, prices, yield, shift)
		r.Price, sources[i] = price, src
		r.QuantityWithWaste = r.Quantity
		r.Parcial = domain.Money(laborFactor(yield, shift, r.CrewSize).Mul(domain.Dec(price)))
		labor = labor.Add(domain.Dec(r.Parcial))
	}
	laborSum := domain.Money(labor)

	for i := range out.Resources {
		r := &out.Resources[i]
		if r.IsSubItem() {
			price, ok := subItems[*r.SubItemID]
			if !ok {
				return Outcome{}, domain.ErrNotFound{Entity: domain.EntityLineItem, ID: *r.SubItemID}
			}
			r.Price, sources[i] = price, SourceSubItem
			r.QuantityWithWaste = r.Quantity
			r.Parcial = domain.Extend(r.Quantity, price)
			continue
		}
		switch r.Type {
		case domain.ResourceLabor:
			continue
		case domain.ResourceMaterial:
			price, src := resolvePrice(*r, prices, yield, shift)
			r.Price, sources[i] = price, src
			qww := quantityWithWaste(r.Quantity, r.WastePercent)
			r.QuantityWithWaste = qww.InexactFloat64()
			r.Parcial = domain.Money(qww.Mul(domain.Dec(price)))
		case domain.ResourceEquipment:
			r.QuantityWithWaste = r.Quantity
			switch r.Unit {
			case domain.UnitPercentLabor:
				r.Price, sources[i] = laborSum, SourceNone
				r.Parcial = domain.Money(domain.Dec(laborSum).Mul(domain.Dec(r.Quantity)).Div(hundred))
			case domain.UnitMachineHour:
				price, src := resolvePrice(*r, prices, yield, shift)
				r.Price, sources[i] = price, src
				r.Parcial = domain.Money(machineHourFactor(yield, shift, r.CrewSize).Mul(domain.Dec(price)))
			default:
				price, src := resolvePrice(*r, prices, yield, shift)
				r.Price, sources[i] = price, src
				r.Parcial = domain.Extend(r.Quantity, price)
			}
		case domain.ResourceSubcontract:
			price, src := resolvePrice(*r, prices, yield, shift)
			r.Price, sources[i] = price, src
			r.QuantityWithWaste = r.Quantity
			r.Parcial = domain.Extend(r.Quantity, price)
		default:
			return Outcome{}, domain.ErrValidation{Entity: domain.EntityResource, Field: "type", Message: fmt.Sprintf("unknown resource type %q", r.Type)}
		}
	}

	aggregate(&out)
	return Outcome{Analysis: out, Sources: sources}, nil
}

// aggregate fills the type buckets and direct cost, rounding after each step.
func aggregate(a *domain.Analysis) {
	bucket := func(t domain.ResourceType) float64 {
		return domain.SumOf(a.Resources, func(r domain.Resource) float64 {
			if r.IsSubItem() || r.Type != t {
				return 0
			}
			return r.Parcial
		})
	}
	a.MaterialCost = bucket(domain.ResourceMaterial)
	a.LaborCost = bucket(domain.ResourceLabor)
	a.EquipmentCost = bucket(domain.ResourceEquipment)
	a.SubcontractCost = bucket(domain.ResourceSubcontract)
	a.SubItemCost = domain.SumOf(a.Resources, func(r domain.Resource) float64 {
		if r.IsSubItem() {
			return r.Parcial
		}
		return 0
	})
	a.DirectCost = domain.SumOf([]float64{a.MaterialCost, a.LaborCost, a.EquipmentCost, a.SubcontractCost, a.SubItemCost},
		func(v float64) float64 { return v })
}

func quantityWithWaste(quantity, wastePercent float64) decimal.Decimal {
	return domain.Dec(quantity).Mul(decimal.NewFromInt(1).Add(domain.Dec(wastePercent).Div(hundred)))
}

// laborFactor is (1/yield) × shift hours × crew, zero unless yield and shift
// hours are both positive.
func laborFactor(yield, shift, crew float64) decimal.Decimal {
	if yield <= 0 || shift <= 0 {
		return decimal.Zero
	}
	if crew <= 0 {
		crew = 1
	}
	return domain.Dec(shift).Mul(domain.Dec(crew)).Div(domain.Dec(yield))
}

// machineHourFactor prices "hm" equipment. It currently matches the labor
// formula but is kept apart so the two can diverge.
func machineHourFactor(yield, shift, crew float64) decimal.Decimal {
	if yield <= 0 || shift <= 0 {
		return decimal.Zero
	}
	if crew <= 0 {
		crew = 1
	}
	return domain.Dec(shift).Mul(domain.Dec(crew)).Div(domain.Dec(yield))
}

// quantityFactor is the multiplier applied to price for a resource, used to
// back-derive a legacy price from a stored parcial.
func quantityFactor(r domain.Resource, yield, shift float64) decimal.Decimal {
	switch r.Type {
	case domain.ResourceLabor:
		return laborFactor(yield, shift, r.CrewSize)
	case domain.ResourceMaterial:
		return quantityWithWaste(r.Quantity, r.WastePercent)
	case domain.ResourceEquipment:
		if r.Unit == domain.UnitMachineHour {
			return machineHourFactor(yield, shift, r.CrewSize)
		}
		return domain.Dec(r.Quantity)
	default:
		return domain.Dec(r.Quantity)
	}
}

func resolvePrice(r domain.Resource, prices PriceBook, yield, shift float64) (float64, PriceSource) {
	if r.OverridePrice != nil {
		return *r.OverridePrice, SourceOverride
	}
	if p, ok := prices.Lookup(r); ok {
		return p.Price, SourceShared
	}
	factor := quantityFactor(r, yield, shift)
	if factor.IsZero() || r.Parcial == 0 {
		return 0, SourceNone
	}
	return domain.Dec(r.Parcial).Div(factor).Round(4).InexactFloat64(), SourceDerived
}

// LineItemPricing returns the unit price and parcial a line item takes from
// its analysis direct cost.
func LineItemPricing(quantity, directCost float64) (unitPrice, parcial float64) {
	unitPrice = domain.Round2(directCost)
	return unitPrice, domain.Extend(quantity, unitPrice)
}

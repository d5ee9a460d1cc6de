package memory

import (
	"sort"
	"sync"
	"time"

	"budgetcore/pkg/domain"
)

type entityPtr[T any] interface {
	*T
	Meta() *domain.Base
}

type uniqueIndex[T any] struct {
	name string
	key  func(T) (string, bool)
}

type schema[T any] struct {
	entity  domain.EntityType
	clone   func(T) T
	indexes []uniqueIndex[T]
}

var (
	budgetSchema = &schema[domain.Budget]{
		entity: domain.EntityBudget,
		clone:  domain.Budget.Clone,
		indexes: []uniqueIndex[domain.Budget]{{
			name: "group_parent",
			key: func(b domain.Budget) (string, bool) {
				return b.VersionGroupID, b.IsParent && b.VersionGroupID != ""
			},
		}},
	}
	titleSchema = &schema[domain.Title]{
		entity: domain.EntityTitle,
		clone:  domain.Title.Clone,
	}
	lineItemSchema = &schema[domain.LineItem]{
		entity: domain.EntityLineItem,
		clone:  domain.LineItem.Clone,
	}
	analysisSchema = &schema[domain.Analysis]{
		entity: domain.EntityAnalysis,
		clone:  domain.Analysis.Clone,
		indexes: []uniqueIndex[domain.Analysis]{{
			name: "line_item",
			key:  func(a domain.Analysis) (string, bool) { return a.LineItemID, a.LineItemID != "" },
		}},
	}
	sharedPriceSchema = &schema[domain.SharedPrice]{
		entity: domain.EntitySharedPrice,
		clone:  domain.SharedPrice.Clone,
		indexes: []uniqueIndex[domain.SharedPrice]{{
			name: "budget_resource",
			key: func(p domain.SharedPrice) (string, bool) {
				return p.BudgetID + "|" + p.ResourceID, p.ResourceID != ""
			},
		}},
	}
	approvalSchema = &schema[domain.ApprovalRequest]{
		entity: domain.EntityApproval,
		clone:  domain.ApprovalRequest.Clone,
	}
)

// table implements domain.Repository over one map of the store state. When
// guard is set every call takes the lock itself (direct mode); otherwise the
// caller already holds the store lock for the whole transaction.
type table[T any, P entityPtr[T]] struct {
	schema *schema[T]
	rows   func() map[string]T
	guard  *sync.RWMutex
	record func(domain.Change)
	nextID func(domain.EntityType) string
	now    func() time.Time
}

func (t table[T, P]) lock() func() {
	if t.guard == nil {
		return func() {}
	}
	t.guard.Lock()
	return t.guard.Unlock
}

func (t table[T, P]) rlock() func() {
	if t.guard == nil {
		return func() {}
	}
	t.guard.RLock()
	return t.guard.RUnlock
}

func (t table[T, P]) Get(id string) (T, bool) {
	defer t.rlock()()
	v, ok := t.rows()[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.schema.clone(v), true
}

func (t table[T, P]) List(match func(T) bool) []T {
	defer t.rlock()()
	rows := t.rows()
	out := make([]T, 0, len(rows))
	for _, v := range rows {
		if match == nil || match(v) {
			out = append(out, t.schema.clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return P(&out[i]).Meta().ID < P(&out[j]).Meta().ID
	})
	return out
}

func (t table[T, P]) Create(v T) (T, error) {
	defer t.lock()()
	var zero T
	rows := t.rows()
	meta := P(&v).Meta()
	if meta.ID == "" {
		meta.ID = t.nextID(t.schema.entity)
	}
	if _, exists := rows[meta.ID]; exists {
		return zero, domain.ErrDuplicateKey{Entity: t.schema.entity, Index: "primary", Key: meta.ID}
	}
	if err := t.checkUnique(rows, v, meta.ID); err != nil {
		return zero, err
	}
	now := t.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	rows[meta.ID] = t.schema.clone(v)
	t.record(domain.Change{Entity: t.schema.entity, Action: domain.ActionCreate, After: t.schema.clone(v)})
	return t.schema.clone(v), nil
}

func (t table[T, P]) Update(id string, mutator func(*T) error) (T, error) {
	defer t.lock()()
	var zero T
	rows := t.rows()
	current, ok := rows[id]
	if !ok {
		return zero, domain.ErrNotFound{Entity: t.schema.entity, ID: id}
	}
	before := t.schema.clone(current)
	working := t.schema.clone(current)
	if err := mutator(&working); err != nil {
		return zero, err
	}
	meta := P(&working).Meta()
	meta.ID = id
	meta.CreatedAt = P(&before).Meta().CreatedAt
	meta.UpdatedAt = t.now()
	if err := t.checkUnique(rows, working, id); err != nil {
		return zero, err
	}
	rows[id] = t.schema.clone(working)
	t.record(domain.Change{Entity: t.schema.entity, Action: domain.ActionUpdate, Before: before, After: t.schema.clone(working)})
	return t.schema.clone(working), nil
}

func (t table[T, P]) Delete(id string) error {
	defer t.lock()()
	rows := t.rows()
	current, ok := rows[id]
	if !ok {
		return domain.ErrNotFound{Entity: t.schema.entity, ID: id}
	}
	delete(rows, id)
	t.record(domain.Change{Entity: t.schema.entity, Action: domain.ActionDelete, Before: t.schema.clone(current)})
	return nil
}

func (t table[T, P]) checkUnique(rows map[string]T, candidate T, id string) error {
	for _, idx := range t.schema.indexes {
		key, ok := idx.key(candidate)
		if !ok {
			continue
		}
		for otherID, other := range rows {
			if otherID == id {
				continue
			}
			if otherKey, ok := idx.key(other); ok && otherKey == key {
				return domain.ErrDuplicateKey{Entity: t.schema.entity, Index: idx.name, Key: key}
			}
		}
	}
	return nil
}

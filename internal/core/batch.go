package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"budgetcore/pkg/domain"
)

// TempIDPrefix marks a batch-local identifier that is resolved to a real id
// once the entity it names has been created.
const TempIDPrefix = "tmp:"

// TitleCreate is one title to create. Title.ParentID may hold a temporary id.
type TitleCreate struct {
	TempID string
	Title  domain.Title
}

// TitleUpdate patches one title. Patch.ParentID may hold a temporary id.
type TitleUpdate struct {
	ID    string
	Patch TitlePatch
}

// LineItemCreate is one line item to create. TitleID and ParentItemID may
// hold temporary ids.
type LineItemCreate struct {
	TempID string
	Item   domain.LineItem
}

// LineItemUpdate patches one line item. TitleID and ParentItemID may hold
// temporary ids.
type LineItemUpdate struct {
	ID    string
	Patch LineItemPatch
}

// BatchRequest is a set of structural edits to one budget version applied
// as a single unit.
type BatchRequest struct {
	BudgetID        string
	CreateTitles    []TitleCreate
	UpdateTitles    []TitleUpdate
	DeleteTitles    []string
	CreateLineItems []LineItemCreate
	UpdateLineItems []LineItemUpdate
	DeleteLineItems []string
}

// BatchResult reports the outcome of ApplyBatch.
type BatchResult struct {
	IDMap            map[string]string
	Created          int
	Updated          int
	Deleted          int
	RecomputedTitles []string
}

// ApplyBatch applies deletions, then creations in dependency order, then
// updates, and finally recomputes totals once per affected title. Any
// failure undoes the whole batch.
func (s *Service) ApplyBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	var result BatchResult
	_, err := s.run(ctx, "apply_batch", func(tx domain.Transaction) (string, error) {
		var err error
		result, err = applyBatch(tx, req)
		return req.BudgetID, err
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

type batchRun struct {
	tx       domain.Transaction
	req      BatchRequest
	result   BatchResult
	temps    map[string]struct{}
	affected []string
	deleted  map[string]struct{}
}

func applyBatch(tx domain.Transaction, req BatchRequest) (BatchResult, error) {
	if _, err := editableBudget(tx.Snapshot(), req.BudgetID); err != nil {
		return BatchResult{}, err
	}
	b := &batchRun{
		tx:      tx,
		req:     req,
		result:  BatchResult{IDMap: make(map[string]string)},
		temps:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
	for _, c := range req.CreateTitles {
		if err := b.declareTemp(domain.EntityTitle, c.TempID); err != nil {
			return BatchResult{}, err
		}
	}
	for _, c := range req.CreateLineItems {
		if err := b.declareTemp(domain.EntityLineItem, c.TempID); err != nil {
			return BatchResult{}, err
		}
	}
	steps := []func() error{b.deleteAll, b.createTitles, b.createLineItems, b.updateTitles, b.updateLineItems}
	for _, step := range steps {
		if err := step(); err != nil {
			return BatchResult{}, err
		}
	}
	pending := dropDeleted(b.affected, b.deleted)
	recomputed, err := recomputeTitles(tx, req.BudgetID, pending)
	if err != nil {
		return BatchResult{}, err
	}
	if len(recomputed) == 0 && b.result.Deleted > 0 {
		if err := recomputeBudgetSummary(tx, req.BudgetID); err != nil {
			return BatchResult{}, err
		}
	}
	b.result.RecomputedTitles = recomputed
	return b.result, nil
}

func (b *batchRun) declareTemp(entity domain.EntityType, id string) error {
	if id == "" {
		return nil
	}
	if _, dup := b.temps[id]; dup {
		return domain.ErrValidation{Entity: entity, Field: "temp_id", Message: fmt.Sprintf("temporary id %q declared twice", id)}
	}
	b.temps[id] = struct{}{}
	return nil
}

// resolve maps a reference to a real id. ok is false while the reference
// names a batch entity that has not been created yet.
func (b *batchRun) resolve(ref string) (string, bool) {
	if ref == "" {
		return "", true
	}
	if real, ok := b.result.IDMap[ref]; ok {
		return real, true
	}
	if _, temp := b.temps[ref]; temp || strings.HasPrefix(ref, TempIDPrefix) {
		return "", false
	}
	return ref, true
}

func (b *batchRun) resolvePtr(ref *string) (*string, bool) {
	if ref == nil {
		return nil, true
	}
	id, ok := b.resolve(*ref)
	if !ok {
		return nil, false
	}
	return &id, true
}

func (b *batchRun) touch(titleIDs ...string) {
	b.affected = append(b.affected, titleIDs...)
}

func (b *batchRun) deleteAll() error {
	for _, id := range b.req.DeleteLineItems {
		if _, gone := b.deleted[id]; gone {
			continue
		}
		removed, err := deleteLineItemCascade(b.tx, id)
		if err != nil {
			return fmt.Errorf("delete line item %s: %w", id, err)
		}
		b.noteCascade(removed)
	}
	for _, id := range b.req.DeleteTitles {
		if _, gone := b.deleted[id]; gone {
			continue
		}
		removed, err := deleteTitleCascade(b.tx, id)
		if err != nil {
			return fmt.Errorf("delete title %s: %w", id, err)
		}
		b.noteCascade(removed)
	}
	return nil
}

func (b *batchRun) noteCascade(removed cascadeResult) {
	for _, id := range removed.titles {
		b.deleted[id] = struct{}{}
	}
	for _, id := range removed.items {
		b.deleted[id] = struct{}{}
	}
	b.result.Deleted += len(removed.titles) + len(removed.items)
	b.touch(removed.refreshed...)
}

// createTitles creates whatever is resolvable until nothing is left or no
// progress is made.
func (b *batchRun) createTitles() error {
	pending := append([]TitleCreate(nil), b.req.CreateTitles...)
	for len(pending) > 0 {
		var next []TitleCreate
		for _, c := range pending {
			parent, ok := b.resolvePtr(c.Title.ParentID)
			if !ok {
				next = append(next, c)
				continue
			}
			title := c.Title.Clone()
			title.ParentID = parent
			if title.BudgetID == "" {
				title.BudgetID = b.req.BudgetID
			}
			if title.BudgetID != b.req.BudgetID {
				return domain.ErrValidation{Entity: domain.EntityTitle, Field: "budget_id", Message: "batch edits are limited to one budget"}
			}
			created, err := createTitle(b.tx, title)
			if err != nil {
				return fmt.Errorf("create title %s: %w", c.TempID, err)
			}
			if c.TempID != "" {
				b.result.IDMap[c.TempID] = created.ID
			}
			b.result.Created++
			b.touch(created.ID)
		}
		if len(next) == len(pending) {
			return unresolved(domain.EntityTitle, next, func(c TitleCreate) string {
				return c.TempID + " -> " + domain.Deref(c.Title.ParentID)
			})
		}
		pending = next
	}
	return nil
}

func (b *batchRun) createLineItems() error {
	pending := append([]LineItemCreate(nil), b.req.CreateLineItems...)
	for len(pending) > 0 {
		var next []LineItemCreate
		for _, c := range pending {
			titleID, okTitle := b.resolve(c.Item.TitleID)
			parent, okParent := b.resolvePtr(c.Item.ParentItemID)
			if !okTitle || !okParent {
				next = append(next, c)
				continue
			}
			item := c.Item.Clone()
			item.TitleID = titleID
			item.ParentItemID = parent
			if item.BudgetID == "" {
				item.BudgetID = b.req.BudgetID
			}
			if item.BudgetID != b.req.BudgetID {
				return domain.ErrValidation{Entity: domain.EntityLineItem, Field: "budget_id", Message: "batch edits are limited to one budget"}
			}
			created, err := createLineItem(b.tx, item)
			if err != nil {
				return fmt.Errorf("create line item %s: %w", c.TempID, err)
			}
			if c.TempID != "" {
				b.result.IDMap[c.TempID] = created.ID
			}
			b.result.Created++
			b.touch(created.TitleID)
		}
		if len(next) == len(pending) {
			return unresolved(domain.EntityLineItem, next, func(c LineItemCreate) string {
				return c.TempID + " -> " + c.Item.TitleID + "/" + domain.Deref(c.Item.ParentItemID)
			})
		}
		pending = next
	}
	return nil
}

func (b *batchRun) updateTitles() error {
	for _, u := range b.req.UpdateTitles {
		id, ok := b.resolve(u.ID)
		if !ok {
			return unresolvedRef(domain.EntityTitle, u.ID)
		}
		patch := u.Patch
		if patch.ParentID != nil {
			parent, ok := b.resolve(*patch.ParentID)
			if !ok {
				return unresolvedRef(domain.EntityTitle, *patch.ParentID)
			}
			patch.ParentID = &parent
		}
		before, err := domain.MustGet(b.tx.Titles(), domain.EntityTitle, id)
		if err != nil {
			return err
		}
		if before.BudgetID != b.req.BudgetID {
			return domain.ErrValidation{Entity: domain.EntityTitle, Field: "budget_id", Message: "batch edits are limited to one budget"}
		}
		updated, err := updateTitle(b.tx, id, patch)
		if err != nil {
			return fmt.Errorf("update title %s: %w", id, err)
		}
		b.result.Updated++
		if before.ParentID != nil {
			b.touch(*before.ParentID)
		}
		b.touch(updated.ID)
	}
	return nil
}

func (b *batchRun) updateLineItems() error {
	for _, u := range b.req.UpdateLineItems {
		id, ok := b.resolve(u.ID)
		if !ok {
			return unresolvedRef(domain.EntityLineItem, u.ID)
		}
		patch := u.Patch
		if patch.TitleID != nil {
			titleID, ok := b.resolve(*patch.TitleID)
			if !ok {
				return unresolvedRef(domain.EntityLineItem, *patch.TitleID)
			}
			patch.TitleID = &titleID
		}
		if patch.ParentItemID != nil {
			parent, ok := b.resolve(*patch.ParentItemID)
			if !ok {
				return unresolvedRef(domain.EntityLineItem, *patch.ParentItemID)
			}
			patch.ParentItemID = &parent
		}
		before, err := domain.MustGet(b.tx.LineItems(), domain.EntityLineItem, id)
		if err != nil {
			return err
		}
		if before.BudgetID != b.req.BudgetID {
			return domain.ErrValidation{Entity: domain.EntityLineItem, Field: "budget_id", Message: "batch edits are limited to one budget"}
		}
		updated, err := updateLineItem(b.tx, id, patch)
		if err != nil {
			return fmt.Errorf("update line item %s: %w", id, err)
		}
		b.result.Updated++
		b.touch(before.TitleID, updated.TitleID)
	}
	return nil
}

func unresolved[T any](entity domain.EntityType, pending []T, describe func(T) string) error {
	refs := make([]string, 0, len(pending))
	for _, p := range pending {
		refs = append(refs, describe(p))
	}
	sort.Strings(refs)
	return domain.ErrValidation{Entity: entity, Field: "parent",
		Message: "unresolvable or circular temporary references: " + strings.Join(refs, ", ")}
}

func unresolvedRef(entity domain.EntityType, ref string) error {
	return domain.ErrValidation{Entity: entity, Field: "id", Message: fmt.Sprintf("temporary id %q was never created", ref)}
}

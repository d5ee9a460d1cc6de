// Package unitofwork gives every multi-entity operation one atomic shape: try
// the store's native transaction first and, when the backend has none, run
// the same work in auto-commit mode while journaling inverse actions that
// are replayed newest-first on failure.
package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"budgetcore/pkg/domain"
)

// Logger is the subset of the service logger the journal needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type undo struct {
	label string
	apply func() error
}

// Journal records compensating actions for every mutation made through its
// transaction.
type Journal struct {
	inner domain.Transaction
	mu    sync.Mutex
	undos []undo
}

// NewJournal wraps tx.
func NewJournal(tx domain.Transaction) *Journal {
	return &Journal{inner: tx}
}

// Tx returns the journaled transaction handed to callers.
func (j *Journal) Tx() domain.Transaction {
	return journaledTx{j: j}
}

// Len returns the number of recorded compensations.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undos)
}

func (j *Journal) push(label string, fn func() error) {
	j.mu.Lock()
	j.undos = append(j.undos, undo{label: label, apply: fn})
	j.mu.Unlock()
}

// Rollback replays every compensation newest-first. Failures are collected
// and logged; replay continues so as much state as possible is restored.
func (j *Journal) Rollback(logger Logger) error {
	j.mu.Lock()
	undos := j.undos
	j.undos = nil
	j.mu.Unlock()
	var errs []error
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i].apply(); err != nil {
			if logger != nil {
				logger.Error("compensation failed", "action", undos[i].label, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", undos[i].label, err))
		}
	}
	return errors.Join(errs...)
}

type journaledTx struct {
	j *Journal
}

func (t journaledTx) Snapshot() domain.TransactionView { return t.j.inner.Snapshot() }

func (t journaledTx) NextID(entity domain.EntityType) string { return t.j.inner.NextID(entity) }

func (t journaledTx) Now() time.Time { return t.j.inner.Now() }

func (t journaledTx) Budgets() domain.Repository[domain.Budget] {
	return repo[domain.Budget]{j: t.j, entity: domain.EntityBudget, inner: t.j.inner.Budgets, id: func(v domain.Budget) string { return v.ID }}
}

func (t journaledTx) Titles() domain.Repository[domain.Title] {
	return repo[domain.Title]{j: t.j, entity: domain.EntityTitle, inner: t.j.inner.Titles, id: func(v domain.Title) string { return v.ID }}
}

func (t journaledTx) LineItems() domain.Repository[domain.LineItem] {
	return repo[domain.LineItem]{j: t.j, entity: domain.EntityLineItem, inner: t.j.inner.LineItems, id: func(v domain.LineItem) string { return v.ID }}
}

func (t journaledTx) Analyses() domain.Repository[domain.Analysis] {
	return repo[domain.Analysis]{j: t.j, entity: domain.EntityAnalysis, inner: t.j.inner.Analyses, id: func(v domain.Analysis) string { return v.ID }}
}

func (t journaledTx) SharedPrices() domain.Repository[domain.SharedPrice] {
	return repo[domain.SharedPrice]{j: t.j, entity: domain.EntitySharedPrice, inner: t.j.inner.SharedPrices, id: func(v domain.SharedPrice) string { return v.ID }}
}

func (t journaledTx) Approvals() domain.Repository[domain.ApprovalRequest] {
	return repo[domain.ApprovalRequest]{j: t.j, entity: domain.EntityApproval, inner: t.j.inner.Approvals, id: func(v domain.ApprovalRequest) string { return v.ID }}
}

// repo journals the inverse of each successful mutation:
// create -> delete, update -> restore previous value, delete -> re-create.
type repo[T any] struct {
	j      *Journal
	entity domain.EntityType
	inner  func() domain.Repository[T]
	id     func(T) string
}

func (r repo[T]) Get(id string) (T, bool) { return r.inner().Get(id) }

func (r repo[T]) List(match func(T) bool) []T { return r.inner().List(match) }

func (r repo[T]) Create(v T) (T, error) {
	created, err := r.inner().Create(v)
	if err != nil {
		return created, err
	}
	id := r.id(created)
	r.j.push(fmt.Sprintf("delete %s %s", r.entity, id), func() error {
		return r.inner().Delete(id)
	})
	return created, nil
}

func (r repo[T]) Update(id string, mutator func(*T) error) (T, error) {
	before, ok := r.inner().Get(id)
	updated, err := r.inner().Update(id, mutator)
	if err != nil || !ok {
		return updated, err
	}
	r.j.push(fmt.Sprintf("restore %s %s", r.entity, id), func() error {
		_, err := r.inner().Update(id, func(cur *T) error {
			*cur = before
			return nil
		})
		return err
	})
	return updated, nil
}

func (r repo[T]) Delete(id string) error {
	before, ok := r.inner().Get(id)
	if err := r.inner().Delete(id); err != nil {
		return err
	}
	if ok {
		r.j.push(fmt.Sprintf("recreate %s %s", r.entity, id), func() error {
			_, err := r.inner().Create(before)
			return err
		})
	}
	return nil
}

// Run executes fn atomically against store. A native transaction is tried
// first and discards its own writes on failure. When the store reports
// domain.ErrTransactionsUnsupported the same fn runs in auto-commit mode and
// the journal undoes every applied mutation if fn or the commit-time rules
// fail.
func Run(ctx context.Context, store domain.PersistentStore, logger Logger, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := store.RunInTransaction(ctx, fn)
	if !errors.Is(err, domain.ErrTransactionsUnsupported) {
		return res, err
	}
	if logger != nil {
		logger.Warn("native transactions unavailable, using compensating actions")
	}
	var journal *Journal
	res, err = store.RunDirect(ctx, func(tx domain.Transaction) error {
		journal = NewJournal(tx)
		return fn(journal.Tx())
	})
	if err != nil && journal != nil {
		if rbErr := journal.Rollback(logger); rbErr != nil {
			return res, fmt.Errorf("%w (compensation incomplete: %v)", err, rbErr)
		}
	}
	return res, err
}

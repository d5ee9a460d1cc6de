package domain

import (
	"context"
	"fmt"
	"time"
)

// Reader provides read access to one entity collection.
type Reader[T any] interface {
	Get(id string) (T, bool)
	// List returns records accepted by match (all when nil) ordered by ID.
	List(match func(T) bool) []T
}

// Repository exposes create/update/delete on one entity collection inside a
// transaction. Update applies mutator to a copy and stores the result.
type Repository[T any] interface {
	Reader[T]
	Create(T) (T, error)
	Update(id string, mutator func(*T) error) (T, error)
	Delete(id string) error
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	Budgets() Reader[Budget]
	Titles() Reader[Title]
	LineItems() Reader[LineItem]
	Analyses() Reader[Analysis]
	SharedPrices() Reader[SharedPrice]
	Approvals() Reader[ApprovalRequest]
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Budgets() Repository[Budget]
	Titles() Repository[Title]
	LineItems() Repository[LineItem]
	Analyses() Repository[Analysis]
	SharedPrices() Repository[SharedPrice]
	Approvals() Repository[ApprovalRequest]
	// NextID allocates the next sequential identifier for entity.
	NextID(entity EntityType) string
	Now() time.Time
}

// PersistentStore is a minimal abstraction over durable backends.
//
// RunInTransaction applies fn atomically or returns ErrTransactionsUnsupported
// without calling fn. RunDirect applies every mutation as it happens; callers
// that need atomicity there must compensate themselves.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	RunDirect(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}

var idPrefixes = map[EntityType]string{
	EntityBudget:      "BGT",
	EntityTitle:       "TTL",
	EntityLineItem:    "ITM",
	EntityAnalysis:    "UPA",
	EntityResource:    "RES",
	EntitySharedPrice: "PRC",
	EntityApproval:    "APR",
}

// IDPrefix returns the identifier prefix of entity.
func IDPrefix(entity EntityType) string {
	if p, ok := idPrefixes[entity]; ok {
		return p
	}
	return "GEN"
}

// FormatID renders the n-th identifier of entity, e.g. BGT0000000001.
func FormatID(entity EntityType, n uint64) string {
	return fmt.Sprintf("%s%010d", IDPrefix(entity), n)
}

// MustGet fetches id or returns ErrNotFound.
func MustGet[T any](r Reader[T], entity EntityType, id string) (T, error) {
	v, ok := r.Get(id)
	if !ok {
		var zero T
		return zero, ErrNotFound{Entity: entity, ID: id}
	}
	return v, nil
}

// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"budgetcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	budgets   map[string]domain.Budget
	titles    map[string]domain.Title
	items     map[string]domain.LineItem
	analyses  map[string]domain.Analysis
	prices    map[string]domain.SharedPrice
	approvals map[string]domain.ApprovalRequest
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Budgets   map[string]domain.Budget          `json:"budgets"`
	Titles    map[string]domain.Title           `json:"titles"`
	LineItems map[string]domain.LineItem        `json:"line_items"`
	Analyses  map[string]domain.Analysis        `json:"analyses"`
	Prices    map[string]domain.SharedPrice     `json:"shared_prices"`
	Approvals map[string]domain.ApprovalRequest `json:"approvals"`
	Counters  map[domain.EntityType]uint64      `json:"counters"`
}

func newMemoryState() memoryState {
	return memoryState{
		budgets:   make(map[string]domain.Budget),
		titles:    make(map[string]domain.Title),
		items:     make(map[string]domain.LineItem),
		analyses:  make(map[string]domain.Analysis),
		prices:    make(map[string]domain.SharedPrice),
		approvals: make(map[string]domain.ApprovalRequest),
	}
}

func cloneMap[T any](in map[string]T, clone func(T) T) map[string]T {
	out := make(map[string]T, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func (s memoryState) clone() memoryState {
	return memoryState{
		budgets:   cloneMap(s.budgets, domain.Budget.Clone),
		titles:    cloneMap(s.titles, domain.Title.Clone),
		items:     cloneMap(s.items, domain.LineItem.Clone),
		analyses:  cloneMap(s.analyses, domain.Analysis.Clone),
		prices:    cloneMap(s.prices, domain.SharedPrice.Clone),
		approvals: cloneMap(s.approvals, domain.ApprovalRequest.Clone),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithoutTransactions makes RunInTransaction report
// domain.ErrTransactionsUnsupported, mimicking a standalone document database.
func WithoutTransactions() Option {
	return func(s *Store) { s.native = false }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
	native bool

	idMu     sync.Mutex
	counters map[domain.EntityType]uint64
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:    newMemoryState(),
		engine:   engine,
		nowFn:    func() time.Time { return time.Now().UTC() },
		native:   true,
		counters: make(map[domain.EntityType]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsTransactions reports whether RunInTransaction is available.
func (s *Store) SupportsTransactions() bool { return s.native }

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

// nextID allocates outside of any transaction state so identifiers are never
// handed out twice, even when the transaction that drew them aborts.
func (s *Store) nextID(entity domain.EntityType) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.counters[entity]++
	return domain.FormatID(entity, s.counters[entity])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	state := s.state.clone()
	s.mu.RUnlock()
	s.idMu.Lock()
	counters := make(map[domain.EntityType]uint64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	s.idMu.Unlock()
	return Snapshot{
		Budgets:   state.budgets,
		Titles:    state.titles,
		LineItems: state.items,
		Analyses:  state.analyses,
		Prices:    state.prices,
		Approvals: state.approvals,
		Counters:  counters,
	}
}

// ImportState replaces the store state with the provided snapshot. Counters
// missing from the snapshot are recovered from the highest stored identifier.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for k, v := range snapshot.Budgets {
		state.budgets[k] = v.Clone()
	}
	for k, v := range snapshot.Titles {
		state.titles[k] = v.Clone()
	}
	for k, v := range snapshot.LineItems {
		state.items[k] = v.Clone()
	}
	for k, v := range snapshot.Analyses {
		state.analyses[k] = v.Clone()
	}
	for k, v := range snapshot.Prices {
		state.prices[k] = v.Clone()
	}
	for k, v := range snapshot.Approvals {
		state.approvals[k] = v.Clone()
	}

	counters := make(map[domain.EntityType]uint64, len(snapshot.Counters))
	for k, v := range snapshot.Counters {
		counters[k] = v
	}
	bump := func(entity domain.EntityType, id string) {
		if n := parseSequence(entity, id); n > counters[entity] {
			counters[entity] = n
		}
	}
	for id := range state.budgets {
		bump(domain.EntityBudget, id)
	}
	for id := range state.titles {
		bump(domain.EntityTitle, id)
	}
	for id := range state.items {
		bump(domain.EntityLineItem, id)
	}
	for id, a := range state.analyses {
		bump(domain.EntityAnalysis, id)
		for _, r := range a.Resources {
			bump(domain.EntityResource, r.ID)
		}
	}
	for id := range state.prices {
		bump(domain.EntitySharedPrice, id)
	}
	for id := range state.approvals {
		bump(domain.EntityApproval, id)
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.idMu.Lock()
	for k, v := range counters {
		if v > s.counters[k] {
			s.counters[k] = v
		}
	}
	s.idMu.Unlock()
}

func parseSequence(entity domain.EntityType, id string) uint64 {
	prefix := domain.IDPrefix(entity)
	if !strings.HasPrefix(id, prefix) {
		return 0
	}
	n, err := strconv.ParseUint(id[len(prefix):], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	if !s.native {
		return domain.Result{}, domain.ErrTransactionsUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// RunDirect applies each mutation of fn to the live state as it happens.
// Rules are evaluated afterwards; a blocking result is reported but the
// mutations stay applied, so callers must compensate.
func (s *Store) RunDirect(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	tx := &directTransaction{store: s}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	if s.engine == nil {
		return domain.Result{}, nil
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	res, err := s.engine.Evaluate(ctx, newTransactionView(&snapshot), tx.changes)
	if err != nil {
		return domain.Result{}, err
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	return res, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) clock() time.Time { return tx.now }

func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) NextID(entity domain.EntityType) string { return tx.store.nextID(entity) }

func (tx *transaction) Snapshot() domain.TransactionView { return newTransactionView(&tx.state) }

func (tx *transaction) Budgets() domain.Repository[domain.Budget] {
	return table[domain.Budget, *domain.Budget]{schema: budgetSchema, rows: func() map[string]domain.Budget { return tx.state.budgets }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

func (tx *transaction) Titles() domain.Repository[domain.Title] {
	return table[domain.Title, *domain.Title]{schema: titleSchema, rows: func() map[string]domain.Title { return tx.state.titles }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

func (tx *transaction) LineItems() domain.Repository[domain.LineItem] {
	return table[domain.LineItem, *domain.LineItem]{schema: lineItemSchema, rows: func() map[string]domain.LineItem { return tx.state.items }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

func (tx *transaction) Analyses() domain.Repository[domain.Analysis] {
	return table[domain.Analysis, *domain.Analysis]{schema: analysisSchema, rows: func() map[string]domain.Analysis { return tx.state.analyses }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

func (tx *transaction) SharedPrices() domain.Repository[domain.SharedPrice] {
	return table[domain.SharedPrice, *domain.SharedPrice]{schema: sharedPriceSchema, rows: func() map[string]domain.SharedPrice { return tx.state.prices }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

func (tx *transaction) Approvals() domain.Repository[domain.ApprovalRequest] {
	return table[domain.ApprovalRequest, *domain.ApprovalRequest]{schema: approvalSchema, rows: func() map[string]domain.ApprovalRequest { return tx.state.approvals }, record: tx.recordChange, nextID: tx.store.nextID, now: tx.clock}
}

// directTransaction writes straight into the store state, taking the store
// lock per call.
type directTransaction struct {
	store   *Store
	mu      sync.Mutex
	changes []domain.Change
}

func (tx *directTransaction) recordChange(change domain.Change) {
	tx.mu.Lock()
	tx.changes = append(tx.changes, change)
	tx.mu.Unlock()
}

func (tx *directTransaction) Now() time.Time { return tx.store.nowFn() }

func (tx *directTransaction) NextID(entity domain.EntityType) string { return tx.store.nextID(entity) }

func (tx *directTransaction) Snapshot() domain.TransactionView {
	return liveView{store: tx.store}
}

func (tx *directTransaction) Budgets() domain.Repository[domain.Budget] {
	s := tx.store
	return table[domain.Budget, *domain.Budget]{schema: budgetSchema, rows: func() map[string]domain.Budget { return s.state.budgets }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func (tx *directTransaction) Titles() domain.Repository[domain.Title] {
	s := tx.store
	return table[domain.Title, *domain.Title]{schema: titleSchema, rows: func() map[string]domain.Title { return s.state.titles }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func (tx *directTransaction) LineItems() domain.Repository[domain.LineItem] {
	s := tx.store
	return table[domain.LineItem, *domain.LineItem]{schema: lineItemSchema, rows: func() map[string]domain.LineItem { return s.state.items }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func (tx *directTransaction) Analyses() domain.Repository[domain.Analysis] {
	s := tx.store
	return table[domain.Analysis, *domain.Analysis]{schema: analysisSchema, rows: func() map[string]domain.Analysis { return s.state.analyses }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func (tx *directTransaction) SharedPrices() domain.Repository[domain.SharedPrice] {
	s := tx.store
	return table[domain.SharedPrice, *domain.SharedPrice]{schema: sharedPriceSchema, rows: func() map[string]domain.SharedPrice { return s.state.prices }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func (tx *directTransaction) Approvals() domain.Repository[domain.ApprovalRequest] {
	s := tx.store
	return table[domain.ApprovalRequest, *domain.ApprovalRequest]{schema: approvalSchema, rows: func() map[string]domain.ApprovalRequest { return s.state.approvals }, guard: &s.mu, record: tx.recordChange, nextID: s.nextID, now: tx.Now}
}

func discard(domain.Change) {}

func noID(domain.EntityType) string { return "" }

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

func (v transactionView) Budgets() domain.Reader[domain.Budget] {
	return table[domain.Budget, *domain.Budget]{schema: budgetSchema, rows: func() map[string]domain.Budget { return v.state.budgets }, record: discard, nextID: noID, now: time.Now}
}

func (v transactionView) Titles() domain.Reader[domain.Title] {
	return table[domain.Title, *domain.Title]{schema: titleSchema, rows: func() map[string]domain.Title { return v.state.titles }, record: discard, nextID: noID, now: time.Now}
}

func (v transactionView) LineItems() domain.Reader[domain.LineItem] {
	return table[domain.LineItem, *domain.LineItem]{schema: lineItemSchema, rows: func() map[string]domain.LineItem { return v.state.items }, record: discard, nextID: noID, now: time.Now}
}

func (v transactionView) Analyses() domain.Reader[domain.Analysis] {
	return table[domain.Analysis, *domain.Analysis]{schema: analysisSchema, rows: func() map[string]domain.Analysis { return v.state.analyses }, record: discard, nextID: noID, now: time.Now}
}

func (v transactionView) SharedPrices() domain.Reader[domain.SharedPrice] {
	return table[domain.SharedPrice, *domain.SharedPrice]{schema: sharedPriceSchema, rows: func() map[string]domain.SharedPrice { return v.state.prices }, record: discard, nextID: noID, now: time.Now}
}

func (v transactionView) Approvals() domain.Reader[domain.ApprovalRequest] {
	return table[domain.ApprovalRequest, *domain.ApprovalRequest]{schema: approvalSchema, rows: func() map[string]domain.ApprovalRequest { return v.state.approvals }, record: discard, nextID: noID, now: time.Now}
}

// liveView reads the committed state under the store read lock.
type liveView struct {
	store *Store
}

func (v liveView) Budgets() domain.Reader[domain.Budget] {
	s := v.store
	return table[domain.Budget, *domain.Budget]{schema: budgetSchema, rows: func() map[string]domain.Budget { return s.state.budgets }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

func (v liveView) Titles() domain.Reader[domain.Title] {
	s := v.store
	return table[domain.Title, *domain.Title]{schema: titleSchema, rows: func() map[string]domain.Title { return s.state.titles }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

func (v liveView) LineItems() domain.Reader[domain.LineItem] {
	s := v.store
	return table[domain.LineItem, *domain.LineItem]{schema: lineItemSchema, rows: func() map[string]domain.LineItem { return s.state.items }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

func (v liveView) Analyses() domain.Reader[domain.Analysis] {
	s := v.store
	return table[domain.Analysis, *domain.Analysis]{schema: analysisSchema, rows: func() map[string]domain.Analysis { return s.state.analyses }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

func (v liveView) SharedPrices() domain.Reader[domain.SharedPrice] {
	s := v.store
	return table[domain.SharedPrice, *domain.SharedPrice]{schema: sharedPriceSchema, rows: func() map[string]domain.SharedPrice { return s.state.prices }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

func (v liveView) Approvals() domain.Reader[domain.ApprovalRequest] {
	s := v.store
	return table[domain.ApprovalRequest, *domain.ApprovalRequest]{schema: approvalSchema, rows: func() map[string]domain.ApprovalRequest { return s.state.approvals }, guard: &s.mu, record: discard, nextID: noID, now: time.Now}
}

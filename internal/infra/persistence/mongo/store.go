// Package mongo persists the in-memory store into MongoDB, one collection per
// entity bucket and one document per record.
package mongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"budgetcore/internal/infra/persistence/memory"
	"budgetcore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultURI      = "mongodb://localhost:27017"
	defaultDatabase = "budgetcore"
	countersName    = "counters"

	serverSelectionTimeout = 10 * time.Second
)

// Collection names, one per entity bucket.
const (
	CollectionBudgets      = "budgets"
	CollectionTitles       = "titles"
	CollectionLineItems    = "line_items"
	CollectionAnalyses     = "analyses"
	CollectionSharedPrices = "shared_prices"
	CollectionApprovals    = "approvals"
)

// Store mirrors the memory store into MongoDB after every successful commit.
// Standalone servers offer no multi-document transactions, so the store is
// normally opened with memory.WithoutTransactions and callers compensate.
type Store struct {
	*memory.Store
	client *mongo.Client
	db     *mongo.Database
	mu     sync.Mutex
}

// NewStore connects to uri, loads every collection of database and returns
// the hydrated store.
func NewStore(ctx context.Context, uri, database string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if uri == "" {
		uri = defaultURI
	}
	if database == "" {
		database = defaultDatabase
	}
	clientOptions := options.Client().ApplyURI(uri).SetServerSelectionTimeout(serverSelectionTimeout)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), client: client, db: client.Database(database)}
	if err := s.load(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// RunInTransaction applies fn atomically in memory and mirrors the result.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// RunDirect applies fn in auto-commit mode and mirrors the result.
func (s *Store) RunDirect(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunDirect(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) load(ctx context.Context) error {
	var snapshot memory.Snapshot
	var err error
	if snapshot.Budgets, err = loadCollection[domain.Budget](ctx, s.db.Collection(CollectionBudgets), budgetID); err != nil {
		return err
	}
	if snapshot.Titles, err = loadCollection[domain.Title](ctx, s.db.Collection(CollectionTitles), titleID); err != nil {
		return err
	}
	if snapshot.LineItems, err = loadCollection[domain.LineItem](ctx, s.db.Collection(CollectionLineItems), lineItemID); err != nil {
		return err
	}
	if snapshot.Analyses, err = loadCollection[domain.Analysis](ctx, s.db.Collection(CollectionAnalyses), analysisID); err != nil {
		return err
	}
	if snapshot.Prices, err = loadCollection[domain.SharedPrice](ctx, s.db.Collection(CollectionSharedPrices), priceID); err != nil {
		return err
	}
	if snapshot.Approvals, err = loadCollection[domain.ApprovalRequest](ctx, s.db.Collection(CollectionApprovals), approvalID); err != nil {
		return err
	}
	counters, err := loadCounters(ctx, s.db.Collection(countersName))
	if err != nil {
		return err
	}
	snapshot.Counters = counters
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	if err := syncCollection(ctx, s.db.Collection(CollectionBudgets), snapshot.Budgets); err != nil {
		return err
	}
	if err := syncCollection(ctx, s.db.Collection(CollectionTitles), snapshot.Titles); err != nil {
		return err
	}
	if err := syncCollection(ctx, s.db.Collection(CollectionLineItems), snapshot.LineItems); err != nil {
		return err
	}
	if err := syncCollection(ctx, s.db.Collection(CollectionAnalyses), snapshot.Analyses); err != nil {
		return err
	}
	if err := syncCollection(ctx, s.db.Collection(CollectionSharedPrices), snapshot.Prices); err != nil {
		return err
	}
	if err := syncCollection(ctx, s.db.Collection(CollectionApprovals), snapshot.Approvals); err != nil {
		return err
	}
	counterModels := counterWriteModels(snapshot.Counters)
	if len(counterModels) == 0 {
		return nil
	}
	if _, err := s.db.Collection(countersName).BulkWrite(ctx, counterModels, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	return nil
}

func budgetID(v domain.Budget) string            { return v.ID }
func titleID(v domain.Title) string              { return v.ID }
func lineItemID(v domain.LineItem) string        { return v.ID }
func analysisID(v domain.Analysis) string        { return v.ID }
func priceID(v domain.SharedPrice) string        { return v.ID }
func approvalID(v domain.ApprovalRequest) string { return v.ID }

func loadCollection[T any](ctx context.Context, coll *mongo.Collection, id func(T) string) (map[string]T, error) {
	cursor, err := coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	var records []T
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	out := make(map[string]T, len(records))
	for _, r := range records {
		out[id(r)] = r
	}
	return out, nil
}

type counterDoc struct {
	Entity string `bson:"_id"`
	Seq    uint64 `bson:"seq"`
}

func loadCounters(ctx context.Context, coll *mongo.Collection) (map[domain.EntityType]uint64, error) {
	cursor, err := coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find counters: %w", err)
	}
	var docs []counterDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	out := make(map[domain.EntityType]uint64, len(docs))
	for _, d := range docs {
		out[domain.EntityType(d.Entity)] = d.Seq
	}
	return out, nil
}

// syncCollection upserts every record and removes documents that no longer
// exist in memory.
func syncCollection[T any](ctx context.Context, coll *mongo.Collection, records map[string]T) error {
	models, ids := upsertModels(records)
	if len(models) > 0 {
		if _, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("write %s: %w", coll.Name(), err)
		}
	}
	if _, err := coll.DeleteMany(ctx, staleFilter(ids)); err != nil {
		return fmt.Errorf("prune %s: %w", coll.Name(), err)
	}
	return nil
}

func upsertModels[T any](records map[string]T) ([]mongo.WriteModel, []string) {
	models := make([]mongo.WriteModel, 0, len(records))
	ids := make([]string, 0, len(records))
	for id, record := range records {
		ids = append(ids, id)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: id}}).
			SetReplacement(record).
			SetUpsert(true))
	}
	return models, ids
}

func staleFilter(ids []string) bson.D {
	return bson.D{{Key: "_id", Value: bson.D{{Key: "$nin", Value: ids}}}}
}

func counterWriteModels(counters map[domain.EntityType]uint64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(counters))
	for entity, seq := range counters {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: string(entity)}}).
			SetUpdate(bson.D{{Key: "$max", Value: bson.D{{Key: "seq", Value: seq}}}}).
			SetUpsert(true))
	}
	return models
}

package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"budgetcore/internal/infra/persistence/memory"
	"budgetcore/internal/infra/persistence/mongo"
	"budgetcore/internal/infra/persistence/postgres"
	"budgetcore/internal/infra/persistence/sqlite"
	"budgetcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageMongo    StorageDriver = "mongo"    // MongoDB, compensating by default
)

// TransactionMode selects how units of work reach the store.
type TransactionMode string

const (
	TransactionsNative       TransactionMode = "native"
	TransactionsCompensating TransactionMode = "compensating"
)

// StorageConfig describes the persistent backend.
type StorageConfig struct {
	Driver        StorageDriver
	SQLitePath    string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
	Transactions  TransactionMode
}

// StorageConfigFromEnv reads the storage settings.
//
//	BUDGETCORE_STORAGE_DRIVER: memory|sqlite|postgres|mongo (default sqlite)
//	BUDGETCORE_SQLITE_PATH: path to sqlite file (default ./budgetcore.db)
//	BUDGETCORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	BUDGETCORE_MONGO_URI, BUDGETCORE_MONGO_DATABASE: mongo connection
//	BUDGETCORE_TRANSACTIONS: native|compensating (mongo defaults to compensating)
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{
		Driver:        StorageDriver(strings.ToLower(os.Getenv("BUDGETCORE_STORAGE_DRIVER"))),
		SQLitePath:    os.Getenv("BUDGETCORE_SQLITE_PATH"),
		PostgresDSN:   os.Getenv("BUDGETCORE_POSTGRES_DSN"),
		MongoURI:      os.Getenv("BUDGETCORE_MONGO_URI"),
		MongoDatabase: os.Getenv("BUDGETCORE_MONGO_DATABASE"),
		Transactions:  TransactionMode(strings.ToLower(os.Getenv("BUDGETCORE_TRANSACTIONS"))),
	}
	if cfg.Driver == "" {
		cfg.Driver = StorageSQLite
	}
	if cfg.Transactions == "" {
		cfg.Transactions = TransactionsNative
		if cfg.Driver == StorageMongo {
			cfg.Transactions = TransactionsCompensating
		}
	}
	return cfg
}

// OpenPersistentStore selects a backend using environment variables.
func OpenPersistentStore(ctx context.Context, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	return OpenStorage(ctx, StorageConfigFromEnv(), engine)
}

// OpenStorage opens the backend described by cfg.
func OpenStorage(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	var opts []memory.Option
	switch cfg.Transactions {
	case "", TransactionsNative:
	case TransactionsCompensating:
		opts = append(opts, memory.WithoutTransactions())
	default:
		return nil, fmt.Errorf("unknown transaction mode %s", cfg.Transactions)
	}
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nil
	case StorageSQLite, "":
		return sqlite.NewStore(cfg.SQLitePath, engine, opts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
	case StorageMongo:
		return mongo.NewStore(ctx, cfg.MongoURI, cfg.MongoDatabase, engine, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

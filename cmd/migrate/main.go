package main

import (
	"context"
	"time"

	mongoMigration "staybook/internal/migrations/mongo"
	mysqlMigration "staybook/internal/migrations/mysql"
	postgresMigration "staybook/internal/migrations/postgres"
	"staybook/pkg/config"
)

const JobName = "schema-migration"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cfg := config.Load(JobName)
	cfg.Log.Info("Starting migration job", "store_driver", cfg.StoreDriver)
	defer cfg.GracefulShutdown()

	if err := migrate(ctx, cfg); err != nil {
		cfg.Log.Fatal("Migration failed", "error", err)
	}
	cfg.Log.Info("Migration completed successfully")
}

func migrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StoreDriverMySQL:
		cfg.Client.SetMySQL(cfg.Log, cfg.MySQLDSN(), cfg.MySQLMaxConns)
		return mysqlMigration.RunMigration(ctx, cfg.Client.MySQL, cfg.Log)
	case config.StoreDriverPostgres:
		cfg.Client.SetPostgres(cfg.Log, cfg.PostgresURL, int32(cfg.PostgresMaxConns))
		return postgresMigration.RunMigration(ctx, cfg.Client.Postgres, cfg.Log)
	case config.StoreDriverMongo:
		cfg.SetMongo()
		return mongoMigration.RunMigration(ctx, cfg.Client.Mongo, cfg.MongoDatabaseName, cfg.Log)
	default:
		cfg.Log.Info("Store driver has no schema to migrate", "store_driver", cfg.StoreDriver)
		return nil
	}
}

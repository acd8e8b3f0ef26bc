package main

import (
	"staybook/internal/bookings/events"
	"staybook/internal/bookings/handler"
	"staybook/internal/bookings/keygen"
	"staybook/internal/bookings/repository"
	"staybook/internal/bookings/repository/memory"
	mongostore "staybook/internal/bookings/repository/mongo"
	"staybook/internal/bookings/repository/mysql"
	"staybook/internal/bookings/repository/postgres"
	"staybook/internal/bookings/service"
	"staybook/internal/bookings/validator"
	"staybook/pkg/app"
	"staybook/pkg/config"
	"staybook/pkg/dlock"
	"staybook/pkg/metrics"
)

const ServiceName = "bookings"

func main() {
	cfg := config.Load(ServiceName)
	cfg.Connect()

	cfg.Log.Info("Starting Bookings service")
	m := metrics.New()

	store := initStore(cfg)
	locker := initLocker(cfg)
	publisher, err := events.New(cfg, m)
	if err != nil {
		cfg.Log.Fatal("Failed to initialize event publisher", "error", err, "events_driver", cfg.EventsDriver)
	}

	bookingService := service.NewBookingService(
		store,
		locker,
		keygen.NewUUIDGenerator(),
		validator.NewBookingValidator(cfg.Log),
		publisher,
		m,
		cfg,
	)

	serverApp := app.NewApplication(cfg, m)
	serverApp.SetApp(
		handler.NewBookingHandler(bookingService, cfg.Log),
		handler.NewHealthHandler(store, locker, cfg.Log),
	)
	serverApp.OnShutdown("event publisher", publisher.Close)
	serverApp.OnShutdown("backend clients", func() error {
		cfg.GracefulShutdown()
		return nil
	})
	serverApp.Run()
}

func initStore(cfg *config.Config) repository.Store {
	var store repository.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMySQL:
		store = mysql.NewStore(cfg.Client.MySQL)
	case config.StoreDriverPostgres:
		store = postgres.NewStore(cfg.Client.Postgres)
	case config.StoreDriverMongo:
		store = mongostore.NewStore(cfg.Client.Mongo, cfg.MongoDatabaseName, cfg.MongoConnTimeout)
	default:
		cfg.Log.Warn("Using in-memory store, bookings will not survive a restart")
		store = memory.NewStore()
	}
	cfg.Log.Info("Booking store initialized", "store_driver", cfg.StoreDriver)
	return store
}

func initLocker(cfg *config.Config) *dlock.Manager {
	locker, err := dlock.New(cfg.Client.RedisNodes(), dlock.Options{
		KeyPrefix:   cfg.LockKeyPrefix,
		DriftFactor: cfg.LockDriftFactor,
		RetryCount:  cfg.LockRetryCount,
		RetryDelay:  cfg.LockRetryDelay,
		RetryJitter: cfg.LockRetryJitter,
	})
	if err != nil {
		cfg.Log.Fatal("Failed to initialize lock manager", "error", err)
	}
	cfg.Log.Info("Lock manager initialized", "nodes", len(cfg.Client.RedisNodes()), "quorum", locker.Quorum())
	return locker
}

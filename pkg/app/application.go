package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"staybook/pkg/config"
	"staybook/pkg/contracts"
	"staybook/pkg/metrics"
	"staybook/pkg/middleware"

	"github.com/julienschmidt/httprouter"
)

const replayKeyPrefix = "staybook:replay:"

type closer struct {
	name string
	fn   func() error
}

type Application struct {
	cfg            *config.Config
	metrics        *metrics.Metrics
	server         *http.Server
	replayStore    middleware.ReplayStore
	memoryReplay   *middleware.InMemoryReplayStore
	healthHandler  http.Handler
	appHttpHandler http.Handler
	closers        []closer
}

func NewApplication(cfg *config.Config, m *metrics.Metrics) *Application {
	return &Application{cfg: cfg, metrics: m}
}

func (a *Application) SetApp(appHandler, healthHandler contracts.Handler) {
	a.setHealthHandler(healthHandler)
	a.setAppHandler(appHandler)
	a.setAppServer()
}

// OnShutdown registers fn to run after the server has drained, in
// registration order.
func (a *Application) OnShutdown(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler is the fully assembled HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}

func (a *Application) setHealthHandler(healthHandler contracts.Handler) {
	healthRouter := httprouter.New()
	healthHandler.RegisterRoutes(healthRouter)

	var healthHTTPHandler http.Handler = healthRouter
	healthHTTPHandler = middleware.RequestLogging(a.cfg.Log, nil)(healthHTTPHandler)
	healthHTTPHandler = middleware.Recovery(a.cfg.Log)(healthHTTPHandler)
	a.healthHandler = healthHTTPHandler
	a.cfg.Log.Info("Health endpoints configured with minimal middleware (Recovery + Logging only)")
}

func (a *Application) setAppHandler(appHandler contracts.Handler) {
	appRouter := httprouter.New()
	appHandler.RegisterRoutes(appRouter)

	var appHttpHandler http.Handler = appRouter
	if r, ok := appHandler.(contracts.Replayable); ok {
		a.replayStore = a.newReplayStore()
		appHttpHandler = middleware.Replay(a.replayStore, middleware.HeaderIdempotencyKey,
			matchRoutes(r.ReplayableRoutes()), a.cfg.Log)(appHttpHandler)
	}
	appHttpHandler = middleware.RequestTimeout(a.cfg.RequestTimeout)(appHttpHandler)
	appHttpHandler = middleware.ContentTypeValidation(a.cfg.Log)(appHttpHandler)
	appHttpHandler = middleware.MaxRequestSize(int64(a.cfg.MaxRequestSize))(appHttpHandler)
	appHttpHandler = middleware.RequestLogging(a.cfg.Log, a.metrics)(appHttpHandler)
	appHttpHandler = middleware.Recovery(a.cfg.Log)(appHttpHandler)
	a.appHttpHandler = appHttpHandler
	a.cfg.Log.Info("Application endpoints configured with full middleware stack")
}

func (a *Application) newReplayStore() middleware.ReplayStore {
	if a.cfg.ReplayStore == config.ReplayStoreRedis && a.cfg.Client != nil && len(a.cfg.Client.Redis) > 0 {
		a.cfg.Log.Info("Request replay records stored in Redis", "ttl", a.cfg.ReplayTTL)
		return middleware.NewRedisReplayStore(a.cfg.Client.Redis[0], a.cfg.ReplayTTL, replayKeyPrefix)
	}
	a.memoryReplay = middleware.NewInMemoryReplayStore(a.cfg.ReplayTTL)
	a.cfg.Log.Info("Request replay records stored in memory", "ttl", a.cfg.ReplayTTL)
	return a.memoryReplay
}

func matchRoutes(routes []contracts.Route) func(*http.Request) bool {
	matchers := make([]func(*http.Request) bool, 0, len(routes))
	for _, route := range routes {
		matchers = append(matchers, middleware.MatchRoute(route.Method, route.Path))
	}
	return func(r *http.Request) bool {
		for _, match := range matchers {
			if match(r) {
				return true
			}
		}
		return false
	}
}

func (a *Application) setAppServer() {
	mux := http.NewServeMux()
	mux.Handle("/health", a.healthHandler)
	mux.Handle("/ready", a.healthHandler)
	if a.cfg.MetricsEnabled && a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	mux.Handle("/", a.appHttpHandler)

	a.server = &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      mux,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
	}

	a.cfg.Log.Info("HTTP server configured", "port", a.cfg.Port, "metrics", a.cfg.MetricsEnabled)
}

func (a *Application) Run() {
	serverErrors := make(chan error, 1)

	go func() {
		a.cfg.Log.Info("Starting HTTP server", "address", a.server.Addr)
		serverErrors <- a.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			a.cfg.Log.Fatal("HTTP server failed", "error", err)
		}

	case sig := <-shutdown:
		a.cfg.Log.Info("Shutdown signal received", "signal", sig)
		a.gracefulShutdown()
	}
}

func (a *Application) gracefulShutdown() {
	a.cfg.Log.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.cfg.Log.Error("Server shutdown failed", "error", err)
		if err := a.server.Close(); err != nil {
			a.cfg.Log.Error("Could not stop server gracefully", "error", err)
		}
	}
	a.cfg.Log.Info("Server stopped")

	a.Close()
	a.cfg.Log.Info("Shutdown complete")
}

// Close stops background workers and runs the shutdown hooks. The server
// must no longer be accepting requests.
func (a *Application) Close() {
	if a.memoryReplay != nil {
		a.memoryReplay.Stop()
	}
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			a.cfg.Log.Warn("Shutdown hook failed", "name", c.name, "error", err)
			continue
		}
		a.cfg.Log.Info("Shutdown hook completed", "name", c.name)
	}
	a.closers = nil
}

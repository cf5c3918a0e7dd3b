package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loyalty-backend/checkin"
	"loyalty-backend/checkout"
	"loyalty-backend/config"
	"loyalty-backend/handlers"
	"loyalty-backend/ledger"
	"loyalty-backend/metrics"
	"loyalty-backend/notify"
	"loyalty-backend/store"
	"loyalty-backend/token"
	"loyalty-backend/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the service and serves until SIGINT or SIGTERM. Deferred cleanup
// runs before main decides the exit code.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st   store.Store
		dir  users.Directory
		ping func(context.Context) error
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		mem := store.NewMemoryStore()
		static := users.NewStatic()
		cfg.Policy.Seed.Apply(static, mem)
		logger.Info("seeded memory store", "users", len(cfg.Policy.Seed.Users), "products", len(cfg.Policy.Seed.Products))
		st, dir = mem, static
	default:
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		if !cfg.Policy.Seed.Empty() {
			logger.Warn("policy seed is only applied to the memory store, ignoring")
		}

		st = store.NewPostgresStore(pool)
		dir = users.NewProfileDirectory(pool)
		ping = pool.Ping
	}

	metrics.Register()

	dispatcher := notify.NewDispatcher(cfg.Policy.NotificationBuffer, logger)
	go dispatcher.Run(ctx)
	go notify.LogSink(ctx, dispatcher, logger)

	l := ledger.New(st, dir, ledger.WithNotifier(dispatcher), ledger.WithLogger(logger))

	eventTokens := token.New(st, token.EventShape{},
		token.WithLogger(logger), token.WithCacheSize(cfg.Policy.SecretCacheSize))
	kioskTokens := token.New(st, token.KioskShape{},
		token.WithLogger(logger), token.WithCacheSize(cfg.Policy.SecretCacheSize))

	checkins := checkin.New(st, dir, l, eventTokens,
		checkin.WithNotifier(dispatcher),
		checkin.WithLogger(logger),
		checkin.WithDefaultRotation(cfg.Policy.DefaultRotationSeconds),
	)
	orders := checkout.New(st, dir, l, kioskTokens,
		checkout.WithNotifier(dispatcher),
		checkout.WithLogger(logger),
		checkout.WithOrderTTL(time.Duration(cfg.Policy.KioskOrderTTL)),
	)

	scans := handlers.NewScanLimiter(cfg.Policy.ScannerRatePerSecond, cfg.Policy.ScannerBurst)
	go scans.Cleanup(ctx, 10*time.Minute)

	router, err := handlers.NewRouter(l, checkins, orders, handlers.RouterConfig{
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Scans:          scans,
		Ping:           ping,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver)
	return serve(ctx, srv, logger)
}

// serve runs srv until it fails or ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

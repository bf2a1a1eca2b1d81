package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"stable-sync-backend/config"
	"stable-sync-backend/internal/api"
	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/db"
	"stable-sync-backend/internal/feed"
	"stable-sync-backend/internal/feed/natsfeed"
	"stable-sync-backend/internal/importer"
	"stable-sync-backend/internal/logger"
	"stable-sync-backend/internal/metrics"
	"stable-sync-backend/internal/notification"
	"stable-sync-backend/internal/optimistic"
	"stable-sync-backend/internal/store"
	"stable-sync-backend/internal/subscription"
	"stable-sync-backend/internal/view"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// Setup logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("configuration loaded", zap.String("path", configPath))

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		log.Warn("VAPID keys are not configured; conflict alerts will not be pushed")
	} else {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	log.Info("database initialized", zap.String("driver", cfg.Database.Driver))

	transport, publisher, closeFeed, err := openFeed(cfg.Feed, log)
	if err != nil {
		log.Fatal("failed to open change feed", zap.Error(err))
	}
	defer closeFeed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("stable_sync")
	appStore := store.NewGormStore(gormDB, publisher, log.Named("store"))
	subs := subscription.NewManager(transport, cfg.Feed.Backoff(), log.Named("subscription"), m)

	policy := view.EventDriven()
	if cfg.Sync.RefreshPolicy == "poll" {
		policy = view.Poll(cfg.Sync.PollInterval)
	}
	deps := view.Deps{Loader: appStore, Subs: subs, Policy: policy, Coalesce: cfg.Sync.EventCoalesce, Logger: log.Named("view"), Metrics: m}
	views := api.Views{
		Rentals:  view.NewRentalView(deps, nil),
		Units:    view.NewUnitView(deps, nil),
		Bookings: view.NewBookingView(deps, nil),
	}
	startViews(ctx, views, log)

	coordinator := optimistic.New(appStore, views.Bookings, subs, optimistic.Options{
		WriteTimeout:     cfg.Sync.WriteTimeout,
		ReconcileTimeout: cfg.Sync.ReconcileTimeout,
		RejectConflicts:  cfg.Sync.RejectConflicts,
	}, log.Named("optimistic"), m)
	if err := coordinator.Start(ctx); err != nil {
		log.Fatal("failed to start optimistic coordinator", zap.Error(err))
	}

	// Conflict alerts
	var alerter *notification.Alerter
	if webpushOptions != nil {
		floor, err := conflict.ParseSeverity(cfg.Sync.AlertMinSeverity)
		if err != nil {
			log.Fatal("invalid alert severity", zap.Error(err))
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, log.Named("push"))
		pool.Start(ctx)
		alerter = notification.NewAlerter(views.Bookings, pool, floor, cfg.Sync.AlertDebounce, log.Named("alerter"))
		alerter.Start()
	}

	// Initialize and run the importer in the background with the store
	importSvc := importer.NewService(cfg.Importer, appStore, log.Named("importer"))
	go importSvc.Run(ctx)

	// Initialize router
	handler := api.NewHandler(appStore, views, coordinator, subs, webpushOptions, log.Named("api"))
	router := api.NewRouter(handler, cfg.Server, m.Registry)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	log.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server Shutdown", zap.Error(err))
	}
	cancel()
	if alerter != nil {
		alerter.Stop()
	}
	if err := coordinator.Stop(); err != nil {
		log.Warn("failed to stop optimistic coordinator", zap.Error(err))
	}
	if err := subs.Shutdown(); err != nil {
		log.Warn("failed to release subscriptions", zap.Error(err))
	}

	log.Info("server gracefully stopped")
}

// startViews performs the first load of every view. A view that fails to load stays
// in state failed and is reported by /healthz; the process keeps serving.
func startViews(ctx context.Context, views api.Views, log *zap.Logger) {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for name, start := range map[string]func(context.Context) error{
		"rentals":  views.Rentals.Start,
		"units":    views.Units.Start,
		"bookings": views.Bookings.Start,
	} {
		if err := start(loadCtx); err != nil {
			log.Error("initial view load failed", zap.String("view", name), zap.Error(err))
		}
	}
}

// openFeed returns the change-feed transport and the publisher the store writes to.
// Both ends share one in-process broker or one NATS connection.
func openFeed(cfg config.FeedConfig, log *zap.Logger) (feed.Transport, feed.Publisher, func(), error) {
	switch cfg.Driver {
	case "nats":
		conn, err := natsfeed.Connect(cfg.NatsURL, "stable-sync")
		if err != nil {
			return nil, nil, nil, err
		}
		publisher, err := natsfeed.NewPublisher(conn, cfg.SubjectPrefix)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		log.Info("change feed connected to NATS", zap.String("url", cfg.NatsURL))
		return natsfeed.New(conn, cfg.SubjectPrefix, log.Named("natsfeed")), publisher, conn.Close, nil
	default:
		broker := feed.NewBroker(cfg.BufferSize)
		log.Info("using in-process change feed")
		return broker, broker, func() { _ = broker.Close() }, nil
	}
}

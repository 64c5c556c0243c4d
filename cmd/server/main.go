package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-realtime/internal/checkout"
	"github.com/example/fleet-realtime/internal/config"
	"github.com/example/fleet-realtime/internal/eventlog"
	"github.com/example/fleet-realtime/internal/gateway"
	httpapi "github.com/example/fleet-realtime/internal/http"
	"github.com/example/fleet-realtime/internal/logging"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/notify"
	"github.com/example/fleet-realtime/internal/payments"
	"github.com/example/fleet-realtime/internal/registry"
	"github.com/example/fleet-realtime/internal/relay"
	"github.com/example/fleet-realtime/internal/seats"
	"github.com/example/fleet-realtime/internal/storage"
	"github.com/example/fleet-realtime/internal/tripstate"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid server config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var checks []func(context.Context) error
	if db, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, db.Ping)
	}

	gwDeps := gateway.Deps{
		Registry:      registry.New(logger),
		Machine:       tripstate.New(store, logger),
		Trips:         store,
		Logger:        logger,
		AllowedOrigin: cfg.AllowedOrigin,
	}

	var (
		relayClient *relay.Client
		verifier    *relay.Verifier
	)
	if cfg.RelayEnabled() {
		var cache relay.RegistrationCache = relay.NewMemoryCache()
		if cfg.RedisAddr != "" {
			rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			defer rc.Close()
			cache = relay.NewRedisCache(relay.NewRedisHashes(rc))
			checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		}
		relayClient, err = relay.NewClient(relay.Config{
			BaseURL:     cfg.RelayBaseURL,
			APIKey:      cfg.RelayAPIKey,
			CallbackURL: cfg.CallbackURL(),
			MaxAttempts: cfg.RelayPublishAttempts,
		}, cache, logger)
		if err != nil {
			logger.Error("relay client", "error", err)
			os.Exit(1)
		}
		verifier, err = relay.NewVerifier(cfg.WebhookSecret)
		if err != nil {
			logger.Error("webhook verifier", "error", err)
			os.Exit(1)
		}
		gwDeps.Relay = relayClient
		logger.Info("relay distribution enabled", "base_url", cfg.RelayBaseURL, "callback_url", cfg.CallbackURL())
	} else {
		logger.Warn("RELAY_API_KEY not set; delivering status events in-process")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := eventlog.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer producer.Close()
		gwDeps.Events = producer
		logger.Info("event log enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.NotifyEndpoint != "" {
		gwDeps.Notifier = notify.NewHTTPNotifier(cfg.NotifyEndpoint, cfg.NotifyKey)
	}

	gw := gateway.New(gwDeps)
	seatSvc := seats.NewService(store, store, logger)

	var pay checkout.PaymentGateway
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	checkoutSvc := checkout.NewService(seatSvc, pay, cfg.PaymentCurrency, gw, logger)

	apiDeps := httpapi.Deps{
		Gateway:       gw,
		Trips:         store,
		Seats:         seatSvc,
		Checkout:      checkoutSvc,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}
	if relayClient != nil {
		apiDeps.Relay = relayClient
		apiDeps.Verifier = verifier
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(apiDeps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("fleet gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	gw.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		mem := storage.NewMemoryStore()
		if cfg.SeedDemo {
			seedDemo(mem, logger)
		}
		logger.Warn("PG_DSN not set; using in-memory store")
		return mem, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_fleet.sql"))
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx, string(b)); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("migration applied", "file", "001_fleet.sql")
	}
	return pg, nil
}

// seedDemo loads one driver, bus and scheduled trip so the gateway can be
// exercised without a database.
func seedDemo(m *storage.MemoryStore, logger *slog.Logger) {
	now := time.Now().UTC()
	m.SaveDriver(models.Driver{ID: "drv-demo", Name: "Demo Driver", Availability: models.DriverOffline, UpdatedAt: now})
	m.SaveBus(models.Bus{ID: "bus-demo", Plate: "KDA 001A", Capacity: 33, SeatPrice: 150000})
	trip := models.Trip{
		ID:            uuid.NewString(),
		BusID:         "bus-demo",
		DriverID:      "drv-demo",
		DepartureCity: "Nairobi",
		ArrivalCity:   "Mombasa",
		DepartureTime: now.Add(time.Hour),
		ArrivalTime:   now.Add(9 * time.Hour),
		Status:        models.TripScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.SaveTrip(trip)
	logger.Info("demo data seeded", "trip_id", trip.ID, "driver_id", "drv-demo", "bus_id", "bus-demo")
}

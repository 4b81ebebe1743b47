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

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var index geo.Geo = geo.NewIndex(cfg.Dispatch.DriverStaleAfter)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "err", err)
		}
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Dispatch.DriverStaleAfter)
		logger.Info("driver index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var estimator eta.Estimator = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator = &eta.Cached{
			Primary:  eta.NewOSRMClient(cfg.OSRMEndpoint),
			Fallback: estimator,
			Cache:    eta.NewCache(cfg.ETACacheTTL),
		}
	}

	bus := realtime.NewBus(logger, 64)
	sinks := []dispatch.Sink{bus}
	opts := []dispatch.Option{dispatch.WithEstimator(estimator), dispatch.WithLogger(logger)}

	var relay *ingest.EventRelay
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewEventWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		sinks = append(sinks, events)

		locations := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
		opts = append(opts, dispatch.WithLocationPublisher(locations))

		relay = ingest.NewEventRelay(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.InstanceID, bus, logger)
		defer relay.Close()
	}
	if cfg.StripeAPIKey != "" {
		sinks = append(sinks, payments.NewFareSink(payments.NewStripeClient(cfg.StripeAPIKey), store, cfg.PaymentCurrency, logger))
	}

	outbox := dispatch.NewOutbox(logger, cfg.OutboxBuffer, sinks...)
	outbox.Start(context.WithoutCancel(ctx))
	defer outbox.Close()

	engine := dispatch.New(store, index, outbox, engineConfig(cfg), opts...)

	var verifier auth.Verifier = auth.HeaderVerifier{}
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, trusting identity headers")
	}

	ws := realtime.NewWSHandler(bus, verifier, engine, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, verifier, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if relay != nil {
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("event relay stopped", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "instance_id", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := storage.NewPostgresStore(openCtx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(openCtx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func engineConfig(cfg config.ServerConfig) dispatch.Config {
	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.Dispatch.ReadRetryAttempts
	policy.BaseDelay = cfg.Dispatch.ReadRetryBaseDelay
	return dispatch.Config{
		SearchRadiusKm: cfg.Dispatch.SearchRadiusKm,
		MaxBidsPerRide: cfg.Dispatch.MaxBidsPerRide,
		BidTimeout:     cfg.Dispatch.BidTimeout,
		ReadRetry:      policy,
		InstanceID:     cfg.InstanceID,
	}
}

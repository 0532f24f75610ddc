package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

const tokenTTL = 24 * time.Hour

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	index, err := buildIndex(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	store, err := buildStore(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	reg := registry.New(index, logging.Component(logger, "registry"))
	hub := events.NewBroadcaster(logging.Component(logger, "events"))
	if len(cfg.KafkaBrokers) > 0 {
		hub.AddSink(ingest.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaRideEventsTopic))
	}
	if cfg.AMQPURL != "" {
		sink, err := ingest.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, logging.Component(logger, "amqp"))
		if err != nil {
			return err
		}
		hub.AddSink(sink)
	}

	rides := lifecycle.New(store, reg, hub, logging.Component(logger, "lifecycle"))
	ranker, err := matcher.RankerByName(cfg.MatchRanker)
	if err != nil {
		return err
	}
	engine := matcher.New(matcher.Config{
		RadiusKm:     cfg.MatchRadiusKm,
		TopK:         cfg.MatchTopK,
		OfferTimeout: cfg.OfferTimeout,
		MaxRounds:    cfg.DispatchMaxRounds,
		RetryDelay:   cfg.DispatchRetryDelay,
	}, reg, rides, hub, ranker, buildEstimator(cfg), logging.Component(logger, "matcher"))

	var settler *payments.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewSettler(payments.NewStripeClient(cfg.StripeAPIKey), cfg.StripeCurrency, logging.Component(logger, "payments"))
		rides.Observe(settler)
	}

	deps := httpapi.Deps{
		Rides:   rides,
		Engine:  engine,
		Drivers: reg,
		Hub:     hub,
		Logger:  logging.Component(logger, "http"),
	}
	if len(cfg.KafkaBrokers) > 0 {
		lp := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, lp.Close)
		deps.Locations = lp
	}
	if cfg.JWTSecret != "" {
		deps.Auth = auth.NewJWTService(cfg.JWTSecret, tokenTTL)
	} else {
		logger.Warn("JWT_SECRET not set; callers are trusted to name themselves")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(bgCtx)
	}()
	if settler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settler.Run(bgCtx)
		}()
	}
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch api listening",
			"addr", cfg.HTTPAddr,
			"geo_index", cfg.GeoIndex,
			"ranker", cfg.MatchRanker,
			"sinks", len(cfg.KafkaBrokers) > 0 || cfg.AMQPURL != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func buildIndex(ctx context.Context, cfg config.ServerConfig, closers *[]func() error) (geo.Index, error) {
	switch cfg.GeoIndex {
	case "redis":
		client, err := geo.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Close)
		return geo.NewRedisIndex(client, cfg.RedisGeoKey), nil
	case "geohash":
		return geo.NewGeohashIndex(cfg.GeohashPrecision), nil
	}
	return geo.NewScanIndex(), nil
}

func buildStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func() error) (storage.RideStore, error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, ps.Close)
	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, ps.DB())
		if err != nil {
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}

func buildEstimator(cfg config.ServerConfig) eta.Estimator {
	if cfg.OSRMEndpoint == "" {
		return eta.Heuristic{}
	}
	return &eta.Fallback{Primary: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(cfg.ETACacheTTL)}
}

// Command consumer projects the driver-locations Kafka topic into the
// shared Redis GEO set, so every dispatch replica running with
// GEO_INDEX=redis sees positions reported to any other replica.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
)

const namespace = "ride_dispatch_consumer"

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	msgsStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_stale_total",
		Help:      "Location messages older than the stored position",
	})
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_updates_total",
		Help:      "Total successful redis updates",
	})
	redisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_errors_total",
		Help:      "Total redis errors",
	})
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		loc, err := decodeLocation(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		applied, err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, loc, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		if !applied {
			msgsStale.Inc()
			logger.Debug("stale location skipped", "driver_id", loc.DriverID, "ts", loc.Timestamp)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeLocation(m kafka.Message) (ingest.LocationMessage, error) {
	var loc ingest.LocationMessage
	if err := json.Unmarshal(m.Value, &loc); err != nil {
		return loc, err
	}
	if loc.DriverID == "" {
		loc.DriverID = string(m.Key)
	}
	if loc.DriverID == "" {
		return loc, errors.New("missing driver_id")
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return loc, errors.New("coordinate out of range")
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = m.Time
	}
	return loc, nil
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoRemove(ctx context.Context, key, member string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) GeoRemove(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) HGet(ctx context.Context, key, field string) (string, error) {
	return r.c.HGet(ctx, key, field).Result()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func metaKey(driverID string) string { return "driver:meta:" + driverID }

// updateRedisWithRetry writes one location message unless Redis already
// holds a newer one for the driver. It reports whether the write happened.
// Offline drivers are removed from the GEO set.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, loc ingest.LocationMessage, attempts int, delay time.Duration) (bool, error) {
	key := metaKey(loc.DriverID)
	ts := loc.Timestamp.UnixMilli()

	var stale bool
	err := withRetry(ctx, attempts, delay, func() error {
		v, err := rc.HGet(ctx, key, "ts")
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		prev, perr := strconv.ParseInt(v, 10, 64)
		stale = perr == nil && ts < prev
		return nil
	})
	if err != nil || stale {
		return false, err
	}

	err = withRetry(ctx, attempts, delay, func() error {
		if !loc.Online {
			return rc.GeoRemove(ctx, geoKey, loc.DriverID)
		}
		return rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: loc.DriverID, Longitude: loc.Lng, Latitude: loc.Lat})
	})
	if err != nil {
		return false, err
	}
	err = withRetry(ctx, attempts, delay, func() error {
		return rc.HSet(ctx, key, map[string]interface{}{
			"online": loc.Online,
			"lat":    loc.Lat,
			"lng":    loc.Lng,
			"ts":     ts,
		})
	})
	return err == nil, err
}

// withRetry runs op up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("carpool-consumer", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	p := &projector{redis: &redisAdapter{c: rc}, geoKey: cfg.RedisGeoKey, logger: logger}

	go serveOps(ctx, cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

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
			logger.Warn("kafka read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		observability.ConsumerMessages.WithLabelValues(p.handle(ctx, m.Value)).Inc()
	}
}

func serveOps(ctx context.Context, addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
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
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics/health listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "err", err)
	}
}

// RedisUpdater is the subset of redis the projection needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	ZRem(ctx context.Context, key string, member string) error
	Del(ctx context.Context, keys ...string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

// projector keeps the search index and the ride cache in line with the
// ride events published by API replicas.
type projector struct {
	redis  RedisUpdater
	geoKey string
	logger *slog.Logger
}

// handle applies one message and returns the metric result label.
func (p *projector) handle(ctx context.Context, value []byte) string {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		p.logger.Warn("invalid message", "err", err)
		return "invalid"
	}
	if ev.Ride == nil {
		return "skipped"
	}
	if err := updateRedisWithRetry(ctx, p.redis, p.geoKey, ev.Ride, 3, 200*time.Millisecond); err != nil {
		p.logger.Error("redis update failed", "ride_id", ev.Ride.ID, "err", err)
		return "error"
	}
	return "ok"
}

// updateRedisWithRetry projects one ride snapshot, retrying with a doubling
// delay. Bookable rides are indexed; anything else is removed.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, ride *models.Ride, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyRide(ctx, rc, geoKey, ride); err == nil {
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

func applyRide(ctx context.Context, rc RedisUpdater, geoKey string, ride *models.Ride) error {
	if ride.Status.Bookable() {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: ride.Origin.Lon, Latitude: ride.Origin.Lat, Name: ride.ID}); err != nil {
			return err
		}
		if err := rc.HSet(ctx, geo.MetaKey(ride.ID), geo.MetaFields(*ride)); err != nil {
			return err
		}
	} else {
		if err := rc.ZRem(ctx, geoKey, ride.ID); err != nil {
			return err
		}
		if err := rc.Del(ctx, geo.MetaKey(ride.ID)); err != nil {
			return err
		}
	}
	// API replicas re-read the snapshot on their next miss
	return rc.Del(ctx, cache.RideKey(ride.ID))
}

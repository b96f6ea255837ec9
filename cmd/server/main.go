package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/eta"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/media"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/watchdog"
)

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("carpool-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		stop()
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		rc        *redis.Client
		kv        cache.Cache = cache.NewMemory()
		index     geo.Index   = geo.NewMemoryIndex()
		scheduler dispatch.Scheduler
		ready     []func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rc, err = cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rc.Close()
		kv = cache.NewRedis(rc)
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		scheduler = dispatch.NewRedisScheduler(rc)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("redis enabled", "addr", cfg.RedisAddr)
	}
	var cached storage.Store = storage.NewCachedStore(store, kv, cfg.CacheTTL, logger)

	hub := events.NewHub()
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var pusher dispatch.Pusher
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := dispatch.NewFCMPusher(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
		pusher = fcm
	}
	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.NewService(cached, pusher, wsreg, scheduler, logger)

	var processor payments.Processor = payments.Noop{}
	if cfg.StripeAPIKey != "" {
		processor = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Hour), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var (
		uploads   media.Store = media.DiskStore{Dir: cfg.UploadDir, BaseURL: cfg.PublicBaseURL}
		uploadDir             = cfg.UploadDir
	)
	if cfg.S3Bucket != "" {
		uploadDir = ""
		s3, err := media.NewS3Store(cfg.AWSRegion, cfg.S3Bucket)
		if err != nil {
			return err
		}
		uploads = s3
	}

	svc := booking.NewService(booking.Deps{
		Store:    cached,
		Notifier: notifier,
		Events:   publishers,
		Payments: processor,
		Geo:      index,
		ETA:      estimator,
		Logger:   logger,
	}, booking.Config{
		Location:     cfg.Location,
		ReminderLead: cfg.ReminderLead,
		Currency:     cfg.PaymentCurrency,
	})
	if n, err := svc.Reindex(ctx); err != nil {
		logger.Warn("geo reindex failed", "err", err)
	} else {
		logger.Info("geo index loaded", "rides", n)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Booking:       svc,
		Users:         cached,
		Notifications: notifier,
		Cache:         kv,
		Media:         uploads,
		Hub:           hub,
		WS:            wsreg,
		Logger:        logger,
		JWTSecret:     []byte(cfg.JWTSecret),
		RateLimit:     rate.Limit(cfg.RateLimitRPS),
		RateBurst:     cfg.RateLimitBurst,
		LocationTTL:   cfg.CacheTTL,
		UploadDir:     uploadDir,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, f := range ready {
				errs = append(errs, f(ctx))
			}
			return errors.Join(errs...)
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watchdog.New(svc, cfg.GracePeriod, cfg.WatchdogInterval, logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		notifier.RunReminders(ctx, cfg.ReminderPollInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, ps.DB()); err != nil {
				_ = ps.Close()
				return nil, err
			}
			logger.Info("migrations applied")
		}
		logger.Info("using postgres store")
		return ps, nil
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		logger.Info("using mongo store", "db", cfg.MongoDB)
		return ms, nil
	}
	logger.Warn("no database configured, using in-memory store")
	return storage.NewMemoryStore(), nil
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/sched"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	var gi geo.Index
	var ps presence.Store
	if redisClient != nil {
		gi = geo.NewRedisIndex(redisClient, cfg.RedisGeoKey)
		ps = presence.NewRedisStore(redisClient, cfg.PresenceTTL)
	} else {
		gi = geo.NewMemoryIndex()
		ps = presence.NewMemoryStore()
	}

	var store storage.RideStore
	var directory auth.Directory
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		cancel()
		if err != nil {
			logger.Error("mongo connect", "error", err)
			os.Exit(1)
		}
		defer client.Disconnect(context.Background())

		db := client.Database(cfg.MongoDB)
		ms := storage.NewMongoStore(db)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.Warn("ensure mongo indexes", "error", err)
		}
		store = ms
		directory = auth.NewMongoDirectory(db)
	} else {
		logger.Warn("MONGO_URI not set, using in-memory ride store")
		store = storage.NewMemoryStore()
		directory = auth.NewMemoryDirectory()
	}

	reg := registry.New()
	co := dispatch.New(dispatch.Config{
		SearchRadiusMeters: cfg.SearchRadiusMeters,
		AcceptRadiusMeters: cfg.AcceptRadiusMeters,
		MaxCandidates:      cfg.MaxCandidates,
		OfferTTL:           cfg.OfferTTL,
		StaleAfter:         cfg.PresenceStaleAfter,
		BaseFare:           cfg.BaseFare,
		PerKmFare:          cfg.PerKmFare,
		PerMinuteFare:      cfg.PerMinuteFare,
		Currency:           cfg.Currency,
		DefaultSpeedMps:    cfg.DefaultSpeedMps,
	}, store, gi, ps, reg, directory, logging.Component(logger, "dispatch"))

	var scheduler sched.Scheduler
	if redisClient != nil {
		scheduler = sched.NewRedisScheduler(redisClient, cfg.RedisSchedKey, time.Second, co.HandleExpiry, logging.Component(logger, "sched"))
	} else {
		scheduler = sched.NewTimerScheduler(co.HandleExpiry)
	}
	defer scheduler.Close()
	co.UseScheduler(scheduler)

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationsTopic, cfg.EventsTopic)
		defer producer.Close()
		co.UsePublisher(producer)
	}
	if cfg.StripeKey != "" {
		co.UsePayments(payments.NewStripeProcessor(cfg.StripeKey))
	}
	if cfg.FCMEndpoint != "" && cfg.FCMKey != "" {
		co.UseNotifier(notify.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	if cfg.OSRMBaseURL != "" {
		co.UseETAClient(eta.NewOSRMClient(cfg.OSRMBaseURL))
	}

	tr := tracking.NewChannel(store, logging.Component(logger, "tracking"))
	verifier := auth.NewJWTVerifier([]byte(cfg.JWTSecret), directory)
	api := httpapi.NewServer(co, tr, store, reg, verifier, logging.Component(logger, "http"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

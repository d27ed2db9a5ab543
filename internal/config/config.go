// Package config loads process configuration from environment variables
// with defaults good enough to run the whole stack in-process locally.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisSchedKey string

	MongoURI string
	MongoDB  string

	KafkaBrokers   []string
	LocationsTopic string
	EventsTopic    string

	JWTSecret string

	StripeKey   string
	FCMEndpoint string
	FCMKey      string

	SearchRadiusMeters float64
	AcceptRadiusMeters float64
	MaxCandidates      int
	OfferTTL           time.Duration
	PresenceStaleAfter time.Duration
	PresenceTTL        time.Duration

	BaseFare      float64
	PerKmFare     float64
	PerMinuteFare float64
	Currency      string

	DefaultSpeedMps float64
	OSRMBaseURL     string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:   "drivers_geo",
		RedisSchedKey: "ride_offer_deadlines",

		MongoDB: "ride_dispatch",

		LocationsTopic: "driver-locations",
		EventsTopic:    "ride-events",

		SearchRadiusMeters: 2000,
		AcceptRadiusMeters: 2000,
		MaxCandidates:      10,
		OfferTTL:           3 * time.Minute,
		PresenceStaleAfter: 2 * time.Minute,
		PresenceTTL:        10 * time.Minute,

		BaseFare:      500,
		PerKmFare:     200,
		PerMinuteFare: 50,
		Currency:      "XOF",

		DefaultSpeedMps: 8,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisSchedKey, "REDIS_SCHED_KEY")

	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")
	cfg.FCMEndpoint = os.Getenv("FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_SERVER_KEY")

	setFloatFromEnv(&cfg.SearchRadiusMeters, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.AcceptRadiusMeters, "DISPATCH_ACCEPT_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.PresenceStaleAfter, "PRESENCE_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)

	setFloatFromEnv(&cfg.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.PerKmFare, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.PerMinuteFare, "FARE_PER_MINUTE", &errs)
	setStringFromEnv(&cfg.Currency, "FARE_CURRENCY")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMBaseURL = strings.TrimSpace(os.Getenv("OSRM_BASE_URL"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location ingest worker.
type ConsumerConfig struct {
	KafkaBrokers   []string
	LocationsTopic string
	GroupID        string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	PresenceTTL   time.Duration

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		LocationsTopic: "driver-locations",
		GroupID:        "ride-dispatch-ingest",
		RedisGeoKey:    "drivers_geo",
		PresenceTTL:    10 * time.Minute,
		MetricsAddr:    ":9102",
		LogLevel:       "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP_ID")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

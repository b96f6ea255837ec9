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
// Values come from environment variables with defaults that run locally
// against in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	CacheTTL      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	MongoURI      string
	MongoDB       string
	RunMigrations bool

	JWTSecret string
	Location  *time.Location

	WatchdogInterval     time.Duration
	GracePeriod          time.Duration
	ReminderLead         time.Duration
	ReminderPollInterval time.Duration

	OSRMEndpoint    string
	DefaultSpeedMps float64

	FirebaseCredentialsFile string
	StripeAPIKey            string
	PaymentCurrency         string

	AWSRegion     string
	S3Bucket      string
	UploadDir     string
	PublicBaseURL string

	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "rides_geo",
		CacheTTL:             5 * time.Minute,
		KafkaTopic:           "ride-events",
		MongoDB:              "carpool",
		Location:             time.UTC,
		WatchdogInterval:     time.Minute,
		GracePeriod:          15 * time.Minute,
		ReminderLead:         30 * time.Minute,
		ReminderPollInterval: 15 * time.Second,
		DefaultSpeedMps:      14,
		PaymentCurrency:      "eur",
		UploadDir:            "uploads",
		PublicBaseURL:        "http://localhost:8080",
		RateLimitRPS:         1,
		RateLimitBurst:       5,
		LogLevel:             "info",
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
	setDurationFromEnv(&cfg.CacheTTL, "CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if tz := strings.TrimSpace(os.Getenv("RIDE_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RIDE_TIMEZONE: %w", err))
		} else {
			cfg.Location = loc
		}
	}

	setDurationFromEnv(&cfg.WatchdogInterval, "WATCHDOG_INTERVAL", &errs)
	setDurationFromEnv(&cfg.GracePeriod, "GRACE_PERIOD", &errs)
	setDurationFromEnv(&cfg.ReminderLead, "REMINDER_LEAD", &errs)
	setDurationFromEnv(&cfg.ReminderPollInterval, "REMINDER_POLL_INTERVAL", &errs)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.FirebaseCredentialsFile = strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE"))
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	cfg.AWSRegion = strings.TrimSpace(os.Getenv("AWS_REGION"))
	cfg.S3Bucket = strings.TrimSpace(os.Getenv("AWS_S3_BUCKET"))
	setStringFromEnv(&cfg.UploadDir, "UPLOAD_DIR")
	setStringFromEnv(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.PGDSN != "" && cfg.MongoURI != "" {
		errs = append(errs, fmt.Errorf("set only one of PG_DSN and MONGO_URI"))
	}
	if cfg.WatchdogInterval <= 0 {
		errs = append(errs, fmt.Errorf("WATCHDOG_INTERVAL must be > 0"))
	}
	if cfg.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("GRACE_PERIOD must not be negative"))
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the event projection worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-events",
		KafkaGroup:   "ride-geo-updater",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "rides_geo",
		MetricsAddr:  ":9100",
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
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

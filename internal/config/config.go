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
// Values are loaded from environment variables with defaults so the binary
// runs locally with nothing but an in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool

	Dispatch DispatchConfig

	OutboxBuffer int

	JWTSecret       string
	StripeAPIKey    string
	PaymentCurrency string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	InstanceID string
	LogLevel   string
}

// DispatchConfig holds the engine's business limits and read retry policy.
type DispatchConfig struct {
	SearchRadiusKm     float64
	MaxBidsPerRide     int
	DriverStaleAfter   time.Duration
	BidTimeout         time.Duration
	ReadRetryAttempts  int
	ReadRetryBaseDelay time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		SearchRadiusKm:     15,
		MaxBidsPerRide:     10,
		DriverStaleAfter:   2 * time.Minute,
		BidTimeout:         5 * time.Minute,
		ReadRetryAttempts:  3,
		ReadRetryBaseDelay: 50 * time.Millisecond,
	}
}

func defaultServerConfig() ServerConfig {
	host, _ := os.Hostname()
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "dispatch-events",
		Dispatch:           DefaultDispatchConfig(),
		OutboxBuffer:       1024,
		PaymentCurrency:    "npr",
		ETACacheTTL:        10 * time.Minute,
		DefaultSpeedMps:    10,
		InstanceID:         host,
		LogLevel:           "info",
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, loadDispatch(&cfg.Dispatch)...)

	setIntFromEnv(&cfg.OutboxBuffer, "OUTBOX_BUFFER", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	cfg.PaymentCurrency = strings.ToLower(cfg.PaymentCurrency)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OutboxBuffer <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_BUFFER must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.InstanceID == "" {
		errs = append(errs, fmt.Errorf("INSTANCE_ID must be set when the hostname is unavailable"))
	}

	return cfg, errors.Join(errs...)
}

// LoadDispatchConfig reads only the DISPATCH_* and READ_RETRY_* variables.
func LoadDispatchConfig() (DispatchConfig, error) {
	cfg := DefaultDispatchConfig()
	return cfg, errors.Join(loadDispatch(&cfg)...)
}

func loadDispatch(cfg *DispatchConfig) []error {
	var errs []error
	setFloatFromEnv(&cfg.SearchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxBidsPerRide, "DISPATCH_MAX_BIDS", &errs)
	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.BidTimeout, "DISPATCH_BID_TIMEOUT", &errs)
	setIntFromEnv(&cfg.ReadRetryAttempts, "READ_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ReadRetryBaseDelay, "READ_RETRY_BASE_DELAY", &errs)

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MaxBidsPerRide <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_BIDS must be > 0"))
	}
	if cfg.DriverStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_STALE_AFTER must be > 0"))
	}
	if cfg.BidTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BID_TIMEOUT must be > 0"))
	}
	if cfg.ReadRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("READ_RETRY_ATTEMPTS must be > 0"))
	}
	return errs
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

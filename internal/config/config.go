package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	WSPath            string
	WSMaxMessageBytes int64
	WSWriteTimeout    time.Duration
	WSAllowedOrigins  []string
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration

	PresenceTTL         time.Duration
	RedisAddr           string
	RedisPassword       string
	RedisPresencePrefix string
	RedisGeoKey         string

	BusBackend string
	BusChannel string
	NodeID     string

	KafkaBrokers         []string
	KafkaTopic           string
	KafkaTripEventsTopic string
	KafkaBusTopic        string

	PGDSN         string
	RunMigrations bool

	// ActorsFile seeds the in-memory actor directory when PG_DSN is unset.
	ActorsFile string

	JWTSecret string
	JWTIssuer string

	PushEndpoint   string
	PushKey        string
	StripeAPIKey   string
	StripeCurrency string

	OSRMURL         string
	OSRMProfile     string
	DefaultSpeedMps float64
	VehicleTypes    []string
	ChatMaxLength   int

	LogLevel string
}

const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusKafka  = "kafka"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		WSPath:              "/ws",
		WSMaxMessageBytes:   64 << 10,
		WSWriteTimeout:      10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		SweepInterval:       60 * time.Second,
		PresenceTTL:         5 * time.Minute,
		RedisPresencePrefix: "presence:driver:",
		RedisGeoKey:         "drivers_geo",
		BusBackend:          BusMemory,
		BusChannel:          "broadcast",
		KafkaTopic:          "driver-locations",
		KafkaBusTopic:       "dispatch-bus",
		StripeCurrency:      "usd",
		DefaultSpeedMps:     10,
		VehicleTypes:        []string{"ride", "parcel", "car", "motorcycle", "auto", "cng", "bicycle"},
		ChatMaxLength:       1000,
		LogLevel:            "info",
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

	setStringFromEnv(&cfg.WSPath, "WS_PATH")
	setInt64FromEnv(&cfg.WSMaxMessageBytes, "WS_MAX_MESSAGE_BYTES", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		cfg.WSAllowedOrigins = splitAndTrim(v)
	}
	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPresencePrefix, "REDIS_PRESENCE_PREFIX")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if v := os.Getenv("BUS_BACKEND"); v != "" {
		cfg.BusBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.BusChannel, "BUS_CHANNEL")
	setStringFromEnv(&cfg.NodeID, "NODE_ID")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaTripEventsTopic, "KAFKA_TRIP_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaBusTopic, "KAFKA_BUS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.ActorsFile, "ACTORS_FILE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.OSRMProfile, "OSRM_PROFILE")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	if v := os.Getenv("VEHICLE_TYPES"); v != "" {
		cfg.VehicleTypes = splitAndTrim(v)
	}
	setIntFromEnv(&cfg.ChatMaxLength, "CHAT_MAX_LENGTH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	switch cfg.BusBackend {
	case BusMemory:
	case BusRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("BUS_BACKEND=redis requires REDIS_ADDR"))
		}
	case BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("BUS_BACKEND=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("BUS_BACKEND must be one of memory, redis, kafka"))
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		errs = append(errs, fmt.Errorf("WS_PATH must start with /"))
	}
	if cfg.WSMaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0"))
	}
	if cfg.HeartbeatInterval <= 0 || cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL and SWEEP_INTERVAL must be > 0"))
	}
	if cfg.PresenceTTL <= cfg.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL must exceed HEARTBEAT_INTERVAL"))
	}
	if cfg.ChatMaxLength <= 0 {
		errs = append(errs, fmt.Errorf("CHAT_MAX_LENGTH must be > 0"))
	}
	if len(cfg.VehicleTypes) == 0 {
		errs = append(errs, fmt.Errorf("VEHICLE_TYPES must list at least one type"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	KafkaBrokers        []string
	KafkaTopic          string
	KafkaGroupID        string
	RedisAddr           string
	RedisPassword       string
	RedisPresencePrefix string
	RedisGeoKey         string
	PresenceTTL         time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	MetricsAddr         string
	LogLevel            string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaTopic:          "driver-locations",
		KafkaGroupID:        "presence-updater",
		RedisPresencePrefix: "presence:driver:",
		RedisGeoKey:         "drivers_geo",
		PresenceTTL:         5 * time.Minute,
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
		MetricsAddr:         ":9100",
		LogLevel:            "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPresencePrefix, "REDIS_PRESENCE_PREFIX")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
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
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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

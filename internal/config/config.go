package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from an optional YAML file, then environment variables, on top
// of defaults that let the binary run locally without extra setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisGeoKey      string `yaml:"redis_geo_key"`
	GeoIndex         string `yaml:"geo_index"` // scan | geohash | redis
	GeohashPrecision uint   `yaml:"geohash_precision"`

	KafkaBrokers         []string `yaml:"kafka_brokers"`
	KafkaTopic           string   `yaml:"kafka_topic"`
	KafkaRideEventsTopic string   `yaml:"kafka_ride_events_topic"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	PGDSN string `yaml:"pg_dsn"`

	StripeAPIKey   string `yaml:"stripe_api_key"`
	StripeCurrency string `yaml:"stripe_currency"`

	JWTSecret string `yaml:"jwt_secret"`

	OSRMEndpoint string        `yaml:"osrm_endpoint"`
	ETACacheTTL  time.Duration `yaml:"eta_cache_ttl"`

	MatchRadiusKm      float64       `yaml:"match_radius_km"`
	MatchTopK          int           `yaml:"match_top_k"`
	MatchRanker        string        `yaml:"match_ranker"` // nearest | eta
	OfferTimeout       time.Duration `yaml:"offer_timeout"`
	DispatchMaxRounds  int           `yaml:"dispatch_max_rounds"`
	DispatchRetryDelay time.Duration `yaml:"dispatch_retry_delay"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"migrate"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		GeoIndex:             "scan",
		GeohashPrecision:     4,
		KafkaTopic:           "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		AMQPExchange:         "ride_topic",
		StripeCurrency:       "usd",
		ETACacheTTL:          time.Minute,
		MatchRadiusKm:        5,
		MatchTopK:            3,
		MatchRanker:          "nearest",
		OfferTimeout:         20 * time.Second,
		DispatchMaxRounds:    3,
		DispatchRetryDelay:   5 * time.Second,
		LogLevel:             "info",
	}
}

// LoadServerConfig reads path (when non-empty) and then the environment.
// Environment variables win over the file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.GeoIndex, "GEO_INDEX")
	setUintFromEnv(&cfg.GeohashPrecision, "GEOHASH_PRECISION", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatchTopK, "MATCH_TOP_K", &errs)
	setStringFromEnv(&cfg.MatchRanker, "MATCH_RANKER")
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.DispatchMaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.DispatchRetryDelay, "DISPATCH_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.GeoIndex {
	case "scan", "geohash":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("GEO_INDEX=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEO_INDEX must be scan, geohash or redis, got %q", c.GeoIndex))
	}
	if c.GeohashPrecision < 1 || c.GeohashPrecision > 12 {
		errs = append(errs, fmt.Errorf("GEOHASH_PRECISION must be in [1,12]"))
	}
	if c.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.MatchTopK <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOP_K must be > 0"))
	}
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.DispatchMaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if c.DispatchRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_DELAY must be >= 0"))
	}
	return errs
}

// ConsumerConfig configures cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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

func setUintFromEnv(target *uint, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = uint(i)
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

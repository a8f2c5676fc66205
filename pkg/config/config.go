// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, Postgres, Kafka, Cache, Idempotency, outbound
// Endpoints, SAM and Generation providers).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EndpointSAMSearch   = "sam.search"
	EndpointLLMGenerate = "llm.generate"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Postgres    PostgresConfig            `yaml:"postgres"`
	Kafka       KafkaConfig               `yaml:"kafka"`
	Redis       RedisConfig               `yaml:"redis"`
	Logging     LoggingConfig             `yaml:"logging"`
	Tracing     TracingConfig             `yaml:"tracing"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Cache       CacheConfig               `yaml:"cache"`
	Idempotency IdempotencyConfig         `yaml:"idempotency"`
	Endpoints   map[string]EndpointConfig `yaml:"endpoints" validate:"dive"`
	SAM         SAMConfig                 `yaml:"sam"`
	Generation  GenerationConfig          `yaml:"generation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout      time.Duration `yaml:"readTimeout"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	FetchConcurrency int           `yaml:"fetchConcurrency" validate:"gte=1"`

	// APIKeys, when set, are required on every /api route.
	APIKeys []string `yaml:"apiKeys"`
}

// PostgresConfig holds PostgreSQL connection parameters for the processing
// journal. The journal is skipped when Enabled is false.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ProcessingEvents string `yaml:"processingEvents"`
	CacheInvalidate  string `yaml:"cacheInvalidate"`
}

// RedisConfig holds Redis connection parameters. URL, when set, takes
// precedence over Addr/Password/DB.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// TracingConfig toggles span logging around units of work.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// CacheConfig controls the response cache. Backend is "redis", "memory" or
// "none".
type CacheConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=redis memory none"`
	KeyPrefix        string        `yaml:"keyPrefix" validate:"required"`
	DefaultTTL       time.Duration `yaml:"defaultTTL" validate:"gt=0"`
	OperationTimeout time.Duration `yaml:"operationTimeout" validate:"gt=0"`
}

// IdempotencyConfig controls the processing guard.
type IdempotencyConfig struct {
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"gt=0"`
	Shards        int           `yaml:"shards" validate:"gte=1"`
	JournalBuffer int           `yaml:"journalBuffer" validate:"gte=1"`
}

// EndpointConfig is the rate and retry policy of one outbound endpoint.
type EndpointConfig struct {
	MinInterval       time.Duration `yaml:"minInterval" validate:"gte=0"`
	MaxAttempts       int           `yaml:"maxAttempts" validate:"gte=1"`
	BackoffBase       time.Duration `yaml:"backoffBase" validate:"gt=0"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" validate:"gte=1"`
	BackoffCap        time.Duration `yaml:"backoffCap" validate:"gtefield=BackoffBase"`
	JitterRange       time.Duration `yaml:"jitterRange" validate:"gte=0"`
}

// SAMConfig holds the SAM.gov opportunities API hosts and keys. BaseURLs are
// tried in order.
type SAMConfig struct {
	BaseURLs  []string      `yaml:"baseURLs" validate:"min=1,dive,url"`
	PublicKey string        `yaml:"publicKey"`
	SystemKey string        `yaml:"systemKey"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GenerationConfig holds the text generation service settings.
type GenerationConfig struct {
	URL       string        `yaml:"url" validate:"omitempty,url"`
	APIKeys   []string      `yaml:"apiKeys"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyLegacyEnv(cfg)
	applyEnvOverrides(cfg)
	fillEndpointDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints on the whole tree.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultEndpoint is the policy applied to endpoints that omit fields.
func DefaultEndpoint() EndpointConfig {
	return EndpointConfig{
		MinInterval:       0,
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        60 * time.Second,
		JitterRange:       500 * time.Millisecond,
	}
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	sam := DefaultEndpoint()
	sam.MinInterval = 5 * time.Second
	sam.MaxAttempts = 5
	gen := DefaultEndpoint()
	gen.BackoffBase = time.Second
	gen.BackoffCap = 30 * time.Second

	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     5 * time.Minute,
			ShutdownTimeout:  15 * time.Second,
			RequestTimeout:   4 * time.Minute,
			FetchConcurrency: 4,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "sowbridge",
			User:            "sowbridge",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "sowbridge",
			Topics: KafkaTopics{
				ProcessingEvents: "sowbridge.processing",
				CacheInvalidate:  "sowbridge.cache-invalidate",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{Enabled: true},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Cache: CacheConfig{
			Backend:          "redis",
			KeyPrefix:        "proposal",
			DefaultTTL:       time.Hour,
			OperationTimeout: 500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			Retention:     24 * time.Hour,
			SweepInterval: time.Hour,
			Shards:        32,
			JournalBuffer: 1000,
		},
		Endpoints: map[string]EndpointConfig{
			EndpointSAMSearch:   sam,
			EndpointLLMGenerate: gen,
		},
		SAM: SAMConfig{
			BaseURLs: []string{
				"https://api.sam.gov/opportunities/v2",
				"https://alpha.sam.gov/opportunities/v2",
			},
			Timeout: 60 * time.Second,
		},
		Generation: GenerationConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
			Timeout:   3 * time.Minute,
			CacheTTL:  time.Hour,
		},
	}
}

// fillEndpointDefaults completes partially specified endpoint policies from
// YAML, where omitted durations decode as zero.
func fillEndpointDefaults(cfg *Config) {
	def := DefaultEndpoint()
	for name, ep := range cfg.Endpoints {
		if ep.MaxAttempts == 0 {
			ep.MaxAttempts = def.MaxAttempts
		}
		if ep.BackoffBase == 0 {
			ep.BackoffBase = def.BackoffBase
		}
		if ep.BackoffMultiplier == 0 {
			ep.BackoffMultiplier = def.BackoffMultiplier
		}
		if ep.BackoffCap == 0 {
			ep.BackoffCap = def.BackoffCap
		}
		cfg.Endpoints[name] = ep
	}
}

// applyLegacyEnv honours the variable names used by the earlier tooling's
// .env files. SB_* overrides are applied afterwards and win.
func applyLegacyEnv(cfg *Config) {
	if v := firstEnv("SAM_API_KEY", "SAM_PUBLIC_API_KEY"); v != "" {
		cfg.SAM.PublicKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SAM_API_KEY_SYSTEM")); v != "" {
		cfg.SAM.SystemKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SAM_OPPS_BASE_URL")); v != "" {
		cfg.SAM.BaseURLs = withPrimary(cfg.SAM.BaseURLs, strings.TrimRight(v, "/"))
	}
	if v := os.Getenv("SAM_MIN_INTERVAL"); v != "" {
		if d, ok := parseSeconds(v); ok {
			setMinInterval(cfg, EndpointSAMSearch, d)
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}

// applyEnvOverrides reads SB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SB_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = parseBool(v, cfg.Postgres.Enabled)
	}
	if v := os.Getenv("SB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SB_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SB_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SB_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SB_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SB_SERVER_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitNonEmpty(v)
	}
	if v := os.Getenv("SB_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v, cfg.Kafka.Enabled)
	}
	if v := os.Getenv("SB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SB_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SB_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("SB_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("SB_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("SB_SAM_BASE_URL"); v != "" {
		cfg.SAM.BaseURLs = withPrimary(cfg.SAM.BaseURLs, strings.TrimRight(v, "/"))
	}
	if v := os.Getenv("SB_SAM_PUBLIC_KEY"); v != "" {
		cfg.SAM.PublicKey = v
	}
	if v := os.Getenv("SB_SAM_SYSTEM_KEY"); v != "" {
		cfg.SAM.SystemKey = v
	}
	if v := os.Getenv("SB_SAM_MIN_INTERVAL"); v != "" {
		if d, ok := parseSeconds(v); ok {
			setMinInterval(cfg, EndpointSAMSearch, d)
		}
	}
	if v := os.Getenv("SB_GENERATION_URL"); v != "" {
		cfg.Generation.URL = v
	}
	if v := os.Getenv("SB_GENERATION_API_KEYS"); v != "" {
		cfg.Generation.APIKeys = splitNonEmpty(v)
	}
	if v := os.Getenv("SB_GENERATION_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
}

func setMinInterval(cfg *Config, endpoint string, d time.Duration) {
	if cfg.Endpoints == nil {
		cfg.Endpoints = make(map[string]EndpointConfig)
	}
	ep, ok := cfg.Endpoints[endpoint]
	if !ok {
		ep = DefaultEndpoint()
	}
	ep.MinInterval = d
	cfg.Endpoints[endpoint] = ep
}

// parseSeconds accepts either a Go duration ("5s") or a bare number of
// seconds ("5", "2.5").
func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// withPrimary puts primary first and keeps the remaining hosts as fallbacks.
func withPrimary(urls []string, primary string) []string {
	out := []string{primary}
	for _, u := range urls {
		if u != primary {
			out = append(out, u)
		}
	}
	return out
}

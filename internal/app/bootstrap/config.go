package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	LogMemory = "memory"
	LogKafka  = "kafka"

	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	StoreDriver string
	SQLitePath  string
	DatabaseURL string
	MaxDBConns  int32

	RedisURL        string
	RedisStreamMax  int64
	RejectionStream string
	GapStream       string

	LogDriver            string
	MemoryPartitions     int
	KafkaBrokers         []string
	KafkaTopicCommands   string
	KafkaTopicEvents     string
	KafkaTopicRejections string
	KafkaMaxWait         time.Duration

	RejectionSink string

	GapWindow            int
	GapLag               int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration
	ShutdownTimeout      time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	ContentTypes []domain.ContentType
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Store struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
		MaxConns   int32  `yaml:"max_conns"`
	} `yaml:"store"`
	Log struct {
		Driver           string `yaml:"driver"`
		MemoryPartitions int    `yaml:"memory_partitions"`
	} `yaml:"log"`
	Dependencies struct {
		PostgresURL          string   `yaml:"postgres_url"`
		RedisURL             string   `yaml:"redis_url"`
		RedisRejectionStream string   `yaml:"redis_rejection_stream"`
		RedisGapStream       string   `yaml:"redis_gap_stream"`
		RedisStreamMaxLen    int64    `yaml:"redis_stream_max_len"`
		KafkaBrokers         []string `yaml:"kafka_brokers"`
		KafkaTopicCommands   string   `yaml:"kafka_topic_commands"`
		KafkaTopicEvents     string   `yaml:"kafka_topic_events"`
		KafkaTopicRejections string   `yaml:"kafka_topic_rejections"`
	} `yaml:"dependencies"`
	Pipeline struct {
		RejectionSink   string `yaml:"rejection_sink"`
		GapWindow       int    `yaml:"gap_window"`
		GapLag          int    `yaml:"gap_lag"`
		RetryInitial    string `yaml:"retry_initial"`
		RetryMax        string `yaml:"retry_max"`
		RetryMaxElapsed string `yaml:"retry_max_elapsed"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"pipeline"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	ContentTypes []domain.ContentType `yaml:"content_types"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:            "cqrs-pipeline",
		HTTPPort:             8080,
		GRPCPort:             9090,
		StoreDriver:          StoreMemory,
		SQLitePath:           "data/pipeline.db",
		MaxDBConns:           20,
		RedisStreamMax:       10000,
		RejectionStream:      "pipeline:rejections",
		GapStream:            "pipeline:gaps",
		LogDriver:            LogMemory,
		MemoryPartitions:     4,
		KafkaTopicCommands:   "commands",
		KafkaTopicEvents:     "events",
		KafkaTopicRejections: "rejections",
		KafkaMaxWait:         500 * time.Millisecond,
		RejectionSink:        SinkLog,
		GapWindow:            16,
		GapLag:               1024,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		RateLimitRPS:         50,
		RateLimitBurst:       100,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if applyErr := cfg.applyFile(f); applyErr != nil {
			return Config{}, applyErr
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.StoreDriver = strings.ToLower(envOrDefault("STORE_DRIVER", cfg.StoreDriver))
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.RejectionStream = envOrDefault("REDIS_REJECTION_STREAM", cfg.RejectionStream)
	cfg.GapStream = envOrDefault("REDIS_GAP_STREAM", cfg.GapStream)
	cfg.LogDriver = strings.ToLower(envOrDefault("LOG_DRIVER", cfg.LogDriver))
	cfg.MemoryPartitions = envInt("MEMORY_PARTITIONS", cfg.MemoryPartitions)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicCommands = envOrDefault("KAFKA_TOPIC_COMMANDS", cfg.KafkaTopicCommands)
	cfg.KafkaTopicEvents = envOrDefault("KAFKA_TOPIC_EVENTS", cfg.KafkaTopicEvents)
	cfg.KafkaTopicRejections = envOrDefault("KAFKA_TOPIC_REJECTIONS", cfg.KafkaTopicRejections)
	cfg.RejectionSink = strings.ToLower(envOrDefault("REJECTION_SINK", cfg.RejectionSink))
	cfg.GapWindow = envInt("GAP_WINDOW", cfg.GapWindow)
	cfg.GapLag = envInt("GAP_LAG", cfg.GapLag)
	cfg.RetryInitialInterval = envDuration("RETRY_INITIAL", cfg.RetryInitialInterval)
	cfg.RetryMaxInterval = envDuration("RETRY_MAX", cfg.RetryMaxInterval)
	cfg.RetryMaxElapsed = envDuration("RETRY_MAX_ELAPSED", cfg.RetryMaxElapsed)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(f configFile) error {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Store.Driver != "" {
		cfg.StoreDriver = strings.ToLower(f.Store.Driver)
	}
	if f.Store.SQLitePath != "" {
		cfg.SQLitePath = f.Store.SQLitePath
	}
	if f.Store.MaxConns > 0 {
		cfg.MaxDBConns = f.Store.MaxConns
	}
	if f.Log.Driver != "" {
		cfg.LogDriver = strings.ToLower(f.Log.Driver)
	}
	if f.Log.MemoryPartitions > 0 {
		cfg.MemoryPartitions = f.Log.MemoryPartitions
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.RedisRejectionStream != "" {
		cfg.RejectionStream = f.Dependencies.RedisRejectionStream
	}
	if f.Dependencies.RedisGapStream != "" {
		cfg.GapStream = f.Dependencies.RedisGapStream
	}
	if f.Dependencies.RedisStreamMaxLen > 0 {
		cfg.RedisStreamMax = f.Dependencies.RedisStreamMaxLen
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaTopicCommands != "" {
		cfg.KafkaTopicCommands = f.Dependencies.KafkaTopicCommands
	}
	if f.Dependencies.KafkaTopicEvents != "" {
		cfg.KafkaTopicEvents = f.Dependencies.KafkaTopicEvents
	}
	if f.Dependencies.KafkaTopicRejections != "" {
		cfg.KafkaTopicRejections = f.Dependencies.KafkaTopicRejections
	}
	if f.Pipeline.RejectionSink != "" {
		cfg.RejectionSink = strings.ToLower(f.Pipeline.RejectionSink)
	}
	if f.Pipeline.GapWindow > 0 {
		cfg.GapWindow = f.Pipeline.GapWindow
	}
	if f.Pipeline.GapLag > 0 {
		cfg.GapLag = f.Pipeline.GapLag
	}
	durations := []struct {
		raw    string
		name   string
		target *time.Duration
	}{
		{f.Pipeline.RetryInitial, "retry_initial", &cfg.RetryInitialInterval},
		{f.Pipeline.RetryMax, "retry_max", &cfg.RetryMaxInterval},
		{f.Pipeline.RetryMaxElapsed, "retry_max_elapsed", &cfg.RetryMaxElapsed},
		{f.Pipeline.ShutdownTimeout, "shutdown_timeout", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse pipeline.%s: %w", d.name, err)
		}
		*d.target = parsed
	}
	if f.RateLimit.RPS != 0 {
		cfg.RateLimitRPS = f.RateLimit.RPS
	}
	if f.RateLimit.Burst > 0 {
		cfg.RateLimitBurst = f.RateLimit.Burst
	}
	cfg.ContentTypes = f.ContentTypes
	return nil
}

func (cfg Config) validate() error {
	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return fmt.Errorf("missing SQLITE_PATH for sqlite store")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for postgres store")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.LogDriver {
	case LogMemory:
	case LogKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("missing KAFKA_BROKERS for kafka log")
		}
	default:
		return fmt.Errorf("unsupported log driver %q", cfg.LogDriver)
	}
	// memory log offsets restart at zero while a durable checkpoint does not
	if cfg.LogDriver == LogMemory && cfg.StoreDriver != StoreMemory {
		return fmt.Errorf("memory log driver cannot be combined with the durable %s store", cfg.StoreDriver)
	}
	switch cfg.RejectionSink {
	case SinkLog:
	case SinkKafka:
		if cfg.LogDriver != LogKafka {
			return fmt.Errorf("kafka rejection sink requires the kafka log driver")
		}
	case SinkRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("missing REDIS_URL for redis rejection sink")
		}
	default:
		return fmt.Errorf("unsupported rejection sink %q", cfg.RejectionSink)
	}
	if cfg.GapWindow < 1 {
		return fmt.Errorf("gap window must be positive")
	}
	if cfg.GapLag <= cfg.GapWindow {
		return fmt.Errorf("gap lag must exceed the gap window")
	}
	if len(cfg.ContentTypes) == 0 {
		return fmt.Errorf("no content types configured")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

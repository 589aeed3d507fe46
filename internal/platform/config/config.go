package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Component-level tuning
// (backoff policies, thresholds) lives next to the component it tunes.
type Config struct {
	Addr          string
	JWTSigningKey string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig

	QueueWorkers     int
	RateLimitDisable bool
}

// PostgresConfig holds connection settings for the consent and audit stores.
type PostgresConfig struct {
	URL string
}

// RedisConfig holds connection settings for the job store and rate limiter.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds settings for the audit outbox publisher.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// FromEnv builds a Config from environment variables so main stays lean.
// Empty Postgres/Redis/Kafka settings select in-memory implementations.
func FromEnv() Config {
	addr := os.Getenv("HEALTHEX_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default - must be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	workers := envInt("HEALTHEX_QUEUE_WORKERS", 8)

	cfg := Config{
		Addr:          addr,
		JWTSigningKey: jwtSigningKey,
		Postgres: PostgresConfig{
			URL: os.Getenv("HEALTHEX_POSTGRES_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("HEALTHEX_REDIS_URL"),
			PoolSize:     envInt("HEALTHEX_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("HEALTHEX_REDIS_MIN_IDLE", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			AuditTopic: envOr("HEALTHEX_AUDIT_TOPIC", "healthex.audit.v1"),
		},
		QueueWorkers:     workers,
		RateLimitDisable: os.Getenv("HEALTHEX_RATELIMIT_DISABLED") == "true",
	}

	if brokers := os.Getenv("HEALTHEX_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitCSV(brokers)
	}

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

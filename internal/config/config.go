package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultEnv      = "development"
	defaultHTTPHost = "0.0.0.0"
	defaultHTTPPort = 8080

	defaultRedisAddr = "localhost:6379"
	defaultRedisDB   = 0

	defaultOrderBooksExchange = "orderbooks"
	defaultPrefetch           = 64

	defaultCacheTTLSeconds     = 3600
	defaultHistoryCapacity     = 100
	defaultResponseTTLSeconds  = 5
	defaultPersistQueueSize    = 1024
	defaultWriteTimeoutSeconds = 5
	defaultSendBuffer          = 256
	defaultSendTimeoutSeconds  = 10
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Env      string
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Cache    CacheConfig
	Persist  PersistConfig
	WS       WSConfig
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string
}

// RedisConfig stores Redis connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig stores broker connection parameters.
type RabbitMQConfig struct {
	URL                string
	OrderBooksExchange string
	Prefetch           int
}

// CacheConfig stores hot cache behavior: snapshot TTL, per-instrument
// history depth and the TTL for cached API responses.
type CacheConfig struct {
	TTLSeconds         int
	HistoryCapacity    int
	ResponseTTLSeconds int
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c CacheConfig) ResponseTTL() time.Duration {
	return time.Duration(c.ResponseTTLSeconds) * time.Second
}

// PersistConfig stores write-behind queue behavior.
type PersistConfig struct {
	QueueSize           int
	WriteTimeoutSeconds int
}

func (c PersistConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// WSConfig stores per-subscriber delivery settings.
type WSConfig struct {
	SendBuffer          int
	SendTimeoutSeconds  int
	BackfillNewestFirst bool
}

func (c WSConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// Load builds Config from environment variables.
func Load() (*Config, error) {
	host := getString("HTTP_HOST", defaultHTTPHost)
	port, err := getInt("HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_PORT: %w", err)
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}

	redisDB, err := getInt("REDIS_DB", defaultRedisDB)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_DB: %w", err)
	}

	prefetch, err := getInt("RABBITMQ_PREFETCH", defaultPrefetch)
	if err != nil {
		return nil, fmt.Errorf("parse RABBITMQ_PREFETCH: %w", err)
	}

	cacheTTL, err := getInt("CACHE_TTL_SECONDS", defaultCacheTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_TTL_SECONDS: %w", err)
	}
	historyCap, err := getInt("CACHE_HISTORY_CAPACITY", defaultHistoryCapacity)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_HISTORY_CAPACITY: %w", err)
	}
	responseTTL, err := getInt("CACHE_RESPONSE_TTL_SECONDS", defaultResponseTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_RESPONSE_TTL_SECONDS: %w", err)
	}

	queueSize, err := getInt("PERSIST_QUEUE_SIZE", defaultPersistQueueSize)
	if err != nil {
		return nil, fmt.Errorf("parse PERSIST_QUEUE_SIZE: %w", err)
	}
	writeTimeout, err := getInt("PERSIST_WRITE_TIMEOUT_SECONDS", defaultWriteTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("parse PERSIST_WRITE_TIMEOUT_SECONDS: %w", err)
	}

	sendBuffer, err := getInt("WS_SEND_BUFFER", defaultSendBuffer)
	if err != nil {
		return nil, fmt.Errorf("parse WS_SEND_BUFFER: %w", err)
	}
	sendTimeout, err := getInt("WS_SEND_TIMEOUT_SECONDS", defaultSendTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("parse WS_SEND_TIMEOUT_SECONDS: %w", err)
	}
	backfillNewestFirst, err := getBool("WS_BACKFILL_NEWEST_FIRST", false)
	if err != nil {
		return nil, fmt.Errorf("parse WS_BACKFILL_NEWEST_FIRST: %w", err)
	}

	return &Config{
		Env:  getString("APP_ENV", defaultEnv),
		HTTP: HTTPConfig{Host: host, Port: port},
		Postgres: PostgresConfig{
			DSN: dsn,
		},
		Redis: RedisConfig{
			Addr:     getString("REDIS_ADDR", defaultRedisAddr),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		RabbitMQ: RabbitMQConfig{
			URL:                os.Getenv("RABBITMQ_URL"),
			OrderBooksExchange: getString("RABBITMQ_ORDERBOOKS_EXCHANGE", defaultOrderBooksExchange),
			Prefetch:           prefetch,
		},
		Cache: CacheConfig{
			TTLSeconds:         cacheTTL,
			HistoryCapacity:    historyCap,
			ResponseTTLSeconds: responseTTL,
		},
		Persist: PersistConfig{
			QueueSize:           queueSize,
			WriteTimeoutSeconds: writeTimeout,
		},
		WS: WSConfig{
			SendBuffer:          sendBuffer,
			SendTimeoutSeconds:  sendTimeout,
			BackfillNewestFirst: backfillNewestFirst,
		},
	}, nil
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("convert %s value %q to bool: %w", key, value, err)
	}
	return parsed, nil
}

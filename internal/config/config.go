package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURI string // empty keeps reminders, contacts and settings in memory
	RedisURL    string // empty keeps delivery records in memory

	// IdentityHeader names the header a trusted gateway sets to the
	// authenticated user id. Empty accepts subscriptions for any user.
	IdentityHeader string

	KafkaBrokers []string // empty logs delivery failures instead of publishing them
	AlertTopic   string

	TelegramToken string
	AIAPIKey      string
	AIBaseURL     string
	AIModel       string

	SMTPAddr      string
	SMTPFrom      string
	SMTPUser      string
	SMTPPassword  string
	SMSWebhookURL string

	PollInterval         time.Duration
	SendTimeout          time.Duration
	RetryBase            time.Duration
	RetryFactor          float64
	RetryMaxAttempts     int
	DeliveryRetention    time.Duration
	WorkerLanes          int
	SecondaryConcurrency int
	RegistryShards       int
	KeepAliveInterval    time.Duration
	PongTimeout          time.Duration

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// .env file is optional in production
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		HTTPAddr:      getEnvOrDefault("HTTP_ADDR", ":8080"),
		DatabaseURI:   os.Getenv("DATABASE_URI"),
		RedisURL:      os.Getenv("REDIS_URL"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		AlertTopic:    getEnvOrDefault("ALERT_TOPIC", "lifeline.delivery-failures"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		AIAPIKey:      os.Getenv("AI_API_KEY"),
		AIBaseURL:     getEnvOrDefault("AI_BASE_URL", "https://openrouter.ai/api/v1"),
		AIModel:       getEnvOrDefault("AI_MODEL", "openai/gpt-4o-mini"),
		SMTPAddr:      os.Getenv("SMTP_ADDR"),
		SMTPFrom:      getEnvOrDefault("SMTP_FROM", "LifeLine <noreply@lifeline.local>"),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		SMSWebhookURL: os.Getenv("SMS_WEBHOOK_URL"),

		IdentityHeader: os.Getenv("IDENTITY_HEADER"),

		PollInterval:         p.duration("POLL_INTERVAL", 500*time.Millisecond),
		SendTimeout:          p.duration("SEND_TIMEOUT", 5*time.Second),
		RetryBase:            p.duration("RETRY_BASE", time.Second),
		RetryFactor:          p.float("RETRY_FACTOR", 2),
		RetryMaxAttempts:     p.int("RETRY_MAX_ATTEMPTS", 5),
		DeliveryRetention:    p.duration("DELIVERY_RETENTION", 24*time.Hour),
		WorkerLanes:          p.int("WORKER_LANES", 16),
		SecondaryConcurrency: p.int("SECONDARY_CONCURRENCY", 32),
		RegistryShards:       p.int("REGISTRY_SHARDS", 64),
		KeepAliveInterval:    p.duration("KEEPALIVE_INTERVAL", 25*time.Second),
		PongTimeout:          p.duration("PONG_TIMEOUT", 20*time.Second),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),
	}
	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges the parsers cannot.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"POLL_INTERVAL":      c.PollInterval,
		"SEND_TIMEOUT":       c.SendTimeout,
		"RETRY_BASE":         c.RetryBase,
		"DELIVERY_RETENTION": c.DeliveryRetention,
		"KEEPALIVE_INTERVAL": c.KeepAliveInterval,
		"PONG_TIMEOUT":       c.PongTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.RetryFactor < 1 {
		errs = append(errs, errors.New("RETRY_FACTOR must be at least 1"))
	}
	for key, n := range map[string]int{
		"RETRY_MAX_ATTEMPTS":    c.RetryMaxAttempts,
		"WORKER_LANES":          c.WorkerLanes,
		"SECONDARY_CONCURRENCY": c.SecondaryConcurrency,
		"REGISTRY_SHARDS":       c.RegistryShards,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", key))
		}
	}
	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		errs = append(errs, errors.New("SMTP_FROM is required with SMTP_ADDR"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed value instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

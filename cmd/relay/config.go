package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// config is read from the environment, optionally seeded from .env files.
type config struct {
	Env      string
	LogLevel string
	LogJSON  bool

	HTTPAddress     string
	ShutdownTimeout time.Duration

	// Store backend: memory, postgres or mongo
	Store         string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	TablePrefix   string

	// Provider: resend or ses
	Provider            string
	ResendAPIKey        string
	ResendWebhookSecret string
	AWSRegion           string
	SESConfigurationSet string
	SESEndpoint         string

	// Raw inbound archive: none, s3 or gcs
	Archive          string
	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveEndpoint  string
	ArchiveThreshold int
	ArchiveCacheDir  string
	GCSCredentials   string

	RedisURL     string
	KafkaBrokers string
	KafkaTopic   string

	Workers           int
	SendRate          float64
	WebhookRate       float64
	VisibilityTimeout time.Duration
	WebhookTimeout    time.Duration
	OTel              bool
}

// loadConfig reads .env.<RELAY_ENV> and .env when present, then the
// environment. Variables already set in the environment win.
func loadConfig() (*config, error) {
	env := getenv("RELAY_ENV", "development")
	for _, f := range []string{".env." + env, ".env"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	cfg := &config{
		Env:      env,
		LogLevel: getenv("LOG_LEVEL", "info"),
		LogJSON:  getenvBool("LOG_JSON", env != "development"),

		HTTPAddress:     getenv("HTTP_ADDRESS", ":8080"),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		Store:         getenv("RELAY_STORE", "memory"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getenv("MONGO_DATABASE", "relay"),
		TablePrefix:   os.Getenv("TABLE_PREFIX"),

		Provider:            getenv("PROVIDER", "resend"),
		ResendAPIKey:        os.Getenv("RESEND_API_KEY"),
		ResendWebhookSecret: os.Getenv("RESEND_WEBHOOK_SECRET"),
		AWSRegion:           os.Getenv("AWS_REGION"),
		SESConfigurationSet: os.Getenv("SES_CONFIGURATION_SET"),
		SESEndpoint:         os.Getenv("SES_ENDPOINT"),

		Archive:          getenv("ARCHIVE", "none"),
		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:    getenv("ARCHIVE_PREFIX", "inbound/"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveThreshold: getenvInt("ARCHIVE_THRESHOLD", 256*1024),
		ArchiveCacheDir:  os.Getenv("ARCHIVE_CACHE_DIR"),
		GCSCredentials:   os.Getenv("GCS_CREDENTIALS_FILE"),

		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "relay-events"),

		Workers:           getenvInt("WORKERS", 4),
		SendRate:          getenvFloat("SEND_RATE", 0),
		WebhookRate:       getenvFloat("WEBHOOK_RATE", 0),
		VisibilityTimeout: getenvDuration("VISIBILITY_TIMEOUT", 2*time.Minute),
		WebhookTimeout:    getenvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		OTel:              getenvBool("OTEL_ENABLED", false),
	}
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown RELAY_STORE %q", c.Store)
	}
	switch c.Provider {
	case "resend", "ses":
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	switch c.Archive {
	case "none":
	case "s3", "gcs":
		if c.ArchiveBucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required for the %s archive", c.Archive)
		}
	default:
		return fmt.Errorf("unknown ARCHIVE %q", c.Archive)
	}
	return nil
}

func (c *config) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

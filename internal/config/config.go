package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	StoreBackend    string
	SequenceBackend string
	RedisURL        string

	ChangeFeed         string
	NATSURL            string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxRetention    time.Duration
	OutboxLookback     time.Duration

	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubChannel      string

	ArchiveBackend   string
	MongoURI         string
	MongoDatabase    string
	ArchiveInterval  time.Duration
	ArchiveBatchSize int

	ClinicTimezone  string
	ConflictRetries int
	StaffJWTSecret  string

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	storeBackend := readChoice("STORE_BACKEND", "postgres")

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		StoreBackend:    storeBackend,
		SequenceBackend: readChoice("SEQUENCE_BACKEND", "postgres"),
		RedisURL:        readString("REDIS_URL", "redis://localhost:6379/0"),

		ChangeFeed:         readChoice("CHANGE_FEED", "local"),
		NATSURL:            readString("NATS_URL", "nats://localhost:4222"),
		OutboxPollInterval: readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 1),
		OutboxBatchSize:    readInt("OUTBOX_POLL_BATCH_SIZE", 100),
		OutboxRetention:    readDurationSeconds("OUTBOX_POLL_RETENTION_SECONDS", 3600),
		OutboxLookback:     readDurationSeconds("OUTBOX_POLL_LOOKBACK_SECONDS", 10),

		PubNubPublishKey:   os.Getenv("PUBNUB_PUBLISH_KEY"),
		PubNubSubscribeKey: os.Getenv("PUBNUB_SUBSCRIBE_KEY"),
		PubNubChannel:      readString("PUBNUB_CHANNEL", "clinicqueue-board"),

		ArchiveBackend:   readChoice("ARCHIVE_BACKEND", storeBackend),
		MongoURI:         readString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:    readString("MONGO_DATABASE", "clinicqueue"),
		ArchiveInterval:  readDurationSeconds("ARCHIVE_INTERVAL_SECONDS", 0),
		ArchiveBatchSize: readInt("ARCHIVE_BATCH_SIZE", 500),

		ClinicTimezone:  readString("CLINIC_TIMEZONE", "UTC"),
		ConflictRetries: readInt("CONFLICT_RETRIES", 3),
		StaffJWTSecret:  os.Getenv("STAFF_JWT_SECRET"),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

// Validate rejects settings that would silently shift queue days.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("invalid CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return nil
}

// Location falls back to UTC when CLINIC_TIMEZONE is not a known zone.
// Binaries call Validate first, so the fallback only applies to configs built by hand.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		log.Printf("unknown CLINIC_TIMEZONE %q, using UTC: %v", c.ClinicTimezone, err)
		return time.UTC
	}
	return loc
}

func (c Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readChoice(key, fallback string) string {
	return strings.ToLower(readString(key, fallback))
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

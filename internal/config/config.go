package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // STOCKMESH_DATABASE_URL (required; postgres:// or a SQLite path)
	NATSURL     string // STOCKMESH_NATS_URL (default "nats://127.0.0.1:4222")
	HTTPAddr    string // STOCKMESH_HTTP_ADDR (default ":8844")
	AuthToken   string // STOCKMESH_AUTH_TOKEN (optional, empty = auth disabled)

	// EmbeddedNATS starts an in-process broker for single-box sites.
	EmbeddedNATS     bool   // STOCKMESH_EMBEDDED_NATS ("1" enables)
	EmbeddedNATSAddr string // STOCKMESH_EMBEDDED_NATS_ADDR (default ":4222")

	// Outbox processor settings.
	PollInterval time.Duration // STOCKMESH_POLL_INTERVAL (default 5s)
	BatchSize    int           // STOCKMESH_BATCH_SIZE (default 100)

	// Election settings.
	HeartbeatInterval time.Duration // STOCKMESH_HEARTBEAT_INTERVAL (default 5s)
	HeartbeatTimeout  time.Duration // STOCKMESH_HEARTBEAT_TIMEOUT (default 15s)

	// Hub broadcast coalescing. Negative broadcasts each merge immediately.
	CoalesceWindow time.Duration // STOCKMESH_COALESCE_WINDOW (default 50ms)

	// Archival settings.
	ArchiveInterval   time.Duration // STOCKMESH_ARCHIVE_INTERVAL (default 1h; 0 = disabled)
	Retention         time.Duration // STOCKMESH_RETENTION (default 720h)
	ArchiveS3Bucket   string        // STOCKMESH_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // STOCKMESH_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // STOCKMESH_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // STOCKMESH_ARCHIVE_S3_PREFIX (default "stockmesh/archive")
	ArchiveDir        string        // STOCKMESH_ARCHIVE_DIR (local destination when set)
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("STOCKMESH_DATABASE_URL"),
		NATSURL:           envOrDefault("STOCKMESH_NATS_URL", "nats://127.0.0.1:4222"),
		HTTPAddr:          envOrDefault("STOCKMESH_HTTP_ADDR", ":8844"),
		AuthToken:         os.Getenv("STOCKMESH_AUTH_TOKEN"),
		EmbeddedNATS:      os.Getenv("STOCKMESH_EMBEDDED_NATS") == "1",
		EmbeddedNATSAddr:  envOrDefault("STOCKMESH_EMBEDDED_NATS_ADDR", ":4222"),
		ArchiveS3Bucket:   os.Getenv("STOCKMESH_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("STOCKMESH_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("STOCKMESH_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("STOCKMESH_ARCHIVE_S3_PREFIX", "stockmesh/archive"),
		ArchiveDir:        os.Getenv("STOCKMESH_ARCHIVE_DIR"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("STOCKMESH_DATABASE_URL is required")
	}

	var err error
	if c.PollInterval, err = durationOrDefault("STOCKMESH_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if c.HeartbeatInterval, err = durationOrDefault("STOCKMESH_HEARTBEAT_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if c.HeartbeatTimeout, err = durationOrDefault("STOCKMESH_HEARTBEAT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if c.CoalesceWindow, err = durationOrDefault("STOCKMESH_COALESCE_WINDOW", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = durationOrDefault("STOCKMESH_ARCHIVE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if c.Retention, err = durationOrDefault("STOCKMESH_RETENTION", 720*time.Hour); err != nil {
		return nil, err
	}

	c.BatchSize = 100
	if v := os.Getenv("STOCKMESH_BATCH_SIZE"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &c.BatchSize); err != nil || c.BatchSize <= 0 {
			return nil, fmt.Errorf("STOCKMESH_BATCH_SIZE: invalid value %q", v)
		}
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// SQLitePath backs policies, providers, verdicts, and sessions.
	SQLitePath string
	// DatabaseURL, when set, moves agent storage to PostgreSQL.
	DatabaseURL string
	// RedisAddr, when set, shares rate-limit buckets and signing nonces
	// across replicas.
	RedisAddr     string
	RedisPassword string

	// APIKeyPepper is the server secret mixed into agent key digests.
	APIKeyPepper string
	// SigningKeysPath points at the YAML registry of request-signing keys.
	SigningKeysPath string

	// LowTrustThreshold rejects providers scoring below it.
	LowTrustThreshold int
	// LargeAmountRatio escalates to confirmation above this share of the
	// remaining daily budget.
	LargeAmountRatio float64
	// TokenDecimals converts transaction base units to USD.
	TokenDecimals int

	// ArchiveBucket, when set, enables evidence-pack archival.
	ArchiveBucket   string
	ArchiveBackend  string // "s3" or "gcs"
	ArchiveRegion   string
	ArchiveEndpoint string // custom S3 endpoint for MinIO/LocalStack

	// OTLPEndpoint, when set, enables OpenTelemetry export.
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:       getenv("PORT", "8080"),
		LogLevel:   getenv("LOG_LEVEL", "INFO"),
		SQLitePath: getenv("SQLITE_PATH", "tollgate.db"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		APIKeyPepper:    getenv("API_KEY_PEPPER", "dev-pepper-not-for-production"),
		SigningKeysPath: os.Getenv("SIGNING_KEYS_PATH"),

		LowTrustThreshold: getenvInt("LOW_TRUST_THRESHOLD", 30),
		LargeAmountRatio:  getenvFloat("LARGE_AMOUNT_RATIO", 0.5),
		TokenDecimals:     getenvInt("TOKEN_DECIMALS", 6),

		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveBackend:  getenv("ARCHIVE_BACKEND", "s3"),
		ArchiveRegion:   getenv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Package config loads service configuration from the environment, with an
// optional YAML profile overlay for local development.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Identity holds the identity-registry configuration.
type Identity struct {
	ListenHost  string
	Port        string
	DatabaseURL string
	LogLevel    string
}

// LoadIdentity reads identity-registry configuration from the environment.
func LoadIdentity() *Identity {
	return &Identity{
		ListenHost:  getenv("LISTEN_HOST", "0.0.0.0"),
		Port:        getenv("PORT", "3001"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://pathwell@localhost:5432/pathwell?sslmode=disable"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
	}
}

// Policy holds the policy-engine configuration.
type Policy struct {
	ListenHost    string
	Port          string
	Backend       string // opa | cel
	OPAURL        string
	CELExpr       string
	PolicyVersion string
	LogLevel      string
}

// LoadPolicy reads policy-engine configuration from the environment.
func LoadPolicy() *Policy {
	return &Policy{
		ListenHost:    getenv("LISTEN_HOST", "0.0.0.0"),
		Port:          getenv("PORT", "3002"),
		Backend:       getenv("POLICY_BACKEND", "opa"),
		OPAURL:        getenv("OPA_URL", "http://localhost:8181"),
		CELExpr:       os.Getenv("POLICY_CEL_EXPR"),
		PolicyVersion: getenv("POLICY_VERSION", "v1"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
	}
}

// Receipt holds the receipt-store configuration.
type Receipt struct {
	ListenHost string
	Port       string

	// DatabaseURL selects the backend: postgres:// for lib/pq, file: or
	// sqlite: for the embedded store. Empty disables persistence (the API
	// then answers 503).
	DatabaseURL string

	StreamBackend string // kafka | pubsub | none
	KafkaBrokers  []string
	KafkaTopic    string
	PubSubProject string
	PubSubTopic   string

	ArchiveBackend string // s3 | gcs | none
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	GCSBucket      string

	TraceIdleTimeout time.Duration
	LogLevel         string
}

// LoadReceipt reads receipt-store configuration from the environment.
func LoadReceipt() *Receipt {
	brokers := strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	return &Receipt{
		ListenHost:       getenv("LISTEN_HOST", "0.0.0.0"),
		Port:             getenv("PORT", "3003"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StreamBackend:    getenv("STREAM_BACKEND", "kafka"),
		KafkaBrokers:     brokers,
		KafkaTopic:       getenv("KAFKA_TOPIC", "pathwell-receipts"),
		PubSubProject:    os.Getenv("PUBSUB_PROJECT"),
		PubSubTopic:      getenv("PUBSUB_TOPIC", "pathwell-receipts"),
		ArchiveBackend:   getenv("ARCHIVE_BACKEND", "s3"),
		S3Bucket:         getenv("S3_BUCKET", "pathwell-receipts"),
		S3Region:         getenv("S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		GCSBucket:        os.Getenv("GCS_BUCKET"),
		TraceIdleTimeout: getenvDuration("TRACE_IDLE_TIMEOUT", 30*time.Minute),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
	}
}

// Gateway holds the proxy-gateway configuration.
type Gateway struct {
	ListenHost          string
	Port                string
	TargetBackendURL    string
	IdentityRegistryURL string
	PolicyEngineURL     string
	ReceiptStoreURL     string
	RedisURL            string
	UpstreamTimeout     time.Duration
	IdentityCacheTTL    time.Duration
	LogLevel            string
}

// ErrMissingTarget is returned when TARGET_BACKEND_URL is unset; the
// gateway refuses to start without an upstream.
var ErrMissingTarget = errors.New("TARGET_BACKEND_URL is required")

// LoadGateway reads proxy-gateway configuration from the environment.
func LoadGateway() (*Gateway, error) {
	target := os.Getenv("TARGET_BACKEND_URL")
	if target == "" {
		return nil, ErrMissingTarget
	}
	return &Gateway{
		ListenHost:          getenv("LISTEN_HOST", "0.0.0.0"),
		Port:                getenv("PORT", "8080"),
		TargetBackendURL:    strings.TrimRight(target, "/"),
		IdentityRegistryURL: getenv("IDENTITY_REGISTRY_URL", "http://localhost:3001"),
		PolicyEngineURL:     getenv("POLICY_ENGINE_URL", "http://localhost:3002"),
		ReceiptStoreURL:     getenv("RECEIPT_STORE_URL", "http://localhost:3003"),
		RedisURL:            os.Getenv("REDIS_URL"),
		UpstreamTimeout:     getenvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		IdentityCacheTTL:    getenvDuration("IDENTITY_CACHE_TTL", 30*time.Second),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
	}, nil
}

// ParseLimit parses a pagination limit query value, clamped to [1, max].
func ParseLimit(raw string, def, max int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ParseOffset parses a pagination offset query value, floored at 0.
func ParseOffset(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

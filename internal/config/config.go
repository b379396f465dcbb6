package config

import (
	"context"
	"fmt"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the memory service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-Client-ID header is accepted and API key
	// validation is relaxed.
	Mode string

	// Default user for single-tenant deployments (MCP server identity).
	DefaultUserID string
	// Default app name for MCP-created memories.
	DefaultAppName string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// Cache backend type
	CacheType string // "redis", "memory", or "none"

	// Redis
	RedisURL string

	// Access rule cache TTL.
	RuleCacheTTL time.Duration

	// Vector store type
	VectorType string // "qdrant", "pgvector", or "" (disabled)

	// Run vector migrations on startup.
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollectionName string
	QdrantAPIKey         string
	QdrantUseTLS         bool
	QdrantStartupTimeout time.Duration

	// Embedding type
	EmbedType string // "openai" or "none"

	// Categorizer type
	CategorizeType string // "openai" or "none"

	// OpenAI
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIChatModel  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// Search behavior.
	SearchLimit     int
	SearchThreshold float64
	SearchTimeout   time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // internal URL for discovery when the issuer is not reachable
	OIDCClientID     string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when a management port was
	// explicitly provided. When false, management endpoints are served on
	// the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management
	// endpoints. Disabled by default to suppress probe noise.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	// APIKeys maps API key values to client IDs.
	APIKeys      map[string]string // key value -> clientId
	AdminClients string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// QdrantAddress returns the host:port the Qdrant gRPC client dials.
func (c *Config) QdrantAddress() string {
	return fmt.Sprintf("%s:%d", c.QdrantHost, c.QdrantPort)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DefaultUserID:           "default_user",
		DefaultAppName:          "openmemory",
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		RuleCacheTTL:            time.Minute,
		VectorType:              "",
		VectorMigrateAtStart:    true,
		QdrantHost:              "localhost",
		QdrantPort:              6334,
		QdrantCollectionName:    "openmemory",
		QdrantStartupTimeout:    30 * time.Second,
		EmbedType:               "none",
		CategorizeType:          "none",
		OpenAIModelName:         "text-embedding-3-small",
		OpenAIChatModel:         "gpt-4o-mini",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		OpenAIDimensions:        1536,
		SearchLimit:             10,
		SearchThreshold:         0.0,
		SearchTimeout:           10 * time.Second,
		Listener: ListenerConfig{
			Port:              8765,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:    4 * 1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

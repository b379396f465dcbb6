package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/chirino/openmemory-service/internal/config"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/openmemory-service/internal/plugin/cache/memory"
	_ "github.com/chirino/openmemory-service/internal/plugin/cache/noop"
	_ "github.com/chirino/openmemory-service/internal/plugin/cache/redis"
	_ "github.com/chirino/openmemory-service/internal/plugin/categorize/disabled"
	_ "github.com/chirino/openmemory-service/internal/plugin/categorize/openai"
	_ "github.com/chirino/openmemory-service/internal/plugin/embed/disabled"
	_ "github.com/chirino/openmemory-service/internal/plugin/embed/openai"
	_ "github.com/chirino/openmemory-service/internal/plugin/route/system"
	_ "github.com/chirino/openmemory-service/internal/plugin/store/postgres"
	_ "github.com/chirino/openmemory-service/internal/plugin/store/sqlite"
	_ "github.com/chirino/openmemory-service/internal/plugin/vector/pgvector"
	_ "github.com/chirino/openmemory-service/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	readHeaderTimeoutSecs := 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the openmemory HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ApplyAPIKeysFromEnv()
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Usage:       "Dedicated port for /health, /ready and /metrics; defaults to the main port",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS; generates a self-signed certificate when none is configured",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("OPENMEMORY_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any origin",
		},

		// ── Identity ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode: prod or testing",
		},
		&cli.StringFlag{
			Name:        "default-user-id",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_DEFAULT_USER_ID"),
			Destination: &cfg.DefaultUserID,
			Value:       cfg.DefaultUserID,
			Usage:       "User identity for requests that carry none",
		},
		&cli.StringFlag{
			Name:        "default-app-name",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_DEFAULT_APP_NAME"),
			Destination: &cfg.DefaultAppName,
			Value:       cfg.DefaultAppName,
			Usage:       "App identity for requests that carry none",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL for JWT validation",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "Internal OIDC discovery URL when the issuer is not directly reachable",
		},
		&cli.StringFlag{
			Name:        "oidc-client-id",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_OIDC_CLIENT_ID"),
			Destination: &cfg.OIDCClientID,
			Usage:       "Expected audience of presented JWTs",
		},
		&cli.StringFlag{
			Name:        "admin-clients",
			Category:    "Identity:",
			Sources:     cli.EnvVars("OPENMEMORY_ADMIN_CLIENTS"),
			Destination: &cfg.AdminClients,
			Usage:       "Comma-separated client ids granted admin endpoints",
		},

		// ── Datastore ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("OPENMEMORY_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Relational store backend: postgres or sqlite",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("OPENMEMORY_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("OPENMEMORY_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("OPENMEMORY_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("OPENMEMORY_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("OPENMEMORY_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Access rule cache backend: redis, memory or none",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("OPENMEMORY_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "rule-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("OPENMEMORY_RULE_CACHE_TTL"),
			Destination: &cfg.RuleCacheTTL,
			Value:       cfg.RuleCacheTTL,
			Usage:       "How long resolved access rule sets stay cached",
		},

		// ── Retrieval ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Usage:       "Vector store backend: qdrant, pgvector or empty to disable semantic search",
		},
		&cli.BoolFlag{
			Name:        "vector-migrate-at-start",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_VECTOR_MIGRATE_AT_START"),
			Destination: &cfg.VectorMigrateAtStart,
			Value:       cfg.VectorMigrateAtStart,
			Usage:       "Create the vector collection/schema on startup",
		},
		&cli.StringFlag{
			Name:        "qdrant-host",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host",
		},
		&cli.IntFlag{
			Name:        "qdrant-port",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "qdrant-collection",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_QDRANT_COLLECTION"),
			Destination: &cfg.QdrantCollectionName,
			Value:       cfg.QdrantCollectionName,
			Usage:       "Qdrant collection name",
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "qdrant-tls",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_QDRANT_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Usage:       "Dial Qdrant with TLS",
		},
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider: openai or none",
		},
		&cli.StringFlag{
			Name:        "categorizer-kind",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_CATEGORIZER_KIND"),
			Destination: &cfg.CategorizeType,
			Value:       cfg.CategorizeType,
			Usage:       "Categorizer provider: openai or none",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-embedding-model",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_OPENAI_EMBEDDING_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model",
		},
		&cli.StringFlag{
			Name:        "openai-chat-model",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_OPENAI_CHAT_MODEL"),
			Destination: &cfg.OpenAIChatModel,
			Value:       cfg.OpenAIChatModel,
			Usage:       "OpenAI chat model used for categorization",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.IntFlag{
			Name:        "openai-dimensions",
			Category:    "Retrieval:",
			Sources:     cli.EnvVars("OPENMEMORY_OPENAI_DIMENSIONS"),
			Destination: &cfg.OpenAIDimensions,
			Value:       cfg.OpenAIDimensions,
			Usage:       "Embedding vector dimensions",
		},

		// ── Search ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "search-limit",
			Category:    "Search:",
			Sources:     cli.EnvVars("OPENMEMORY_SEARCH_LIMIT"),
			Destination: &cfg.SearchLimit,
			Value:       cfg.SearchLimit,
			Usage:       "Default maximum search results",
		},
		&cli.FloatFlag{
			Name:        "search-threshold",
			Category:    "Search:",
			Sources:     cli.EnvVars("OPENMEMORY_SEARCH_THRESHOLD"),
			Destination: &cfg.SearchThreshold,
			Value:       cfg.SearchThreshold,
			Usage:       "Default minimum similarity score; results scoring below are dropped",
		},
		&cli.DurationFlag{
			Name:        "search-timeout",
			Category:    "Search:",
			Sources:     cli.EnvVars("OPENMEMORY_SEARCH_TIMEOUT"),
			Destination: &cfg.SearchTimeout,
			Value:       cfg.SearchTimeout,
			Usage:       "Per-search deadline when the caller supplies none",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("OPENMEMORY_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=openmemory",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

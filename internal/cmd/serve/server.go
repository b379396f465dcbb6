package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/audit"
	"github.com/chirino/openmemory-service/internal/config"
	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/plugin/route/apps"
	"github.com/chirino/openmemory-service/internal/plugin/route/mcptools"
	"github.com/chirino/openmemory-service/internal/plugin/route/memories"
	routesystem "github.com/chirino/openmemory-service/internal/plugin/route/system"
	"github.com/chirino/openmemory-service/internal/plugin/route/users"
	storemetrics "github.com/chirino/openmemory-service/internal/plugin/store/metrics"
	registrycache "github.com/chirino/openmemory-service/internal/registry/cache"
	registrycategorize "github.com/chirino/openmemory-service/internal/registry/categorize"
	registryembed "github.com/chirino/openmemory-service/internal/registry/embed"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registryroute "github.com/chirino/openmemory-service/internal/registry/route"
	registrystore "github.com/chirino/openmemory-service/internal/registry/store"
	registryvector "github.com/chirino/openmemory-service/internal/registry/vector"
	"github.com/chirino/openmemory-service/internal/search"
	"github.com/chirino/openmemory-service/internal/security"
	"github.com/chirino/openmemory-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.MemoryStore
	Service         *service.MemoryService
	Router          *gin.Engine
	Running         *RunningServer
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port; the bound port is in
// Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting openmemory service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations. Each migrator checks the config and skips itself when
	// its backend is not selected or startup migration is disabled.
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize the rule cache.
	var ruleCache registrycache.Cache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if ruleCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		ruleCache = nil
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Initialize embedder and vector store (optional, for semantic search)
	var embedder registryembed.Embedder
	var vectorStore registryvector.Store
	if cfg.EmbedType != "" && cfg.EmbedType != "none" {
		embedLoader, err := registryembed.Select(cfg.EmbedType)
		if err != nil {
			log.Warn("Embedder not available", "err", err)
		} else {
			embedder, err = embedLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize embedder", "err", err)
			}
		}
	}
	if cfg.VectorType != "" && cfg.VectorType != "none" {
		if embedder == nil {
			return nil, fmt.Errorf("vector store %q requires an embedding provider: set --embedding-kind to a value other than 'none'", cfg.VectorType)
		}
		vectorLoader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			log.Warn("Vector store not available", "err", err)
		} else {
			vectorStore, err = vectorLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize vector store", "err", err)
			}
		}
	}

	// Initialize categorizer (optional)
	var categorizer registrycategorize.Categorizer
	if cfg.CategorizeType != "" && cfg.CategorizeType != "none" {
		categorizeLoader, err := registrycategorize.Select(cfg.CategorizeType)
		if err != nil {
			log.Warn("Categorizer not available", "err", err)
		} else {
			categorizer, err = categorizeLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize categorizer", "err", err)
			}
		}
	}

	// Wire the domain components.
	ruleResolver := access.NewResolver(store, ruleCache, cfg.RuleCacheTTL)
	lifecycleMgr := lifecycle.NewManager(store)
	auditLog := audit.NewLogger(store)
	var merger *search.Merger
	if vectorStore != nil && embedder != nil {
		merger = search.NewMerger(store, vectorStore, embedder, ruleResolver, auditLog,
			cfg.SearchLimit, cfg.SearchThreshold, cfg.SearchTimeout)
	}
	svc := service.NewMemoryService(store, vectorStore, embedder, categorizer,
		ruleResolver, lifecycleMgr, auditLog, merger, cfg)

	// Create shared token resolver and auth middleware.
	tokens := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(tokens)

	// Mount API routes
	memories.MountRoutes(router, svc, cfg, auth)
	apps.MountRoutes(router, svc, cfg, auth)
	users.MountRoutes(router, svc, cfg, auth)
	mcptools.MountRoutes(router, svc, cfg)

	// Mount management route plugins. With a dedicated management port they
	// run on their own gin engine; otherwise they share the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		mgmtCfg.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
		mgmt, err := startHTTPServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", mgmt.Addr)
		closeManagement = mgmt.Close
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := startHTTPServer(cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Service:         svc,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/skillvault/internal/api"
	"github.com/nidhogg/skillvault/internal/audit"
	"github.com/nidhogg/skillvault/internal/cache"
	"github.com/nidhogg/skillvault/internal/catalog"
	"github.com/nidhogg/skillvault/internal/config"
	"github.com/nidhogg/skillvault/internal/pipeline"
	"github.com/nidhogg/skillvault/internal/sandbox"
	"github.com/nidhogg/skillvault/internal/sanitize"
	pgstore "github.com/nidhogg/skillvault/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting SkillVault...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/skillvault.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Build the catalog. The store is optional: without it the catalog
	// serves native providers and local definitions only.
	var source catalog.Source
	if store != nil {
		source = store
	}
	definitionsDir := cfg.DefinitionsDir
	if definitionsDir == "" {
		definitionsDir = "skills"
	}
	cat := catalog.New(catalog.BuiltinProviders(), definitionsDir, source, logger)
	cat.Initialize(context.Background())

	// Audit chain: Postgres-backed when available, in-memory otherwise.
	var auditLog audit.Log
	if store != nil {
		auditLog = store
	} else {
		logger.Warn("audit log is in-memory only, entries lost on restart")
		auditLog = audit.NewMemoryLog()
	}
	chain := audit.NewChain(auditLog, logger)

	// Idempotency cache
	var resultCache pipeline.ResultCache
	if cfg.Database.Redis.URL != "" {
		ttl, ttlErr := cfg.Cache.ResultTTLDuration()
		if ttlErr != nil {
			logger.Fatal("invalid cache config", zap.Error(ttlErr))
		}
		rc, rcErr := cache.NewResults(cfg.Database.Redis.URL, ttl, logger)
		if rcErr != nil {
			logger.Warn("Redis unavailable, running without result cache", zap.Error(rcErr))
		} else {
			resultCache = rc
			defer rc.Close()
		}
	}

	// Sandbox runner. Native skill handlers are registered here; skills
	// without a handler fall back to declarative rendering.
	runner := sandbox.NewInProcessRunner(logger)

	var installer pipeline.Installer
	if store != nil {
		installer = store
	} else {
		installer = openInstaller{}
	}

	executor, err := pipeline.New(pipeline.Config{
		Catalog:    cat,
		Classifier: sanitize.NewClassifier(logger),
		Sanitizer:  sanitize.NewSanitizer(logger),
		Runner:     runner,
		Policies:   sandbox.DefaultPolicies(),
		Installer:  installer,
		Audit:      chain,
		Cache:      resultCache,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	// Build HTTP handler. Install endpoints need the store.
	var installs api.Installs
	if store != nil {
		installs = store
	}
	handler := api.NewHandler(cat, executor, installs, chain, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("SkillVault listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down SkillVault...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if store != nil {
		store.Close()
	}
}

// openInstaller treats every skill as installed and drops usage records.
// Used only when no Postgres store is configured.
type openInstaller struct{}

func (openInstaller) IsInstalled(ctx context.Context, userID, skillID string) (bool, error) {
	return true, nil
}

func (openInstaller) RecordUsage(ctx context.Context, userID, skillID string, success bool, durationMs int64) error {
	return nil
}

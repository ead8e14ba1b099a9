package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/buildinfo"
	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/database"
	"github.com/meschain/meschain-sync/internal/handlers"
	"github.com/meschain/meschain-sync/internal/logger"
	"github.com/meschain/meschain-sync/internal/report"
	"github.com/meschain/meschain-sync/internal/store"
	"github.com/meschain/meschain-sync/internal/sync"
	"github.com/meschain/meschain-sync/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logg, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Sync()

	syncCfg, err := config.LoadSyncConfig()
	if err != nil {
		logg.Fatal("Failed to load sync configuration", zap.Error(err))
	}

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database, logg)
	if err != nil {
		logg.Fatal("Failed to connect to database", zap.Error(err))
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	logg.Info("🚀 Synchronizing database schema...")
	if err := db.Migrate(); err != nil {
		logg.Fatal("Migration failed", zap.Error(err))
	}
	logg.Info("✅ Schema synchronized successfully")

	// 4. Adapters, notifier and engine
	bw := sync.NewBandwidthRegistry(syncCfg)
	registry, err := sync.NewAdapterRegistry(syncCfg, bw, logg)
	if err != nil {
		logg.Fatal("Failed to build marketplace adapters", zap.Error(err))
	}

	hub := websocket.NewHub(0, logg)
	st := store.New(db.DB)
	engine, err := sync.NewSyncEngine(syncCfg, sync.Deps{
		Registry:  registry,
		Sessions:  st,
		Conflicts: st,
		Passes:    st,
		Catalog:   store.NewCatalog(db.DB),
		Bandwidth: bw,
		Notifier:  hub,
		Logger:    logg,
	})
	if err != nil {
		logg.Fatal("Failed to create sync engine", zap.Error(err))
	}
	hub.SetMetricsSource(10*time.Second, func() interface{} {
		status := engine.GetSyncStatus()
		status["bandwidth"] = engine.Bandwidth().Stats()
		return status
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if err := engine.Start(ctx); err != nil {
		logg.Fatal("Sync Engine: Failed to start", zap.Error(err))
	}

	// 5. Optional report archive
	var archive *report.Archive
	if archiveCfg, _ := report.ArchiveConfigFromEnv(); archiveCfg.Bucket != "" {
		archive, err = report.NewArchive(ctx, archiveCfg)
		if err != nil {
			logg.Warn("⚠️ Report archive disabled", zap.Error(err))
		} else {
			logg.Info("✅ Report archive enabled", zap.String("bucket", archiveCfg.Bucket))
		}
	}

	// 6. Set up HTTP router
	router := handlers.NewRouter(handlers.Options{
		Config:  cfg,
		Engine:  engine,
		Hub:     hub,
		Archive: archive,
		Logger:  logg,
		Version: buildinfo.Version(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logg.Info("🚀 Server starting", zap.String("port", cfg.Port), zap.String("version", buildinfo.Version()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	logg.Warn("⚠️ Shutting down gracefully...", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error("HTTP server shutdown error", zap.Error(err))
	}

	engine.Stop()
	cancel()

	// Close database (this also stops embedded PostgreSQL)
	logg.Info("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		logg.Error("Database close error", zap.Error(err))
	}

	logg.Info("✅ Shutdown complete")
}

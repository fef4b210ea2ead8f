package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idmarkers/msearcher/internal/api"
	"github.com/idmarkers/msearcher/internal/cache"
	"github.com/idmarkers/msearcher/internal/config"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/preprocess"
	"github.com/idmarkers/msearcher/internal/service"
)

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve marker searches over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/server.yaml", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	logger := logging.New(true, os.Stderr)
	log := logging.Component(logger, "server")

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Infof("Starting msearcher server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		MatrixEntries: cfg.Cache.MatrixEntries,
		ResultSizeMB:  cfg.Cache.ResultSizeMB,
		ResultTTL:     time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	search := markers.DefaultOptions()
	search.TopNum = cfg.Search.TopNum
	search.Cutoff = cfg.Search.Cutoff
	search.MaxCandidates = cfg.Search.MaxCandidates
	search.Workers = cfg.Search.Workers

	pp := preprocess.DefaultOptions()
	pp.DetectLogScale = cfg.Preprocess.DetectsLogScale()
	pp.LowExpressionPercentile = cfg.Preprocess.LowExpressionPercentile
	pp.RowScaling = cfg.Preprocess.RowScaling
	pp.Workers = cfg.Search.Workers

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Infof("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		if _, err := os.Stat(ds.ProfilePath); err != nil {
			log.WithField("dataset", datasetID).Warnf("profile not readable yet: %v", err)
		}
		registry.Register(datasetID, service.NewDatasetService(service.DatasetServiceConfig{
			DatasetID:         datasetID,
			Name:              ds.Name,
			ProfilePath:       ds.ProfilePath,
			Preprocess:        cfg.Preprocess.IsEnabled(),
			PreprocessOptions: pp,
			Search:            search,
			Cache:             cacheManager,
			Logger:            logging.Component(logger, "dataset"),
		}))
		log.Infof("  [%s] profile: %s", datasetID, ds.ProfilePath)
	}

	// Initialize job manager for search jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logging.Component(logger, "jobs"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	log.Infof("Search job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up search service as job executor
	searchService := service.NewSearchService(registry, cacheManager, logging.Component(logger, "search"))
	jobManager.Executor = searchService.ExecuteSearchJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	log.Info("Server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/config"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/handlers"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/publisher"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/scheduler"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/database"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("forecast-api", version, logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting temperature forecast server", logging.Fields{
		"version":         version,
		"server_host":     cfg.Server.Host,
		"server_port":     cfg.Server.Port,
		"station":         cfg.Source.Station,
		"report_store":    cfg.Database.Store,
		"storage_backend": cfg.Storage.Backend,
	})

	metricsCollector := metrics.NewCollector("forecast", prometheus.DefaultRegisterer)
	clk := clock.RealClock{}

	// Report and artifact stores
	var (
		reports   repository.ReportRepository
		artifacts repository.ArtifactRepository
	)
	switch cfg.Database.Store {
	case config.StoreMemory:
		reports = repository.NewMemoryReportRepository(clk)
		artifacts = repository.NewMemoryArtifactRepository(clk)
	default:
		db, err := database.NewPostgresDB(&database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()

		reports = repository.NewReportRepository(db, clk, logger, metricsCollector)
		artifacts = repository.NewArtifactRepository(db, clk)
	}

	// Blob storage
	var (
		blobs    storage.Client
		localDir string
	)
	switch cfg.Storage.Backend {
	case config.StorageS3:
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Endpoint:  cfg.Storage.Endpoint,
		})
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to configure S3 storage", logging.Fields{}, err)
		}
		blobs = s3Store
	default:
		baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		local, err := storage.NewLocalStore(cfg.Storage.LocalDir, baseURL)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to prepare local storage", logging.Fields{}, err)
		}
		blobs = local
		localDir = local.Root()
	}
	blobs = storage.Instrumented(blobs, metricsCollector)

	// Upstream source
	retry := source.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Source.MaxRetries
	httpClient := source.NewClient(&http.Client{Timeout: cfg.Source.Timeout}, "ogimet", retry, cfg.Source.UserAgent)
	fetcher := source.NewOgimetClient(cfg.Source.BaseURL, httpClient, logger, metricsCollector)

	// Event publishing
	var pub publisher.Publisher = publisher.Nop{}
	if cfg.Kafka.Enabled() {
		pub = publisher.NewKafkaPublisher(publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic, logger, metricsCollector)
		logger.Info(ctx, "[STARTUP] Forecast events enabled", logging.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		})
	}
	defer pub.Close()

	// Services
	modelService := services.NewModelService(blobs, artifacts, services.ModelSettings{
		HiddenSize:      cfg.Model.HiddenSize,
		LearningRate:    cfg.Model.LearningRate,
		Seed:            cfg.Model.Seed,
		ScalerMinKelvin: cfg.Model.ScalerMinKelvin,
		ScalerMaxKelvin: cfg.Model.ScalerMaxKelvin,
		ModelKey:        cfg.Model.ModelKey,
		ScalerKey:       cfg.Model.ScalerKey,
	}, logger, metricsCollector)
	if err := modelService.EnsureLoaded(ctx); err != nil {
		// Not fatal: the first cycle retries the load.
		logger.Warn(ctx, "[STARTUP] Model not loaded", logging.Fields{"error": err.Error()})
	}

	engine := services.NewForecastEngine(modelService, logger, metricsCollector)
	parser := metar.NewParser(logger, metricsCollector)
	repairer := services.NewGapRepairer(fetcher, parser, engine, cfg.Source.Station, cfg.Cycle.MaxWidenings, logger, metricsCollector)
	executor := services.NewExecutor(cfg.Cycle.QueueSize, logger, metricsCollector)

	cycles := services.NewCycleService(services.CycleDeps{
		Reports:   reports,
		Fetcher:   fetcher,
		Parser:    parser,
		Repairer:  repairer,
		Engine:    engine,
		Models:    modelService,
		Store:     blobs,
		Publisher: pub,
		Executor:  executor,
		Clock:     clk,
	}, services.CycleSettings{
		Station:       cfg.Source.Station,
		Lookback:      cfg.Source.Lookback,
		Debounce:      cfg.Cycle.Debounce,
		StaleAfter:    cfg.Cycle.StaleAfter,
		SnapshotEvery: cfg.Cycle.SnapshotEvery,
	}, logger, metricsCollector)
	dashboard := services.NewDashboardService(reports, artifacts, blobs, clk, cfg.Storage.URLTTL, logger)

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.RequestID)

	handlers.NewReportHandler(cycles, dashboard, reports, logger, metricsCollector).RegisterRoutes(router)
	handlers.NewDashboardHandler(dashboard, cfg.Source.Station, logger, metricsCollector).RegisterRoutes(router)
	handlers.RegisterDocs(router)
	if localDir != "" {
		handlers.RegisterFiles(router, localDir)
	}

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = router
	handler = gorillahandlers.CompressHandler(handler)
	handler = gorillahandlers.RecoveryHandler(gorillahandlers.PrintRecoveryStack(true))(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Interval > 0 {
		sched = scheduler.New(cycles, cfg.Scheduler.Interval, logger)
		if err := sched.Start(); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to start scheduler", logging.Fields{}, err)
		}
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}
	// In-flight cycles that miss the deadline stay active and are reclaimed
	// as stale by a later admission.
	if err := executor.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Cycle queue did not drain", logging.Fields{
			"pending": executor.Pending(),
		}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/config"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/database"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

var (
	headerColor  = color.New(color.FgBlue, color.Bold)
	labelColor   = color.New(color.FgCyan)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
)

func main() {
	stationList := flag.String("stations", "SKBQ,SKCG,SKSM,SKRH,SKVP", "Comma-separated ICAO station codes")
	lookback := flag.Duration("lookback", 0, "History to collect per station (default SOURCE_LOOKBACK)")
	concurrency := flag.Int("concurrency", 4, "Stations fetched in parallel")
	datasetKey := flag.String("key", "", "Storage key of the dataset CSV (default DATASET_KEY)")
	fitScaler := flag.Bool("fit-scaler", false, "Fit the scaler from the dataset when none is stored")
	force := flag.Bool("force", false, "With -fit-scaler, replace an existing scaler")
	trainEpochs := flag.Int("train-epochs", 0, "Pretrain the shared model for this many epochs (0 disables)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *lookback == 0 {
		*lookback = cfg.Source.Lookback
	}
	if *datasetKey == "" {
		*datasetKey = cfg.Model.DatasetKey
	}
	stations := splitStations(*stationList)
	if len(stations) == 0 {
		fmt.Fprintln(os.Stderr, "No stations given")
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("forecast-collector", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("forecast_collector", prometheus.NewRegistry())
	clk := clock.RealClock{}

	ctx := context.Background()
	logger.Info(ctx, "[COLLECTOR_START] Starting dataset collection", logging.Fields{
		"stations":     stations,
		"lookback":     lookback.String(),
		"dataset_key":  *datasetKey,
		"fit_scaler":   *fitScaler,
		"train_epochs": *trainEpochs,
	})

	var artifacts repository.ArtifactRepository
	if cfg.Database.Store == config.StoreMemory {
		artifacts = repository.NewMemoryArtifactRepository(clk)
	} else {
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
			logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		artifacts = repository.NewArtifactRepository(db, clk)
	}

	var blobs storage.Client
	if cfg.Storage.Backend == config.StorageS3 {
		blobs, err = storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Endpoint:  cfg.Storage.Endpoint,
		})
	} else {
		blobs, err = storage.NewLocalStore(cfg.Storage.LocalDir, fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))
	}
	if err != nil {
		logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to configure storage", logging.Fields{}, err)
	}
	blobs = storage.Instrumented(blobs, metricsCollector)

	retry := source.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Source.MaxRetries
	httpClient := source.NewClient(&http.Client{Timeout: cfg.Source.Timeout}, "ogimet", retry, cfg.Source.UserAgent)
	fetcher := source.NewOgimetClient(cfg.Source.BaseURL, httpClient, logger, metricsCollector)
	parser := metar.NewParser(logger, metricsCollector)

	collector := services.NewCollectorService(fetcher, parser, blobs, artifacts, *concurrency, logger)
	result, err := collector.Collect(ctx, stations, source.NewWindow(clk.Now(), *lookback))
	if err != nil {
		logger.Fatal(ctx, "[COLLECTOR_ERROR] Collection failed", logging.Fields{}, err)
	}

	size, err := collector.Upload(ctx, *datasetKey, result)
	if err != nil {
		logger.Fatal(ctx, "[COLLECTOR_ERROR] Dataset upload failed", logging.Fields{
			"key": *datasetKey,
		}, err)
	}

	printSummary(result, *datasetKey, size)

	if !*fitScaler && *trainEpochs == 0 {
		return
	}

	scalerExists, err := blobs.Exists(ctx, cfg.Model.ScalerKey)
	if err != nil {
		logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to check scaler", logging.Fields{}, err)
	}

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
		logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to load model", logging.Fields{}, err)
	}

	if *fitScaler {
		switch {
		case scalerExists && !*force:
			warningColor.Printf("Scaler already stored at %s, skipping fit (use -force to replace)\n", cfg.Model.ScalerKey)
		default:
			sc, err := services.FitScaler(result)
			if err != nil {
				logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to fit scaler", logging.Fields{}, err)
			}
			if err := modelService.ReplaceScaler(ctx, sc); err != nil {
				logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to store scaler", logging.Fields{}, err)
			}
			labelColor.Print("Scaler:        ")
			okColor.Printf("min %.2f K, max %.2f K -> %s\n", sc.DataMin, sc.DataMax, cfg.Model.ScalerKey)
		}
	}

	if *trainEpochs > 0 {
		loss, err := services.Pretrain(modelService, result, *trainEpochs)
		if err != nil {
			logger.Fatal(ctx, "[COLLECTOR_ERROR] Pretraining failed", logging.Fields{}, err)
		}
		if err := modelService.Save(ctx); err != nil {
			logger.Fatal(ctx, "[COLLECTOR_ERROR] Failed to save model", logging.Fields{}, err)
		}
		labelColor.Print("Pretraining:   ")
		okColor.Printf("%d epochs, mean loss %.6f -> %s\n", *trainEpochs, loss, cfg.Model.ModelKey)
	}

	logger.Info(ctx, "[COLLECTOR_COMPLETE] Collection finished", logging.Fields{
		"stations":         len(result.Series),
		"failed_stations":  len(result.Failures),
		"points":           result.Points(),
		"duration_seconds": result.Duration.Seconds(),
	})
}

func splitStations(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printSummary(result *services.CollectResult, key string, size int) {
	headerColor.Println(strings.Repeat("=", 60))
	headerColor.Println("COLLECTION COMPLETE")
	headerColor.Println(strings.Repeat("=", 60))

	for _, set := range result.Series {
		labelColor.Printf("  %-6s", set.Station)
		okColor.Printf(" %4d points", len(set.Series))
		if len(set.Series) > 0 {
			fmt.Printf("  %s .. %s", set.Series.First().Timestamp.Format("2006-01-02 15:04"), set.Series.Last().Timestamp.Format("2006-01-02 15:04"))
		}
		fmt.Println()
	}

	failed := make([]string, 0, len(result.Failures))
	for station := range result.Failures {
		failed = append(failed, station)
	}
	sort.Strings(failed)
	for _, station := range failed {
		labelColor.Printf("  %-6s", station)
		failColor.Printf(" failed: %v\n", result.Failures[station])
	}

	fmt.Println()
	labelColor.Print("Total points:  ")
	fmt.Println(result.Points())
	labelColor.Print("Dataset:       ")
	fmt.Printf("%s (%d bytes)\n", key, size)
	labelColor.Print("Duration:      ")
	fmt.Println(result.Duration)
}

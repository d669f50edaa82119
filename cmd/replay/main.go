package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/config"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

var (
	sectionColor   = color.New(color.FgBlue, color.Bold)
	labelColor     = color.New(color.FgCyan)
	dateColor      = color.New(color.FgGreen)
	syntheticColor = color.New(color.FgYellow)
	forecastColor  = color.New(color.FgMagenta, color.Bold)
	errorColor     = color.New(color.FgRed)
)

// replay runs parse, repair and forecast over a saved source page without a
// database. Model artifacts are read from and written to a local directory.
func main() {
	file := flag.String("file", "", "Saved source page or plain-text METAR listing")
	station := flag.String("station", "", "Station code (default STATION_CODE)")
	end := flag.String("end", "", "Window end as YYYY-MM-DDTHH:MM (default: hour of the newest report)")
	dir := flag.String("dir", "", "Local model directory (default STORAGE_LOCAL_DIR)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: replay -file <listing> [-station SKBQ] [-end 2024-03-01T12:30] [-dir ./blob]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *station == "" {
		*station = cfg.Source.Station
	}
	if *dir == "" {
		*dir = cfg.Storage.LocalDir
	}

	logger := logging.NewStructuredLogger("forecast-replay", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("forecast_replay", prometheus.NewRegistry())
	ctx := context.Background()

	store, err := storage.NewLocalStore(*dir, "file://"+*dir)
	if err != nil {
		fail("prepare model directory", err)
	}

	fetcher := source.FileSource{Path: *file}
	parser := metar.NewParser(logger, metricsCollector)

	text, err := fetcher.Fetch(ctx, *station, source.Window{})
	if err != nil {
		fail("read listing", err)
	}
	series, stats := parser.Parse(ctx, text)

	sectionColor.Println(strings.Repeat("=", 64))
	sectionColor.Printf("REPLAY %s\n", *station)
	sectionColor.Println(strings.Repeat("=", 64))
	labelColor.Print("Reports found:   ")
	fmt.Println(stats.Reports)
	labelColor.Print("Decoded:         ")
	fmt.Println(stats.Decoded)
	labelColor.Print("Dropped:         ")
	fmt.Println(stats.Dropped)

	if len(series) == 0 {
		fail("parse listing", models.ErrInsufficientHistory)
	}

	windowEnd := series.Last().Timestamp
	if *end != "" {
		windowEnd, err = time.Parse("2006-01-02T15:04", *end)
		if err != nil {
			fail("parse -end", err)
		}
	}
	window := source.NewWindow(windowEnd, cfg.Source.Lookback)

	modelService := services.NewModelService(store, repository.NewMemoryArtifactRepository(clock.RealClock{}), services.ModelSettings{
		HiddenSize:      cfg.Model.HiddenSize,
		LearningRate:    cfg.Model.LearningRate,
		Seed:            cfg.Model.Seed,
		ScalerMinKelvin: cfg.Model.ScalerMinKelvin,
		ScalerMaxKelvin: cfg.Model.ScalerMaxKelvin,
		ModelKey:        cfg.Model.ModelKey,
		ScalerKey:       cfg.Model.ScalerKey,
	}, logger, metricsCollector)
	if err := modelService.EnsureLoaded(ctx); err != nil {
		fail("load model", err)
	}

	engine := services.NewForecastEngine(modelService, logger, metricsCollector)
	repairer := services.NewGapRepairer(fetcher, parser, engine, *station, cfg.Cycle.MaxWidenings, logger, metricsCollector)

	repaired, repair, err := repairer.Repair(ctx, series, window)
	if err != nil {
		fail("repair series", err)
	}

	fmt.Println()
	sectionColor.Println("Hourly series")
	for _, obs := range repaired.Tail(services.WindowSize * 2) {
		dateColor.Print("  " + obs.Timestamp.Format("2006-01-02 15:04"))
		line := fmt.Sprintf("  %6.2f K  %5.1f °C", obs.Value, obs.Value-models.KelvinOffset)
		if obs.Synthetic {
			syntheticColor.Println(line + "  (filled)")
		} else {
			fmt.Println(line)
		}
	}
	labelColor.Print("Gaps filled:     ")
	fmt.Println(repair.Filled)
	labelColor.Print("Widenings:       ")
	fmt.Println(repair.Widenings)

	result, err := engine.Forecast(ctx, repaired)
	if err != nil {
		fail("forecast", err)
	}
	if err := modelService.Save(ctx); err != nil {
		fail("save model", err)
	}

	fmt.Println()
	labelColor.Print("Forecast for ")
	dateColor.Print(result.For.Format("2006-01-02 15:04"))
	labelColor.Print(":  ")
	forecastColor.Printf("%.2f K (%.1f °C)\n", result.Value, result.Value-models.KelvinOffset)
	labelColor.Print("Training loss:   ")
	fmt.Printf("%.6f\n", result.Loss)
}

func fail(step string, err error) {
	errorColor.Fprintf(os.Stderr, "replay failed to %s: %v\n", step, err)
	os.Exit(1)
}

package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

func at(h int) time.Time {
	return time.Date(2024, 3, 1, h, 0, 0, 0, time.UTC)
}

// listing renders one report per hour starting at from. NaN entries are
// left out to simulate missing hours.
func listing(from time.Time, celsius ...float64) string {
	var b strings.Builder
	b.WriteString("# SKBQ, Barranquilla\n")
	for i, c := range celsius {
		if math.IsNaN(c) {
			continue
		}
		ts := from.Add(time.Duration(i) * time.Hour)
		fmt.Fprintf(&b, "%s METAR SKBQ %sZ 06010KT 9999 FEW020 %02d/22 Q1012=\n",
			ts.Format(metar.TimeCodeLayout), ts.Format("021504"), int(c))
	}
	return b.String()
}

func seriesOf(from time.Time, kelvin ...float64) models.Series {
	obs := make([]models.Observation, 0, len(kelvin))
	for i, k := range kelvin {
		if math.IsNaN(k) {
			continue
		}
		obs = append(obs, models.Observation{Timestamp: from.Add(time.Duration(i) * time.Hour), Value: k})
	}
	return models.NewSeries(obs)
}

// scriptedFetcher returns responses in order, repeating the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []string
	errs      map[int]error
	panics    map[int]string
	windows   []source.Window
	stations  []string
}

func (f *scriptedFetcher) Fetch(ctx context.Context, station string, w source.Window) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.windows)
	f.windows = append(f.windows, w)
	f.stations = append(f.stations, station)
	if msg, ok := f.panics[call]; ok {
		panic(msg)
	}
	if err, ok := f.errs[call]; ok {
		return "", err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	if call >= len(f.responses) {
		call = len(f.responses) - 1
	}
	return f.responses[call], nil
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

func defaultModelSettings() ModelSettings {
	return ModelSettings{
		HiddenSize:      16,
		LearningRate:    0.01,
		Seed:            42,
		ScalerMinKelvin: 293.15,
		ScalerMaxKelvin: 309.15,
		ModelKey:        "data/model.json.zst",
		ScalerKey:       "data/scaler.json",
	}
}

type harness struct {
	clock     *testingclock.FakeClock
	metrics   *metrics.Collector
	store     *storage.LocalStore
	reports   *repository.MemoryReportRepository
	artifacts *repository.MemoryArtifactRepository
	models    *ModelService
	engine    *ForecastEngine
	parser    *metar.Parser
	fetcher   *scriptedFetcher
	executor  *Executor
	deps      CycleDeps
	settings  CycleSettings
	cycles    *CycleService
}

func newHarness(t *testing.T, fetcher *scriptedFetcher) *harness {
	t.Helper()

	h := &harness{
		clock:   testingclock.NewFakeClock(at(12).Add(10 * time.Minute)),
		metrics: metrics.NewCollector("test", prometheus.NewRegistry()),
		fetcher: fetcher,
	}
	logger := logging.NewNopLogger()

	store, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	h.store = store
	h.reports = repository.NewMemoryReportRepository(h.clock)
	h.artifacts = repository.NewMemoryArtifactRepository(h.clock)
	h.models = NewModelService(store, h.artifacts, defaultModelSettings(), logger, h.metrics)
	h.engine = NewForecastEngine(h.models, logger, h.metrics)
	h.parser = metar.NewParser(logger, h.metrics)
	h.executor = NewExecutor(4, logger, h.metrics)
	t.Cleanup(func() { _ = h.executor.Shutdown(context.Background()) })

	repairer := NewGapRepairer(fetcher, h.parser, h.engine, "SKBQ", 3, logger, h.metrics)
	h.deps = CycleDeps{
		Reports:  h.reports,
		Fetcher:  fetcher,
		Parser:   h.parser,
		Repairer: repairer,
		Engine:   h.engine,
		Models:   h.models,
		Store:    store,
		Executor: h.executor,
		Clock:    h.clock,
	}
	h.settings = CycleSettings{
		Station:       "SKBQ",
		Lookback:      10 * time.Hour,
		Debounce:      50 * time.Minute,
		StaleAfter:    2 * time.Hour,
		SnapshotEvery: 5,
	}
	h.cycles = NewCycleService(h.deps, h.settings, logger, h.metrics)
	return h
}

// drain waits for every queued cycle to finish.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.executor.Shutdown(ctx))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/forecast"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

// CollectResult holds per-station outcomes in input order.
type CollectResult struct {
	Series   []models.StationSeries
	Failures map[string]error
	Duration time.Duration
}

// Points returns the total number of observations collected.
func (r *CollectResult) Points() int {
	n := 0
	for _, s := range r.Series {
		n += len(s.Series)
	}
	return n
}

// CollectorService builds a multi-station training dataset.
type CollectorService struct {
	fetcher     source.Fetcher
	parser      *metar.Parser
	store       storage.Client
	artifacts   repository.ArtifactRepository
	concurrency int
	logger      *logging.StructuredLogger
}

// NewCollectorService creates a collector fetching at most concurrency
// stations at once.
func NewCollectorService(fetcher source.Fetcher, parser *metar.Parser, store storage.Client, artifacts repository.ArtifactRepository, concurrency int, logger *logging.StructuredLogger) *CollectorService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &CollectorService{
		fetcher:     fetcher,
		parser:      parser,
		store:       store,
		artifacts:   artifacts,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Collect fetches and parses every station over w in parallel. A failing
// station is recorded and does not stop the others; Collect errors only when
// every station fails.
func (s *CollectorService) Collect(ctx context.Context, stations []string, w source.Window) (*CollectResult, error) {
	start := time.Now()
	s.logger.Info(ctx, "[COLLECT_START] Collecting stations", logging.Fields{
		"stations":    len(stations),
		"concurrency": s.concurrency,
		"begin":       w.Begin,
		"end":         w.End,
		"stage":       "INITIALIZATION",
	})

	series := make([]models.Series, len(stations))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, station := range stations {
		g.Go(func() error {
			text, err := s.fetcher.Fetch(gCtx, station, w)
			if err != nil {
				mu.Lock()
				failures[station] = err
				mu.Unlock()
				s.logger.Warn(gCtx, "[COLLECT_STATION_ERROR] Station fetch failed", logging.Fields{
					"station": station,
					"error":   err.Error(),
					"stage":   "FETCH",
				})
				return nil
			}
			parsed, stats := s.parser.Parse(gCtx, text)
			series[i] = parsed
			s.logger.Debug(gCtx, "[COLLECT_STATION] Station parsed", logging.Fields{
				"station": station,
				"hours":   len(parsed),
				"dropped": stats.Dropped,
				"stage":   "PARSE",
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &CollectResult{Failures: failures, Duration: time.Since(start)}
	for i, station := range stations {
		if _, failed := failures[station]; failed {
			continue
		}
		result.Series = append(result.Series, models.StationSeries{Station: station, Series: series[i]})
	}

	if len(stations) > 0 && len(failures) == len(stations) {
		return result, fmt.Errorf("%w: all %d stations failed", models.ErrSourceUnavailable, len(stations))
	}

	s.logger.Info(ctx, "[COLLECT_COMPLETE] Stations collected", logging.Fields{
		"stations":    len(result.Series),
		"failed":      len(failures),
		"points":      result.Points(),
		"duration_ms": result.Duration.Milliseconds(),
		"stage":       "COMPLETE",
	})
	return result, nil
}

// Upload writes the concatenated dataset under key and registers it.
func (s *CollectorService) Upload(ctx context.Context, key string, result *CollectResult) (int, error) {
	data, err := models.MarshalDatasetCSV(result.Series)
	if err != nil {
		return 0, &models.PersistenceError{Op: "encode_dataset", Err: err}
	}
	if err := s.store.Put(ctx, key, data, "text/csv"); err != nil {
		return 0, &models.PersistenceError{Op: "put_dataset", Err: err}
	}
	if s.artifacts != nil {
		if _, err := s.artifacts.Upsert(ctx, key, key); err != nil {
			return 0, &models.PersistenceError{Op: "register_artifact", Err: err}
		}
	}
	return len(data), nil
}

// FitScaler fits a scaler on every collected value.
func FitScaler(result *CollectResult) (*forecast.MinMaxScaler, error) {
	var values []float64
	for _, s := range result.Series {
		values = append(values, s.Series.Values()...)
	}
	sc := &forecast.MinMaxScaler{}
	if err := sc.Fit(values); err != nil {
		return nil, err
	}
	return sc, nil
}

// Pretrain runs epochs over every contiguous run of each station's series on
// the shared model and returns the mean final-epoch loss.
func Pretrain(modelService *ModelService, result *CollectResult, epochs int) (float64, error) {
	var total float64
	var runs int
	err := modelService.WithModel(func(m *forecast.LSTM, sc *forecast.MinMaxScaler) error {
		for _, set := range result.Series {
			for _, run := range contiguousRuns(set.Series) {
				if len(run) < WindowSize {
					continue
				}
				loss, err := forecast.Train(m, sc.Transform(run.Values()), TimeSteps, epochs)
				if err != nil {
					return fmt.Errorf("station %s: %w", set.Station, err)
				}
				total += loss
				runs++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if runs == 0 {
		return 0, errors.New("no contiguous run long enough to train on")
	}
	return total / float64(runs), nil
}

func contiguousRuns(s models.Series) []models.Series {
	var runs []models.Series
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || !s[i].Timestamp.Equal(s[i-1].Timestamp.Add(time.Hour)) {
			runs = append(runs, s[start:i])
			start = i
		}
	}
	return runs
}

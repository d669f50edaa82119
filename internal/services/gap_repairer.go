package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// widenStep is how far back each refetch pushes the window start.
const widenStep = 5 * time.Hour

// Inferer predicts the hour after a TimeSteps-long window.
type Inferer interface {
	Infer(ctx context.Context, window models.Series) (float64, error)
}

// RepairStats summarizes one Repair call.
type RepairStats struct {
	Filled    int
	Widenings int
	Window    source.Window
}

// GapRepairer turns a parsed series into a gap-free hourly series. Gaps too
// early to infer are closed by refetching a wider window; later gaps are
// filled with model inference.
type GapRepairer struct {
	fetcher      source.Fetcher
	parser       *metar.Parser
	inferer      Inferer
	station      string
	maxWidenings int
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewGapRepairer creates a gap repairer for station.
func NewGapRepairer(fetcher source.Fetcher, parser *metar.Parser, inferer Inferer, station string, maxWidenings int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *GapRepairer {
	return &GapRepairer{
		fetcher:      fetcher,
		parser:       parser,
		inferer:      inferer,
		station:      station,
		maxWidenings: maxWidenings,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// firstGap returns the index of the first observation that is not exactly
// boundary + i hours, or -1 when the series is contiguous.
func firstGap(s models.Series) int {
	if len(s) == 0 {
		return -1
	}
	boundary := s.First().Timestamp
	for i, o := range s {
		if !o.Timestamp.Equal(boundary.Add(time.Duration(i) * time.Hour)) {
			return i
		}
	}
	return -1
}

// Repair fills every gap in series, which was parsed from window w. The
// result ends at w.End, or at the latest observed hour when that is newer,
// and holds at least WindowSize points. Observed points are never dropped.
func (r *GapRepairer) Repair(ctx context.Context, series models.Series, w source.Window) (models.Series, RepairStats, error) {
	stats := RepairStats{Window: w}

	for {
		i := firstGap(series)

		if i >= TimeSteps {
			expected := series.First().Timestamp.Add(time.Duration(i) * time.Hour)
			value, err := r.inferer.Infer(ctx, series[i-TimeSteps:i])
			if err != nil {
				return nil, stats, fmt.Errorf("failed to infer %s: %w", expected.Format(time.RFC3339), err)
			}
			series = series.Insert(models.Observation{Timestamp: expected, Value: value, Synthetic: true})
			stats.Filled++
			if r.metrics != nil {
				r.metrics.GapsFilledTotal.Inc()
			}
			r.logger.Debug(ctx, "[REPAIR_FILL] Synthetic observation inserted", logging.Fields{
				"hour":   expected,
				"kelvin": value,
				"stage":  "REPAIR",
			})
			continue
		}

		if i < 0 && len(series) >= TimeSteps {
			next := series.Last().Timestamp.Add(time.Hour)
			if !next.After(stats.Window.End) {
				value, err := r.inferer.Infer(ctx, series.Tail(TimeSteps))
				if err != nil {
					return nil, stats, fmt.Errorf("failed to infer %s: %w", next.Format(time.RFC3339), err)
				}
				series = series.Insert(models.Observation{Timestamp: next, Value: value, Synthetic: true})
				stats.Filled++
				if r.metrics != nil {
					r.metrics.GapsFilledTotal.Inc()
				}
				r.logger.Debug(ctx, "[REPAIR_EXTEND] Missing trailing hour inferred", logging.Fields{
					"hour":   next,
					"kelvin": value,
					"end":    stats.Window.End,
					"stage":  "REPAIR",
				})
				continue
			}
			if len(series) >= WindowSize {
				break
			}
		}

		// Either a gap inside the first TimeSteps points or too little history.
		if stats.Widenings >= r.maxWidenings {
			return nil, stats, fmt.Errorf("%w: %d points after %d widenings (window %s to %s)",
				models.ErrInsufficientHistory, len(series), stats.Widenings,
				stats.Window.Begin.Format(time.RFC3339), stats.Window.End.Format(time.RFC3339))
		}

		stats.Widenings++
		stats.Window = stats.Window.Widen(widenStep)
		if r.metrics != nil {
			r.metrics.SourceRefetchesTotal.Inc()
		}
		r.logger.Info(ctx, "[REPAIR_WIDEN] Refetching with a wider window", logging.Fields{
			"gap_index": i,
			"points":    len(series),
			"begin":     stats.Window.Begin,
			"end":       stats.Window.End,
			"attempt":   stats.Widenings,
			"stage":     "REPAIR",
		})

		text, err := r.fetcher.Fetch(ctx, r.station, stats.Window)
		if err != nil {
			if !errors.Is(err, models.ErrSourceUnavailable) {
				err = fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
			}
			return nil, stats, err
		}
		series, _ = r.parser.Parse(ctx, text)
	}

	if stats.Filled > 0 || stats.Widenings > 0 {
		r.logger.Info(ctx, "[REPAIR_COMPLETE] Series repaired", logging.Fields{
			"points":    len(series),
			"filled":    stats.Filled,
			"widenings": stats.Widenings,
			"stage":     "REPAIR",
		})
	}
	return series, stats, nil
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/publisher"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

// RunStatus is the admission outcome returned to the trigger caller.
type RunStatus string

const (
	RunSent    RunStatus = "sent"
	RunSkipped RunStatus = "skipped"
)

// RunResult is returned by Run as soon as admission is decided.
type RunResult struct {
	Status RunStatus      `json:"status"`
	Report *models.Report `json:"report"`
}

// CycleSettings tunes admission and the cycle job.
type CycleSettings struct {
	Station       string
	Lookback      time.Duration
	Debounce      time.Duration
	StaleAfter    time.Duration
	SnapshotEvery int
}

// CycleDeps are the collaborators of a CycleService.
type CycleDeps struct {
	Reports   repository.ReportRepository
	Fetcher   source.Fetcher
	Parser    *metar.Parser
	Repairer  *GapRepairer
	Engine    *ForecastEngine
	Models    *ModelService
	Store     storage.Client
	Publisher publisher.Publisher
	Executor  *Executor
	Clock     clock.PassiveClock
}

// CycleService coordinates forecast cycles: admission on the caller's
// goroutine, then fetch, parse, repair, forecast, persist and publish on the
// executor.
type CycleService struct {
	deps     CycleDeps
	settings CycleSettings
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewCycleService creates a cycle coordinator.
func NewCycleService(deps CycleDeps, settings CycleSettings, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *CycleService {
	if deps.Publisher == nil {
		deps.Publisher = publisher.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if settings.SnapshotEvery < 1 {
		settings.SnapshotEvery = 1
	}
	return &CycleService{
		deps:     deps,
		settings: settings,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// SeriesKey is the storage key of the series CSV whose newest point is at.
func SeriesKey(at time.Time) string {
	return "series/" + at.UTC().Format("2006010215") + ".csv"
}

func (s *CycleService) admitParams() repository.AdmitParams {
	return repository.AdmitParams{
		Debounce:   s.settings.Debounce,
		StaleAfter: s.settings.StaleAfter,
	}
}

// Run admits a new cycle unless one is active or one was created within the
// debounce interval. An admitted cycle is queued and Run returns at once.
func (s *CycleService) Run(ctx context.Context) (*RunResult, error) {
	res, err := s.deps.Reports.Admit(ctx, s.admitParams())
	if err != nil {
		return nil, fmt.Errorf("failed to admit cycle: %w", err)
	}

	if !res.Admitted {
		s.recordAdmission(RunSkipped)
		s.logger.Debug(ctx, "[CYCLE_SKIPPED] Cycle blocked by existing report", logging.Fields{
			"blocking_id": res.Report.ID,
			"active":      res.Report.Active,
			"created":     res.Report.Created,
			"stage":       "ADMISSION",
		})
		return &RunResult{Status: RunSkipped, Report: res.Report}, nil
	}

	report := res.Report
	jobCtx := logging.WithCycleID(context.Background(), uuid.NewString())
	if id := logging.RequestID(ctx); id != "" {
		jobCtx = logging.WithRequestID(jobCtx, id)
	}

	if err := s.deps.Executor.Submit(jobCtx, func(ctx context.Context) {
		_ = s.Execute(ctx, report)
	}); err != nil {
		if mErr := s.deps.Reports.MarkFailed(ctx, report.ID, err.Error()); mErr != nil {
			s.logger.Error(ctx, "[CYCLE_FINALIZE_ERROR] Failed to release unqueued report", logging.Fields{
				"report_id": report.ID,
				"stage":     "ADMISSION",
			}, mErr)
		}
		return nil, fmt.Errorf("failed to queue cycle %d: %w", report.ID, err)
	}

	s.recordAdmission(RunSent)
	s.logger.Info(ctx, "[CYCLE_ADMITTED] Forecast cycle queued", logging.Fields{
		"report_id": report.ID,
		"cycle_id":  logging.CycleID(jobCtx),
		"reclaimed": res.Reclaimed,
		"pending":   s.deps.Executor.Pending(),
		"stage":     "ADMISSION",
	})
	return &RunResult{Status: RunSent, Report: report}, nil
}

// Execute runs one admitted cycle to completion. Any error or panic
// finalizes the report as failed; the error is returned for callers that run
// cycles inline.
func (s *CycleService) Execute(ctx context.Context, report *models.Report) error {
	start := time.Now()

	s.logger.Info(ctx, "[CYCLE_START] Forecast cycle started", logging.Fields{
		"report_id": report.ID,
		"station":   s.settings.Station,
		"stage":     "INITIALIZATION",
	})

	event, err := s.execute(ctx, report)
	duration := time.Since(start)

	if err != nil {
		s.fail(ctx, report, err, duration)
		return err
	}

	s.recordCycle("succeeded", duration)
	s.logger.Info(ctx, "[CYCLE_COMPLETE] Forecast cycle finalized", logging.Fields{
		"report_id":    report.ID,
		"forecast_for": event.ForecastFor,
		"kelvin":       event.Kelvin,
		"path":         event.Path,
		"synthetic":    event.Synthetic,
		"snapshot":     event.Snapshot,
		"duration_ms":  duration.Milliseconds(),
		"stage":        "COMPLETE",
	})

	if err := s.deps.Publisher.Publish(ctx, *event); err != nil {
		s.logger.Warn(ctx, "[CYCLE_PUBLISH_ERROR] Forecast event not delivered", logging.Fields{
			"report_id": report.ID,
			"error":     err.Error(),
			"stage":     "PUBLISH",
		})
	}
	return nil
}

// fail finalizes report as failed with the class of err.
func (s *CycleService) fail(ctx context.Context, report *models.Report, err error, duration time.Duration) {
	class := models.ErrorClass(err)
	s.recordCycle("failed", duration)
	s.logger.Error(ctx, "[CYCLE_FAILED] Forecast cycle failed", logging.Fields{
		"report_id":   report.ID,
		"error_class": class,
		"duration_ms": duration.Milliseconds(),
		"stage":       "FAILED",
	}, err)

	if mErr := s.deps.Reports.MarkFailed(ctx, report.ID, class+": "+err.Error()); mErr != nil {
		s.logger.Error(ctx, "[CYCLE_FINALIZE_ERROR] Failed report left active until reclaimed", logging.Fields{
			"report_id": report.ID,
			"stage":     "FAILED",
		}, mErr)
	}
}

func (s *CycleService) recordCycle(status string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordCycle(status)
		s.metrics.CycleDuration.Observe(duration.Seconds())
	}
}

func (s *CycleService) recordAdmission(status RunStatus) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(string(status))
	}
}

func (s *CycleService) execute(ctx context.Context, report *models.Report) (_ *models.ForecastEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	if err := s.deps.Models.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	window := source.NewWindow(s.deps.Clock.Now(), s.settings.Lookback)
	// A failed first fetch counts as an empty listing. Repair refetches and
	// fails the cycle if the source is still unreachable.
	text, err := s.deps.Fetcher.Fetch(ctx, s.settings.Station, window)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSourceRequest("treated_empty")
		}
		s.logger.Warn(ctx, "[CYCLE_FETCH_FAILED] Source unavailable, continuing with no reports", logging.Fields{
			"station": s.settings.Station,
			"begin":   window.Begin,
			"end":     window.End,
			"error":   err.Error(),
			"stage":   "FETCH",
		})
		text = ""
	}

	series, stats := s.deps.Parser.Parse(ctx, text)
	s.logger.Info(ctx, "[CYCLE_PARSED] Source reports decoded", logging.Fields{
		"reports": stats.Reports,
		"dropped": stats.Dropped,
		"hours":   len(series),
		"stage":   "PARSE",
	})

	repaired, repair, err := s.deps.Repairer.Repair(ctx, series, window)
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "[CYCLE_REPAIRED] Hourly series ready", logging.Fields{
		"points":    len(repaired),
		"filled":    repair.Filled,
		"widenings": repair.Widenings,
		"begin":     repair.Window.Begin,
		"stage":     "REPAIR",
	})

	result, err := s.deps.Engine.Forecast(ctx, repaired)
	if err != nil {
		return nil, err
	}

	csv, err := result.Window.MarshalCSV()
	if err != nil {
		return nil, &models.PersistenceError{Op: "encode_series", Err: err}
	}
	key := SeriesKey(result.Window.Last().Timestamp)
	if err := s.deps.Store.Put(ctx, key, csv, "text/csv"); err != nil {
		return nil, &models.PersistenceError{Op: "put_series", Err: err}
	}

	finalized, err := s.deps.Reports.CountFinalized(ctx)
	if err != nil {
		return nil, &models.PersistenceError{Op: "count_reports", Err: err}
	}
	snapshot := finalized%s.settings.SnapshotEvery == 0
	if snapshot {
		if err := s.deps.Models.Save(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.deps.Reports.Finalize(ctx, report.ID, result.Value, &key); err != nil {
		return nil, &models.PersistenceError{Op: "finalize_report", Err: err}
	}

	return &models.ForecastEvent{
		ReportID:    report.ID,
		Station:     s.settings.Station,
		ForecastFor: result.For,
		Kelvin:      result.Value,
		Celsius:     result.Value - models.KelvinOffset,
		WindowEnd:   result.Window.Last().Timestamp,
		Synthetic:   result.Window.SyntheticCount(),
		Snapshot:    snapshot,
		Path:        key,
		GeneratedAt: s.deps.Clock.Now().UTC(),
	}, nil
}

// Stats is a snapshot of coordinator state for health reporting.
type Stats struct {
	Running     bool   `json:"running"`
	Pending     int    `json:"pending"`
	ModelLoaded bool   `json:"model_loaded"`
	Station     string `json:"station"`
}

// Stats reports executor and model state.
func (s *CycleService) Stats() Stats {
	return Stats{
		Running:     s.deps.Executor.Running(),
		Pending:     s.deps.Executor.Pending(),
		ModelLoaded: s.deps.Models.Loaded(),
		Station:     s.settings.Station,
	}
}

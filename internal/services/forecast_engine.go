package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/forecast"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

const (
	// TimeSteps is the regressor input length.
	TimeSteps = 4
	// WindowSize is the number of trailing observations a cycle consumes:
	// one training pair of TimeSteps inputs plus its target.
	WindowSize = TimeSteps + 1
)

// ForecastResult is the outcome of one forecast.
type ForecastResult struct {
	// Value is the next-hour temperature in Kelvin.
	Value float64
	// For is the hour the forecast applies to.
	For time.Time
	// Window is the trailing series the model was tuned and run on.
	Window models.Series
	// Loss is the training loss of the fine-tuning step.
	Loss float64
}

// ForecastEngine fine-tunes the shared model on the newest window and
// predicts one hour ahead.
type ForecastEngine struct {
	models  *ModelService
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewForecastEngine creates a forecast engine over the shared model.
func NewForecastEngine(modelService *ModelService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ForecastEngine {
	return &ForecastEngine{
		models:  modelService,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func checkWindow(s models.Series, n int) error {
	if len(s) < n {
		return fmt.Errorf("%w: need %d hourly points, got %d", models.ErrInvalidWindow, n, len(s))
	}
	if !s.Contiguous() {
		return fmt.Errorf("%w: observations are not hourly contiguous", models.ErrInvalidWindow)
	}
	return nil
}

// Forecast tunes on the trailing WindowSize observations of series, then
// predicts from the last TimeSteps of them. The scaler is never refitted.
func (e *ForecastEngine) Forecast(ctx context.Context, series models.Series) (*ForecastResult, error) {
	if len(series) < WindowSize {
		return nil, checkWindow(series, WindowSize)
	}
	window := series.Tail(WindowSize)
	if err := checkWindow(window, WindowSize); err != nil {
		return nil, err
	}

	result := &ForecastResult{
		Window: window,
		For:    window.Last().Timestamp.Add(time.Hour),
	}

	err := e.models.WithModel(func(m *forecast.LSTM, sc *forecast.MinMaxScaler) error {
		norm := sc.Transform(window.Values())

		windows, targets := forecast.SlidingWindows(norm, TimeSteps)
		loss, err := m.Fit(windows, targets)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidWindow, err)
		}

		pred, err := m.Predict(norm[len(norm)-TimeSteps:])
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidWindow, err)
		}

		result.Loss = loss
		result.Value = sc.Inverse(pred)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TrainingLoss.Set(result.Loss)
		e.metrics.ForecastKelvin.Set(result.Value)
	}

	e.logger.Info(ctx, "[FORECAST_READY] Next-hour forecast computed", logging.Fields{
		"forecast_for": result.For,
		"kelvin":       result.Value,
		"celsius":      result.Value - models.KelvinOffset,
		"loss":         result.Loss,
		"stage":        "FORECAST",
	})

	return result, nil
}

// Infer predicts the value following a TimeSteps-long window without
// training. Gap repair uses it to synthesize missing hours.
func (e *ForecastEngine) Infer(ctx context.Context, window models.Series) (float64, error) {
	if len(window) != TimeSteps {
		return 0, fmt.Errorf("%w: inference needs exactly %d points, got %d", models.ErrInvalidWindow, TimeSteps, len(window))
	}
	if err := checkWindow(window, TimeSteps); err != nil {
		return 0, err
	}

	var value float64
	err := e.models.WithModel(func(m *forecast.LSTM, sc *forecast.MinMaxScaler) error {
		pred, err := m.Predict(sc.Transform(window.Values()))
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidWindow, err)
		}
		value = sc.Inverse(pred)
		return nil
	})
	return value, err
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/forecast"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

// ModelSettings configures artifact keys and the bootstrap model used when
// nothing has been persisted yet.
type ModelSettings struct {
	HiddenSize      int
	LearningRate    float64
	Seed            int64
	ScalerMinKelvin float64
	ScalerMaxKelvin float64
	ModelKey        string
	ScalerKey       string
}

// ModelService owns the single in-process copy of the regressor and its
// scaler. Fine-tuning mutates the copy in place; only Reload replaces it.
type ModelService struct {
	mu        sync.Mutex
	store     storage.Client
	artifacts repository.ArtifactRepository
	settings  ModelSettings
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector

	model  *forecast.LSTM
	scaler *forecast.MinMaxScaler
}

// NewModelService creates a model service. Nothing is loaded until
// EnsureLoaded is called.
func NewModelService(store storage.Client, artifacts repository.ArtifactRepository, settings ModelSettings, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ModelService {
	return &ModelService{
		store:     store,
		artifacts: artifacts,
		settings:  settings,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// EnsureLoaded loads the artifacts once. A failed load leaves the service
// empty so the next call retries.
func (s *ModelService) EnsureLoaded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model != nil && s.scaler != nil {
		return nil
	}
	return s.load(ctx)
}

// Reload discards the in-memory copy and reads the artifacts again.
func (s *ModelService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.model, s.scaler = nil, nil
	return s.load(ctx)
}

// Loaded reports whether a model is resident.
func (s *ModelService) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil && s.scaler != nil
}

func (s *ModelService) load(ctx context.Context) error {
	model, bootModel, err := s.loadModel(ctx)
	if err != nil {
		return err
	}
	scaler, bootScaler, err := s.loadScaler(ctx)
	if err != nil {
		return err
	}

	if bootModel {
		if err := s.putModel(ctx, model); err != nil {
			return err
		}
	}
	if bootScaler {
		if err := s.putScaler(ctx, scaler); err != nil {
			return err
		}
	}

	s.model, s.scaler = model, scaler
	s.logger.Info(ctx, "[MODEL_LOADED] Regressor ready", logging.Fields{
		"hidden":         model.Hidden,
		"steps":          model.Steps,
		"scaler_min":     scaler.DataMin,
		"scaler_max":     scaler.DataMax,
		"bootstrapped":   bootModel,
		"default_scaler": bootScaler,
		"stage":          "MODEL_LOAD",
	})
	return nil
}

func (s *ModelService) loadModel(ctx context.Context) (*forecast.LSTM, bool, error) {
	data, err := s.store.Get(ctx, s.settings.ModelKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn(ctx, "[MODEL_BOOTSTRAP] No persisted model, initialising a new one", logging.Fields{
			"key":   s.settings.ModelKey,
			"seed":  s.settings.Seed,
			"stage": "MODEL_LOAD",
		})
		return forecast.NewLSTM(s.settings.HiddenSize, s.settings.LearningRate, s.settings.Seed), true, nil
	}
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "load_model", Err: err}
	}

	m, err := forecast.DecodeModel(data)
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "decode_model", Err: err}
	}
	return m, false, nil
}

func (s *ModelService) loadScaler(ctx context.Context) (*forecast.MinMaxScaler, bool, error) {
	data, err := s.store.Get(ctx, s.settings.ScalerKey)
	if errors.Is(err, storage.ErrNotFound) {
		sc, err := forecast.NewMinMaxScaler(s.settings.ScalerMinKelvin, s.settings.ScalerMaxKelvin)
		if err != nil {
			return nil, false, err
		}
		return sc, true, nil
	}
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "load_scaler", Err: err}
	}

	sc, err := forecast.DecodeScaler(data)
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "decode_scaler", Err: err}
	}
	return sc, false, nil
}

// Save persists the current weights.
func (s *ModelService) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model == nil {
		return errors.New("model not loaded")
	}
	if err := s.putModel(ctx, s.model); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ModelSnapshotsTotal.Inc()
	}
	s.logger.Info(ctx, "[MODEL_SNAPSHOT] Model weights persisted", logging.Fields{
		"key":   s.settings.ModelKey,
		"steps": s.model.Steps,
		"stage": "MODEL_SAVE",
	})
	return nil
}

// ReplaceScaler installs and persists a new scaler.
func (s *ModelService) ReplaceScaler(ctx context.Context, sc *forecast.MinMaxScaler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.putScaler(ctx, sc); err != nil {
		return err
	}
	s.scaler = sc
	return nil
}

// Scaler returns a copy of the resident scaler, or nil when none is loaded.
func (s *ModelService) Scaler() *forecast.MinMaxScaler {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scaler == nil {
		return nil
	}
	c := *s.scaler
	return &c
}

// WithModel runs fn with exclusive access to the resident model and scaler.
func (s *ModelService) WithModel(fn func(m *forecast.LSTM, sc *forecast.MinMaxScaler) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model == nil || s.scaler == nil {
		return errors.New("model not loaded")
	}
	return fn(s.model, s.scaler)
}

// Snapshot returns a deep copy of the resident model.
func (s *ModelService) Snapshot() (*forecast.LSTM, error) {
	var out *forecast.LSTM
	err := s.WithModel(func(m *forecast.LSTM, _ *forecast.MinMaxScaler) error {
		out = m.Clone()
		return nil
	})
	return out, err
}

func (s *ModelService) putModel(ctx context.Context, m *forecast.LSTM) error {
	data, err := forecast.EncodeModel(m)
	if err != nil {
		return &models.PersistenceError{Op: "encode_model", Err: err}
	}
	if err := s.store.Put(ctx, s.settings.ModelKey, data, "application/zstd"); err != nil {
		return &models.PersistenceError{Op: "put_model", Err: err}
	}
	return s.register(ctx, s.settings.ModelKey)
}

func (s *ModelService) putScaler(ctx context.Context, sc *forecast.MinMaxScaler) error {
	data, err := forecast.EncodeScaler(sc)
	if err != nil {
		return &models.PersistenceError{Op: "encode_scaler", Err: err}
	}
	if err := s.store.Put(ctx, s.settings.ScalerKey, data, "application/json"); err != nil {
		return &models.PersistenceError{Op: "put_scaler", Err: err}
	}
	return s.register(ctx, s.settings.ScalerKey)
}

func (s *ModelService) register(ctx context.Context, key string) error {
	if s.artifacts == nil {
		return nil
	}
	if _, err := s.artifacts.Upsert(ctx, key, key); err != nil {
		return &models.PersistenceError{Op: "register_artifact", Err: fmt.Errorf("%s: %w", key, err)}
	}
	return nil
}

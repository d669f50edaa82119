package models

import (
	"time"
)

// ReportStatus is the lifecycle state of a forecast cycle record.
type ReportStatus string

const (
	StatusRunning   ReportStatus = "running"
	StatusSucceeded ReportStatus = "succeeded"
	StatusFailed    ReportStatus = "failed"
)

// Report records one forecast cycle. It is created active at admission and
// finalized exactly once, after which it is immutable apart from the cached
// download URL.
type Report struct {
	ID           int64        `json:"id" db:"id"`
	Active       bool         `json:"active" db:"active"`
	Status       ReportStatus `json:"status" db:"status"`
	Forecast     *float64     `json:"forecast,omitempty" db:"forecast"`
	Path         *string      `json:"path,omitempty" db:"path"`
	URL          *string      `json:"url,omitempty" db:"url"`
	URLExpiresAt *time.Time   `json:"url_expires_at,omitempty" db:"url_expires_at"`
	Error        *string      `json:"error,omitempty" db:"error"`
	Created      time.Time    `json:"created" db:"created"`
	Updated      time.Time    `json:"updated" db:"updated"`
}

// Finalized reports whether the record has left the running state.
func (r *Report) Finalized() bool {
	return !r.Active && r.Status != StatusRunning
}

// ForecastCelsius returns the forecast converted to Celsius, if present.
func (r *Report) ForecastCelsius() *float64 {
	if r.Forecast == nil {
		return nil
	}
	c := *r.Forecast - KelvinOffset
	return &c
}

// ArtifactRecord tracks a persisted model artifact (weights, scaler, training
// dataset) and its cached download link.
type ArtifactRecord struct {
	ID           int64      `json:"id" db:"id"`
	Key          string     `json:"key" db:"key"`
	Path         string     `json:"path" db:"path"`
	URL          *string    `json:"url,omitempty" db:"url"`
	URLExpiresAt *time.Time `json:"url_expires_at,omitempty" db:"url_expires_at"`
	Created      time.Time  `json:"created" db:"created"`
	Updated      time.Time  `json:"updated" db:"updated"`
}

// URLValid reports whether a cached URL exists and outlives now by margin.
func URLValid(url *string, expiresAt *time.Time, now time.Time, margin time.Duration) bool {
	if url == nil || *url == "" || expiresAt == nil {
		return false
	}
	return expiresAt.After(now.Add(margin))
}

// ForecastEvent is published after a cycle commits successfully.
type ForecastEvent struct {
	ReportID    int64     `json:"report_id"`
	Station     string    `json:"station"`
	ForecastFor time.Time `json:"forecast_for"`
	Kelvin      float64   `json:"kelvin"`
	Celsius     float64   `json:"celsius"`
	WindowEnd   time.Time `json:"window_end"`
	Synthetic   int       `json:"synthetic_points"`
	Snapshot    bool      `json:"snapshot"`
	Path        string    `json:"path"`
	GeneratedAt time.Time `json:"generated_at"`
}

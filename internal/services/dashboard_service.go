package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

// urlRefreshMargin renews cached links this long before they expire.
const urlRefreshMargin = time.Hour

// LatestReport is the newest successful report with its series.
type LatestReport struct {
	Report *models.Report `json:"report"`
	Series models.Series  `json:"series"`
	URL    string         `json:"url,omitempty"`
}

// ArtifactLink is a download link for a model artifact.
type ArtifactLink struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DashboardView is everything the dashboard page renders.
type DashboardView struct {
	Latest      *LatestReport
	History     []*models.Report
	Artifacts   []ArtifactLink
	GeneratedAt time.Time
}

// DashboardService assembles read-only views over reports and artifacts.
type DashboardService struct {
	reports   repository.ReportRepository
	artifacts repository.ArtifactRepository
	store     storage.Client
	clock     clock.PassiveClock
	urlTTL    time.Duration
	logger    *logging.StructuredLogger
}

// NewDashboardService creates a dashboard service. Links are presigned for
// urlTTL and cached on the record until close to expiry.
func NewDashboardService(reports repository.ReportRepository, artifacts repository.ArtifactRepository, store storage.Client, clk clock.PassiveClock, urlTTL time.Duration, logger *logging.StructuredLogger) *DashboardService {
	return &DashboardService{
		reports:   reports,
		artifacts: artifacts,
		store:     store,
		clock:     clk,
		urlTTL:    urlTTL,
		logger:    logger,
	}
}

// Latest returns the newest successful report and its series.
func (s *DashboardService) Latest(ctx context.Context) (*LatestReport, error) {
	report, err := s.reports.GetLatestFinalized(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.store.Get(ctx, *report.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read series %s: %w", *report.Path, err)
	}
	series, err := models.ParseSeriesCSV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse series %s: %w", *report.Path, err)
	}

	link, err := s.ReportURL(ctx, report)
	if err != nil {
		s.logger.Warn(ctx, "[DASHBOARD_LINK] Could not sign series link", logging.Fields{
			"report_id": report.ID,
			"error":     err.Error(),
			"stage":     "DASHBOARD",
		})
	}

	return &LatestReport{Report: report, Series: series, URL: link}, nil
}

// ReportURL returns the cached link for the report's series file, renewing
// it when missing or about to expire.
func (s *DashboardService) ReportURL(ctx context.Context, report *models.Report) (string, error) {
	if report.Path == nil {
		return "", nil
	}
	now := s.clock.Now()
	if models.URLValid(report.URL, report.URLExpiresAt, now, urlRefreshMargin) {
		return *report.URL, nil
	}

	link, err := s.store.PresignURL(ctx, *report.Path, s.urlTTL)
	if err != nil {
		return "", err
	}
	expires := now.Add(s.urlTTL)
	if err := s.reports.UpdateURL(ctx, report.ID, link, expires); err != nil {
		return "", err
	}
	report.URL, report.URLExpiresAt = &link, &expires
	return link, nil
}

// ArtifactLinks returns download links for every registered artifact whose
// blob exists.
func (s *DashboardService) ArtifactLinks(ctx context.Context) ([]ArtifactLink, error) {
	recs, err := s.artifacts.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	links := make([]ArtifactLink, 0, len(recs))
	for _, rec := range recs {
		if models.URLValid(rec.URL, rec.URLExpiresAt, now, urlRefreshMargin) {
			links = append(links, ArtifactLink{Key: rec.Key, Path: rec.Path, URL: *rec.URL, ExpiresAt: *rec.URLExpiresAt})
			continue
		}

		link, err := s.store.PresignURL(ctx, rec.Path, s.urlTTL)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s: %w", rec.Key, err)
		}
		expires := now.Add(s.urlTTL)
		if err := s.artifacts.UpdateURL(ctx, rec.Key, link, expires); err != nil {
			return nil, err
		}
		links = append(links, ArtifactLink{Key: rec.Key, Path: rec.Path, URL: link, ExpiresAt: expires})
	}
	return links, nil
}

// History pages through finalized reports, newest first.
func (s *DashboardService) History(ctx context.Context, limit, offset int) ([]*models.Report, int, error) {
	return s.reports.ListFinalized(ctx, limit, offset)
}

// View assembles the dashboard page. A missing latest report is not an
// error; the page renders empty.
func (s *DashboardService) View(ctx context.Context, historyLimit int) (*DashboardView, error) {
	view := &DashboardView{GeneratedAt: s.clock.Now().UTC()}

	latest, err := s.Latest(ctx)
	switch {
	case err == nil:
		view.Latest = latest
	case repository.IsNotFound(err):
	default:
		return nil, err
	}

	history, _, err := s.reports.ListFinalized(ctx, historyLimit, 0)
	if err != nil {
		return nil, err
	}
	view.History = history

	links, err := s.ArtifactLinks(ctx)
	if err != nil {
		return nil, err
	}
	view.Artifacts = links

	return view, nil
}

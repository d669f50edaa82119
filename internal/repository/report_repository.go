package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/database"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// admissionLockKey serializes admission across server replicas.
const admissionLockKey int64 = 0x6d65746172 // "metar"

// ErrNotActive is returned when finalizing a report that already left the
// running state.
var ErrNotActive = errors.New("report is not active")

// ReportRepository stores forecast cycle records.
type ReportRepository interface {
	// Admit atomically reclaims stale active records, then either returns
	// the blocking record (Admitted=false) or inserts a new active one.
	Admit(ctx context.Context, params AdmitParams) (*AdmitResult, error)
	Finalize(ctx context.Context, id int64, forecast float64, path *string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	GetByID(ctx context.Context, id int64) (*models.Report, error)
	// GetLatestFinalized returns the newest succeeded report with an artifact.
	GetLatestFinalized(ctx context.Context) (*models.Report, error)
	ListFinalized(ctx context.Context, limit, offset int) ([]*models.Report, int, error)
	// CountFinalized counts succeeded reports; it drives snapshot cadence.
	CountFinalized(ctx context.Context) (int, error)
	UpdateURL(ctx context.Context, id int64, url string, expiresAt time.Time) error
	HealthCheck(ctx context.Context) error
}

// AdmitParams configures one admission check.
type AdmitParams struct {
	// Debounce skips the trigger while any report was created within it.
	Debounce time.Duration
	// StaleAfter fails active reports older than it before checking.
	StaleAfter time.Duration
}

// AdmitResult is the outcome of Admit.
type AdmitResult struct {
	Admitted  bool
	Report    *models.Report
	Reclaimed int64
}

const reportColumns = `id, active, status, forecast, path, url, url_expires_at, error, created, updated`

type reportRepository struct {
	db      *database.PostgresDB
	clock   clock.PassiveClock
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewReportRepository creates a PostgreSQL-backed report repository
func NewReportRepository(db *database.PostgresDB, clk clock.PassiveClock, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ReportRepository {
	return &reportRepository{
		db:      db,
		clock:   clk,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func (r *reportRepository) now() time.Time {
	return r.clock.Now().UTC()
}

// Admit runs in a serializable transaction holding a transaction-scoped
// advisory lock, so concurrent triggers queue instead of failing on
// serialization conflicts.
func (r *reportRepository) Admit(ctx context.Context, params AdmitParams) (*AdmitResult, error) {
	now := r.now()
	result := &AdmitResult{}

	err := r.db.InTx(ctx, "admit_report", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
			return fmt.Errorf("failed to acquire admission lock: %w", err)
		}

		if params.StaleAfter > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE reports
				SET active = false, status = $1, error = $2, updated = $3
				WHERE active = true AND created < $4
			`, models.StatusFailed, "abandoned: exceeded "+params.StaleAfter.String(), now, now.Add(-params.StaleAfter))
			if err != nil {
				return fmt.Errorf("failed to reclaim stale reports: %w", err)
			}
			result.Reclaimed, _ = res.RowsAffected()
		}

		var blocking models.Report
		err := tx.GetContext(ctx, &blocking, `
			SELECT `+reportColumns+`
			FROM reports
			WHERE active = true OR created >= $1
			ORDER BY id DESC
			LIMIT 1
		`, now.Add(-params.Debounce))
		switch {
		case err == nil:
			result.Report = &blocking
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check active reports: %w", err)
		}

		var created models.Report
		if err := tx.GetContext(ctx, &created, `
			INSERT INTO reports (active, status, created, updated)
			VALUES (true, $1, $2, $2)
			RETURNING `+reportColumns,
			models.StatusRunning, now,
		); err != nil {
			return fmt.Errorf("failed to insert report: %w", err)
		}
		result.Admitted = true
		result.Report = &created
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Reclaimed > 0 {
		r.logger.Warn(ctx, "[REPO_RECLAIM] Stale active reports marked failed", logging.Fields{
			"count":       result.Reclaimed,
			"stale_after": params.StaleAfter.String(),
		})
	}
	return result, nil
}

func (r *reportRepository) finalize(ctx context.Context, queryType string, id int64, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, queryType, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finalize report %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize report %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("report %d: %w", id, ErrNotActive)
	}
	return nil
}

// Finalize marks the report succeeded with its forecast and artifact path.
func (r *reportRepository) Finalize(ctx context.Context, id int64, forecast float64, path *string) error {
	return r.finalize(ctx, "finalize_report", id, `
		UPDATE reports
		SET active = false, status = $2, forecast = $3, path = $4, updated = $5
		WHERE id = $1 AND active = true
	`, id, models.StatusSucceeded, forecast, path, r.now())
}

// MarkFailed marks the report failed with a reason.
func (r *reportRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.finalize(ctx, "fail_report", id, `
		UPDATE reports
		SET active = false, status = $2, error = $3, updated = $4
		WHERE id = $1 AND active = true
	`, id, models.StatusFailed, reason, r.now())
}

// GetByID retrieves a report by id
func (r *reportRepository) GetByID(ctx context.Context, id int64) (*models.Report, error) {
	var report models.Report
	err := r.db.GetContext(ctx, "get_report", &report, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "report", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &report, nil
}

func (r *reportRepository) GetLatestFinalized(ctx context.Context) (*models.Report, error) {
	var report models.Report
	err := r.db.GetContext(ctx, "latest_report", &report, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE active = false AND status = $1 AND path IS NOT NULL
		ORDER BY id DESC
		LIMIT 1
	`, models.StatusSucceeded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "report", ID: "latest"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest report: %w", err)
	}
	return &report, nil
}

func (r *reportRepository) ListFinalized(ctx context.Context, limit, offset int) ([]*models.Report, int, error) {
	var total int
	if err := r.db.GetContext(ctx, "count_reports", &total, `
		SELECT COUNT(*) FROM reports WHERE active = false
	`); err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}

	reports := []*models.Report{}
	if err := r.db.SelectContext(ctx, "list_reports", &reports, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE active = false
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, total, nil
}

func (r *reportRepository) CountFinalized(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, "count_finalized", &n, `
		SELECT COUNT(*) FROM reports WHERE active = false AND status = $1
	`, models.StatusSucceeded); err != nil {
		return 0, fmt.Errorf("failed to count finalized reports: %w", err)
	}
	return n, nil
}

func (r *reportRepository) UpdateURL(ctx context.Context, id int64, url string, expiresAt time.Time) error {
	if _, err := r.db.ExecContext(ctx, "update_report_url", `
		UPDATE reports SET url = $2, url_expires_at = $3, updated = $4 WHERE id = $1
	`, id, url, expiresAt, r.now()); err != nil {
		return fmt.Errorf("failed to update report url: %w", err)
	}
	return nil
}

func (r *reportRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

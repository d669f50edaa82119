package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
)

// MemoryReportRepository keeps reports in process memory. Admission holds the
// same mutex as every other operation, which gives it the same exclusivity as
// the PostgreSQL advisory lock within one process.
type MemoryReportRepository struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	nextID  int64
	reports []*models.Report
}

// NewMemoryReportRepository creates an empty in-memory store.
func NewMemoryReportRepository(clk clock.PassiveClock) *MemoryReportRepository {
	return &MemoryReportRepository{clock: clk, nextID: 1}
}

func clone(r *models.Report) *models.Report {
	c := *r
	return &c
}

func (m *MemoryReportRepository) Admit(ctx context.Context, params AdmitParams) (*AdmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	result := &AdmitResult{}

	if params.StaleAfter > 0 {
		cutoff := now.Add(-params.StaleAfter)
		reason := "abandoned: exceeded " + params.StaleAfter.String()
		for _, r := range m.reports {
			if r.Active && r.Created.Before(cutoff) {
				r.Active = false
				r.Status = models.StatusFailed
				r.Error = &reason
				r.Updated = now
				result.Reclaimed++
			}
		}
	}

	since := now.Add(-params.Debounce)
	for i := len(m.reports) - 1; i >= 0; i-- {
		r := m.reports[i]
		if r.Active || !r.Created.Before(since) {
			result.Report = clone(r)
			return result, nil
		}
	}

	r := &models.Report{
		ID:      m.nextID,
		Active:  true,
		Status:  models.StatusRunning,
		Created: now,
		Updated: now,
	}
	m.nextID++
	m.reports = append(m.reports, r)

	result.Admitted = true
	result.Report = clone(r)
	return result, nil
}

func (m *MemoryReportRepository) find(id int64) *models.Report {
	for _, r := range m.reports {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *MemoryReportRepository) transition(id int64, apply func(r *models.Report)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.find(id)
	if r == nil {
		return &NotFoundError{Resource: "report", ID: strconv.FormatInt(id, 10)}
	}
	if !r.Active {
		return ErrNotActive
	}
	apply(r)
	r.Active = false
	r.Updated = m.clock.Now().UTC()
	return nil
}

func (m *MemoryReportRepository) Finalize(ctx context.Context, id int64, forecast float64, path *string) error {
	return m.transition(id, func(r *models.Report) {
		r.Status = models.StatusSucceeded
		r.Forecast = &forecast
		if path != nil {
			p := *path
			r.Path = &p
		}
	})
}

func (m *MemoryReportRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.transition(id, func(r *models.Report) {
		r.Status = models.StatusFailed
		r.Error = &reason
	})
}

func (m *MemoryReportRepository) GetByID(ctx context.Context, id int64) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.find(id); r != nil {
		return clone(r), nil
	}
	return nil, &NotFoundError{Resource: "report", ID: strconv.FormatInt(id, 10)}
}

func (m *MemoryReportRepository) GetLatestFinalized(ctx context.Context) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.reports) - 1; i >= 0; i-- {
		r := m.reports[i]
		if !r.Active && r.Status == models.StatusSucceeded && r.Path != nil {
			return clone(r), nil
		}
	}
	return nil, &NotFoundError{Resource: "report", ID: "latest"}
}

func (m *MemoryReportRepository) ListFinalized(ctx context.Context, limit, offset int) ([]*models.Report, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finalized []*models.Report
	for i := len(m.reports) - 1; i >= 0; i-- {
		if !m.reports[i].Active {
			finalized = append(finalized, m.reports[i])
		}
	}

	total := len(finalized)
	out := []*models.Report{}
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, clone(finalized[i]))
	}
	return out, total, nil
}

func (m *MemoryReportRepository) CountFinalized(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.reports {
		if !r.Active && r.Status == models.StatusSucceeded {
			n++
		}
	}
	return n, nil
}

func (m *MemoryReportRepository) UpdateURL(ctx context.Context, id int64, url string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.find(id)
	if r == nil {
		return &NotFoundError{Resource: "report", ID: strconv.FormatInt(id, 10)}
	}
	r.URL = &url
	r.URLExpiresAt = &expiresAt
	r.Updated = m.clock.Now().UTC()
	return nil
}

func (m *MemoryReportRepository) HealthCheck(ctx context.Context) error {
	return nil
}

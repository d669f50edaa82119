package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/database"
)

// ArtifactRepository tracks model artifacts and their cached download links.
type ArtifactRepository interface {
	// Upsert registers key at path; an existing record keeps its cached URL
	// only when the path is unchanged.
	Upsert(ctx context.Context, key, path string) (*models.ArtifactRecord, error)
	Get(ctx context.Context, key string) (*models.ArtifactRecord, error)
	List(ctx context.Context) ([]*models.ArtifactRecord, error)
	UpdateURL(ctx context.Context, key, url string, expiresAt time.Time) error
}

const artifactColumns = `id, key, path, url, url_expires_at, created, updated`

type artifactRepository struct {
	db    *database.PostgresDB
	clock clock.PassiveClock
}

// NewArtifactRepository creates a PostgreSQL-backed artifact repository
func NewArtifactRepository(db *database.PostgresDB, clk clock.PassiveClock) ArtifactRepository {
	return &artifactRepository{db: db, clock: clk}
}

func (r *artifactRepository) Upsert(ctx context.Context, key, path string) (*models.ArtifactRecord, error) {
	now := r.clock.Now().UTC()
	var rec models.ArtifactRecord
	err := r.db.GetContext(ctx, "upsert_artifact", &rec, `
		INSERT INTO model_artifacts (key, path, created, updated)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (key) DO UPDATE SET
			path = EXCLUDED.path,
			url = CASE WHEN model_artifacts.path = EXCLUDED.path THEN model_artifacts.url END,
			url_expires_at = CASE WHEN model_artifacts.path = EXCLUDED.path THEN model_artifacts.url_expires_at END,
			updated = EXCLUDED.updated
		RETURNING `+artifactColumns,
		key, path, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert artifact %s: %w", key, err)
	}
	return &rec, nil
}

func (r *artifactRepository) Get(ctx context.Context, key string) (*models.ArtifactRecord, error) {
	var rec models.ArtifactRecord
	err := r.db.GetContext(ctx, "get_artifact", &rec, `SELECT `+artifactColumns+` FROM model_artifacts WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "artifact", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &rec, nil
}

func (r *artifactRepository) List(ctx context.Context) ([]*models.ArtifactRecord, error) {
	recs := []*models.ArtifactRecord{}
	if err := r.db.SelectContext(ctx, "list_artifacts", &recs, `SELECT `+artifactColumns+` FROM model_artifacts ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return recs, nil
}

func (r *artifactRepository) UpdateURL(ctx context.Context, key, url string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, "update_artifact_url", `
		UPDATE model_artifacts SET url = $2, url_expires_at = $3, updated = $4 WHERE key = $1
	`, key, url, expiresAt, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update artifact url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Resource: "artifact", ID: key}
	}
	return nil
}

// MemoryArtifactRepository is the in-process ArtifactRepository.
type MemoryArtifactRepository struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	nextID  int64
	records map[string]*models.ArtifactRecord
}

// NewMemoryArtifactRepository creates an empty in-memory artifact store.
func NewMemoryArtifactRepository(clk clock.PassiveClock) *MemoryArtifactRepository {
	return &MemoryArtifactRepository{
		clock:   clk,
		nextID:  1,
		records: make(map[string]*models.ArtifactRecord),
	}
}

func cloneArtifact(r *models.ArtifactRecord) *models.ArtifactRecord {
	c := *r
	return &c
}

func (m *MemoryArtifactRepository) Upsert(ctx context.Context, key, path string) (*models.ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	rec, ok := m.records[key]
	if !ok {
		rec = &models.ArtifactRecord{ID: m.nextID, Key: key, Created: now}
		m.nextID++
		m.records[key] = rec
	} else if rec.Path != path {
		rec.URL = nil
		rec.URLExpiresAt = nil
	}
	rec.Path = path
	rec.Updated = now
	return cloneArtifact(rec), nil
}

func (m *MemoryArtifactRepository) Get(ctx context.Context, key string) (*models.ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, &NotFoundError{Resource: "artifact", ID: key}
	}
	return cloneArtifact(rec), nil
}

func (m *MemoryArtifactRepository) List(ctx context.Context) ([]*models.ArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ArtifactRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneArtifact(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryArtifactRepository) UpdateURL(ctx context.Context, key, url string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return &NotFoundError{Resource: "artifact", ID: key}
	}
	rec.URL = &url
	rec.URLExpiresAt = &expiresAt
	rec.Updated = m.clock.Now().UTC()
	return nil
}

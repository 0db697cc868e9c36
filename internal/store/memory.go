package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	designs  map[uuid.UUID]models.Design
	versions map[uuid.UUID]models.DesignVersion
	byDesign map[uuid.UUID][]uuid.UUID
	reports  map[uuid.UUID]models.ComplianceReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		designs:  map[uuid.UUID]models.Design{},
		versions: map[uuid.UUID]models.DesignVersion{},
		byDesign: map[uuid.UUID][]uuid.UUID{},
		reports:  map[uuid.UUID]models.ComplianceReport{},
	}
}

func (m *MemoryStore) CreateDesign(ctx context.Context, d models.Design) (models.Design, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.HeadVersionID = uuid.Nil
	d.VersionIDs = nil
	d.CreatedAt = now
	d.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.designs[d.ID] = d
	return d, nil
}

func (m *MemoryStore) GetDesign(ctx context.Context, id uuid.UUID) (models.Design, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.designs[id]
	if !ok {
		return models.Design{}, ErrNotFound
	}
	return m.withVersions(d), nil
}

func (m *MemoryStore) withVersions(d models.Design) models.Design {
	d.VersionIDs = append([]uuid.UUID(nil), m.byDesign[d.ID]...)
	return d
}

func (m *MemoryStore) ListDesigns(ctx context.Context, owner string, limit int) ([]models.Design, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Design
	for _, d := range m.designs {
		if owner != "" && d.Owner != owner {
			continue
		}
		out = append(out, m.withVersions(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertVersion(ctx context.Context, v models.DesignVersion) (models.DesignVersion, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.designs[v.DesignID]; !ok {
		return models.DesignVersion{}, ErrNotFound
	}
	if v.ParentID != nil {
		if _, ok := m.versions[*v.ParentID]; !ok {
			return models.DesignVersion{}, ErrNotFound
		}
	}
	m.seq++
	v.Seq = m.seq
	v.CreatedAt = time.Now().UTC()
	v.MergedFrom = append([]uuid.UUID(nil), v.MergedFrom...)
	v.Changed = append([]string(nil), v.Changed...)
	m.versions[v.ID] = v
	m.byDesign[v.DesignID] = append(m.byDesign[v.DesignID], v.ID)
	return v, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, id uuid.UUID) (models.DesignVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return models.DesignVersion{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, designID uuid.UUID) ([]models.DesignVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byDesign[designID]
	out := make([]models.DesignVersion, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.versions[id])
	}
	return out, nil
}

func (m *MemoryStore) AdvanceHead(ctx context.Context, designID, expected, next uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.designs[designID]
	if !ok {
		return ErrNotFound
	}
	if d.HeadVersionID != expected {
		return ErrHeadMoved
	}
	d.HeadVersionID = next
	d.Failure = nil
	d.Clarification = nil
	d.UpdatedAt = time.Now().UTC()
	m.designs[designID] = d
	return nil
}

func (m *MemoryStore) SetFailure(ctx context.Context, designID uuid.UUID, f *models.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.designs[designID]
	if !ok {
		return ErrNotFound
	}
	d.Failure = f
	d.UpdatedAt = time.Now().UTC()
	m.designs[designID] = d
	return nil
}

func (m *MemoryStore) SetClarification(ctx context.Context, designID uuid.UUID, c *models.Clarification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.designs[designID]
	if !ok {
		return ErrNotFound
	}
	d.Clarification = c
	d.UpdatedAt = time.Now().UTC()
	m.designs[designID] = d
	return nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, r models.ComplianceReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[r.ID]; exists {
		return nil
	}
	m.reports[r.ID] = r
	return nil
}

func (m *MemoryStore) GetReport(ctx context.Context, id uuid.UUID) (models.ComplianceReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return models.ComplianceReport{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

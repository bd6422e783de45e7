package repository

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/models"
)

// memoryRepository keeps locations in process memory. It backs tests and
// the importer's --memory dry runs.
type memoryRepository struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	rows   map[int64]*models.Location
	nextID int64
	now    func() time.Time
}

// NewMemoryRepository creates an empty in-memory LocationRepository.
func NewMemoryRepository() LocationRepository {
	return &memoryRepository{
		rows:   make(map[int64]*models.Location),
		nextID: 1,
		now:    time.Now,
	}
}

func (r *memoryRepository) live(id int64) (*models.Location, bool) {
	loc, ok := r.rows[id]
	if !ok || loc.Deleted {
		return nil, false
	}
	return loc, true
}

func (r *memoryRepository) uuidTaken(uuid *string, exceptID int64) bool {
	if uuid == nil {
		return false
	}
	for id, loc := range r.rows {
		if id != exceptID && loc.UUID != nil && *loc.UUID == *uuid {
			return true
		}
	}
	return false
}

// collect returns copies of the live rows accepted by keep, ordered by id.
func (r *memoryRepository) collect(keep func(*models.Location) bool) []models.Location {
	result := make([]models.Location, 0)
	for _, loc := range r.rows {
		if !loc.Deleted && keep(loc) {
			result = append(result, *loc.Clone())
		}
	}
	slices.SortFunc(result, func(a, b models.Location) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

func (r *memoryRepository) Insert(_ context.Context, loc *models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.uuidTaken(loc.UUID, 0) {
		return ErrDuplicateUUID
	}
	now := r.now()
	loc.ID = r.nextID
	loc.CreatedAt, loc.UpdatedAt = now, now
	r.nextID++
	r.rows[loc.ID] = loc.Clone()
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id int64) (*models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, ok := r.live(id)
	if !ok {
		return nil, nil
	}
	return loc.Clone(), nil
}

func (r *memoryRepository) GetByUUID(_ context.Context, uuid string) (*models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := r.collect(func(l *models.Location) bool { return l.UUID != nil && *l.UUID == uuid })
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (r *memoryRepository) FindByName(_ context.Context, name string, level models.Level) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool {
		return l.Name == name && (level == models.LevelNone || l.Level == level)
	}), nil
}

func (r *memoryRepository) FindDuplicate(_ context.Context, name string, level models.Level, parentID *int64) (*models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := r.collect(func(l *models.Location) bool {
		return l.Name == name && l.Level == level && sameParent(l.ParentID, parentID)
	})
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *memoryRepository) Update(_ context.Context, loc *models.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.live(loc.ID)
	if !ok {
		return ErrNotFound
	}
	if r.uuidTaken(loc.UUID, loc.ID) {
		return ErrDuplicateUUID
	}

	c := loc.Clone()
	stored.UUID = c.UUID
	stored.Name = c.Name
	stored.FeatureType = c.FeatureType
	stored.Lat, stored.Lon, stored.WKT = c.Lat, c.Lon, c.WKT
	stored.LonMin, stored.LatMin, stored.LonMax, stored.LatMax = c.LonMin, c.LatMin, c.LonMax, c.LatMax
	stored.Source = c.Source
	stored.UpdatedAt = r.now()
	return nil
}

func (r *memoryRepository) modify(id int64, fn func(*models.Location)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.live(id)
	if !ok {
		return ErrNotFound
	}
	fn(stored)
	return nil
}

func (r *memoryRepository) SetParent(_ context.Context, id int64, parentID *int64, level models.Level) error {
	return r.modify(id, func(l *models.Location) {
		if parentID != nil {
			p := *parentID
			parentID = &p
		}
		l.ParentID = parentID
		l.Level = level
		l.UpdatedAt = r.now()
	})
}

func (r *memoryRepository) SetPath(_ context.Context, id int64, path string) error {
	return r.modify(id, func(l *models.Location) { l.Path = path })
}

func (r *memoryRepository) SetBounds(_ context.Context, id int64, box geometry.BBox) error {
	return r.modify(id, func(l *models.Location) { l.SetBBox(box) })
}

func (r *memoryRepository) SoftDelete(_ context.Context, id int64) error {
	return r.modify(id, func(l *models.Location) {
		l.Deleted = true
		l.UpdatedAt = r.now()
	})
}

func (r *memoryRepository) ListChildren(_ context.Context, parentID int64) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool {
		return l.ParentID != nil && *l.ParentID == parentID
	}), nil
}

func (r *memoryRepository) ListByPathPrefix(_ context.Context, prefix string) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := r.collect(func(l *models.Location) bool { return strings.HasPrefix(l.Path, prefix) })
	slices.SortFunc(result, func(a, b models.Location) int { return strings.Compare(a.Path, b.Path) })
	return result, nil
}

func (r *memoryRepository) ListByLevel(_ context.Context, level models.Level) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool { return l.Level == level }), nil
}

func (r *memoryRepository) ListRoots(_ context.Context) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool { return l.IsRoot() }), nil
}

func (r *memoryRepository) FindByBBox(_ context.Context, box geometry.BBox, levels ...models.Level) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool {
		if len(levels) > 0 && !slices.Contains(levels, l.Level) {
			return false
		}
		b, ok := l.BBox()
		return ok && b.Overlaps(box)
	}), nil
}

func (r *memoryRepository) ListMissingBounds(_ context.Context) ([]models.Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(l *models.Location) bool {
		_, hasBox := l.BBox()
		return l.HasCoordinates() && !hasBox
	}), nil
}

// InTx serializes transactions and restores a snapshot of every row when fn
// fails. Writes made outside InTx while a transaction runs are not isolated.
func (r *memoryRepository) InTx(_ context.Context, fn func(LocationRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	snapshot := make(map[int64]*models.Location, len(r.rows))
	for id, loc := range r.rows {
		snapshot[id] = loc.Clone()
	}
	nextID := r.nextID
	r.mu.RUnlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.rows = snapshot
		r.nextID = nextID
		r.mu.Unlock()
		return err
	}
	return nil
}

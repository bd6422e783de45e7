package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
)

// LocationInput describes a location to create or upsert.
type LocationInput struct {
	Name     string
	Level    models.Level
	ParentID *int64
	UUID     *string
	Source   *string
	Geometry geometry.Input
}

// LocationService owns writes to the location hierarchy. Every operation
// that changes a parent link or level recomputes paths in the same
// transaction.
type LocationService interface {
	// Create derives geometry, inserts the row and sets its path.
	Create(ctx context.Context, in LocationInput) (*models.Location, error)

	// Upsert updates the (name, level, parent) duplicate in place when one
	// exists and inserts otherwise. created reports which happened.
	Upsert(ctx context.Context, in LocationInput) (loc *models.Location, created bool, err error)

	UpdateGeometry(ctx context.Context, id int64, in geometry.Input) (*models.Location, error)

	// Move relinks a node and re-walks its whole subtree.
	Move(ctx context.Context, id int64, parentID *int64, level models.Level) (*models.Location, error)

	// RebuildPaths recomputes every path from the roots down and returns
	// the number of rows visited.
	RebuildPaths(ctx context.Context) (int, error)

	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.Location, error)
	GetByUUID(ctx context.Context, uuid string) (*models.Location, error)
}

type locationService struct {
	repo   repository.LocationRepository
	engine geometry.Engine
	gis    config.GISConfig
	log    *logger.Logger
}

// NewLocationService creates a LocationService.
func NewLocationService(repo repository.LocationRepository, engine geometry.Engine, gis config.GISConfig, log *logger.Logger) LocationService {
	return &locationService{
		repo:   repo,
		engine: engine,
		gis:    gis,
		log:    log.WithComponent("location_service"),
	}
}

// BuildPath returns the materialized path of loc under parent. Roots, and
// nodes whose parent is nil, get their own id. A parent whose path was never
// set contributes its id.
func BuildPath(parent, loc *models.Location) string {
	id := strconv.FormatInt(loc.ID, 10)
	if loc.Level == models.L0 || parent == nil {
		return id
	}
	prefix := parent.Path
	if prefix == "" {
		prefix = strconv.FormatInt(parent.ID, 10)
	}
	return prefix + "/" + id
}

func hasGeometry(in geometry.Input) bool {
	return strings.TrimSpace(in.WKT) != "" || in.Lat != nil || in.Lon != nil
}

func (s *locationService) newLocation(in LocationInput) (*models.Location, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrMissingName
	}
	if in.Level != models.LevelNone {
		if _, ok := in.Level.Rank(); !ok {
			return nil, fmt.Errorf("invalid level %q", in.Level)
		}
	}

	loc := &models.Location{
		Name:     name,
		Level:    in.Level,
		ParentID: in.ParentID,
		UUID:     in.UUID,
		Source:   in.Source,
	}
	if in.Level == models.L0 {
		loc.ParentID = nil
	}
	if hasGeometry(in.Geometry) {
		parsed, err := geometry.Parse(s.engine, in.Geometry)
		if err != nil {
			return nil, err
		}
		loc.ApplyGeometry(parsed)
	}
	return loc, nil
}

func loadParent(ctx context.Context, repo repository.LocationRepository, parentID *int64) (*models.Location, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := repo.Get(ctx, *parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParent, *parentID)
	}
	return parent, nil
}

func insertWithPath(ctx context.Context, tx repository.LocationRepository, loc *models.Location) error {
	parent, err := loadParent(ctx, tx, loc.ParentID)
	if err != nil {
		return err
	}
	if err := tx.Insert(ctx, loc); err != nil {
		return err
	}
	loc.Path = BuildPath(parent, loc)
	return tx.SetPath(ctx, loc.ID, loc.Path)
}

func (s *locationService) Create(ctx context.Context, in LocationInput) (*models.Location, error) {
	loc, err := s.newLocation(in)
	if err != nil {
		return nil, err
	}

	err = s.repo.InTx(ctx, func(tx repository.LocationRepository) error {
		return insertWithPath(ctx, tx, loc)
	})
	if err != nil {
		s.log.Warn("Failed to create location", map[string]interface{}{
			"name":  loc.Name,
			"level": loc.Level,
			"error": err.Error(),
		})
		return nil, err
	}

	s.log.Debug("Location created", map[string]interface{}{
		"id":   loc.ID,
		"name": loc.Name,
		"path": loc.Path,
	})
	return loc, nil
}

func (s *locationService) Upsert(ctx context.Context, in LocationInput) (*models.Location, bool, error) {
	loc, err := s.newLocation(in)
	if err != nil {
		return nil, false, err
	}

	created := false
	err = s.repo.InTx(ctx, func(tx repository.LocationRepository) error {
		existing, err := tx.FindDuplicate(ctx, loc.Name, loc.Level, loc.ParentID)
		if err != nil {
			return err
		}
		if existing == nil {
			created = true
			return insertWithPath(ctx, tx, loc)
		}

		loc.ID = existing.ID
		loc.Path = existing.Path
		loc.CreatedAt = existing.CreatedAt
		if loc.UUID == nil {
			loc.UUID = existing.UUID
		}
		if loc.WKT == nil && !loc.HasCoordinates() {
			loc.FeatureType = existing.FeatureType
			loc.Lat, loc.Lon, loc.WKT = existing.Lat, existing.Lon, existing.WKT
			loc.LonMin, loc.LatMin, loc.LonMax, loc.LatMax = existing.LonMin, existing.LatMin, existing.LonMax, existing.LatMax
		}
		return tx.Update(ctx, loc)
	})
	if err != nil {
		return nil, false, err
	}
	return loc, created, nil
}

func (s *locationService) UpdateGeometry(ctx context.Context, id int64, in geometry.Input) (*models.Location, error) {
	parsed, err := geometry.Parse(s.engine, in)
	if err != nil {
		return nil, err
	}

	var loc *models.Location
	err = s.repo.InTx(ctx, func(tx repository.LocationRepository) error {
		loc, err = tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if loc == nil {
			return fmt.Errorf("%w: %d", ErrLocationNotFound, id)
		}
		loc.ApplyGeometry(parsed)
		return tx.Update(ctx, loc)
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func (s *locationService) Move(ctx context.Context, id int64, parentID *int64, level models.Level) (*models.Location, error) {
	if level == models.L0 {
		parentID = nil
	}

	var moved *models.Location
	err := s.repo.InTx(ctx, func(tx repository.LocationRepository) error {
		node, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%w: %d", ErrLocationNotFound, id)
		}

		parent, err := loadParent(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if parent != nil {
			if err := s.checkNotAncestor(ctx, tx, id, parent); err != nil {
				return err
			}
		}

		if err := tx.SetParent(ctx, id, parentID, level); err != nil {
			return err
		}
		node.ParentID, node.Level = parentID, level

		if _, err := rewalk(ctx, tx, parent, node); err != nil {
			return err
		}
		moved, err = tx.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Location moved", map[string]interface{}{
		"id":        id,
		"parent_id": parentID,
		"level":     level,
		"path":      moved.Path,
	})
	return moved, nil
}

// checkNotAncestor walks up from parent and fails if id is on the way.
func (s *locationService) checkNotAncestor(ctx context.Context, tx repository.LocationRepository, id int64, parent *models.Location) error {
	visited := make(map[int64]bool)
	cur := parent
	for depth := 0; cur != nil; depth++ {
		if cur.ID == id {
			return fmt.Errorf("%w: %d would become its own ancestor", ErrCycleDetected, id)
		}
		if visited[cur.ID] || depth > s.gis.MaxResolveDepth {
			return fmt.Errorf("%w: parent chain of %d does not terminate", ErrCycleDetected, parent.ID)
		}
		visited[cur.ID] = true
		if cur.ParentID == nil {
			return nil
		}
		next, err := tx.Get(ctx, *cur.ParentID)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// rewalk sets the path of node and of every node below it, following parent
// links breadth first. It returns the number of paths written.
func rewalk(ctx context.Context, tx repository.LocationRepository, parent, node *models.Location) (int, error) {
	type item struct{ parent, node *models.Location }
	queue := []item{{parent, node}}
	visited := make(map[int64]bool)
	count := 0

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if visited[it.node.ID] {
			continue
		}
		visited[it.node.ID] = true

		it.node.Path = BuildPath(it.parent, it.node)
		if err := tx.SetPath(ctx, it.node.ID, it.node.Path); err != nil {
			return count, err
		}
		count++

		children, err := tx.ListChildren(ctx, it.node.ID)
		if err != nil {
			return count, err
		}
		for i := range children {
			child := children[i]
			if child.Level == models.L0 {
				continue
			}
			queue = append(queue, item{it.node, &child})
		}
	}
	return count, nil
}

func (s *locationService) RebuildPaths(ctx context.Context) (int, error) {
	total := 0
	err := s.repo.InTx(ctx, func(tx repository.LocationRepository) error {
		total = 0
		roots, err := tx.ListRoots(ctx)
		if err != nil {
			return err
		}
		for i := range roots {
			n, err := rewalk(ctx, tx, nil, &roots[i])
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("Location paths rebuilt", map[string]interface{}{"rows": total})
	return total, nil
}

func (s *locationService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrLocationNotFound, id)
		}
		return err
	}
	s.log.Info("Location deleted", map[string]interface{}{"id": id})
	return nil
}

func (s *locationService) Get(ctx context.Context, id int64) (*models.Location, error) {
	loc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %d", ErrLocationNotFound, id)
	}
	return loc, nil
}

func (s *locationService) GetByUUID(ctx context.Context, uuid string) (*models.Location, error) {
	loc, err := s.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %s", ErrLocationNotFound, uuid)
	}
	return loc, nil
}

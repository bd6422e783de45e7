package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
)

// HierarchyService answers read questions about the location tree.
type HierarchyService interface {
	// Ancestors returns the chain from the immediate parent up to the root.
	// A cyclic chain yields an empty slice and ErrCycleDetected.
	Ancestors(ctx context.Context, id int64) ([]models.Location, error)

	// Descendants returns every live node below id, found by path prefix.
	Descendants(ctx context.Context, id int64) ([]models.Location, error)

	Children(ctx context.Context, id int64) ([]models.Location, error)

	// EffectiveLatLon returns the node's own coordinates, else those of the
	// nearest ancestor that has them, else ErrUnresolvableCoordinates.
	EffectiveLatLon(ctx context.Context, id int64) (*models.LatLon, error)
	EffectiveLatLonByUUID(ctx context.Context, uuid string) (*models.LatLon, error)

	// DisplayLatLon is EffectiveLatLon for map display: L0 ancestors are
	// skipped unless the deployment displays countries.
	DisplayLatLon(ctx context.Context, id int64) (*models.LatLon, error)
}

type hierarchyService struct {
	repo repository.LocationRepository
	gis  config.GISConfig
	log  *logger.Logger
}

// NewHierarchyService creates a HierarchyService. gis.MaxResolveDepth bounds
// every ancestor walk.
func NewHierarchyService(repo repository.LocationRepository, gis config.GISConfig, log *logger.Logger) HierarchyService {
	return &hierarchyService{
		repo: repo,
		gis:  gis,
		log:  log.WithComponent("hierarchy_service"),
	}
}

func (s *hierarchyService) get(ctx context.Context, id int64) (*models.Location, error) {
	loc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %d", ErrLocationNotFound, id)
	}
	return loc, nil
}

// walk follows parent links from loc. A missing or deleted parent ends the
// chain normally.
func (s *hierarchyService) walk(ctx context.Context, loc *models.Location) ([]models.Location, error) {
	visited := map[int64]bool{loc.ID: true}
	chain := make([]models.Location, 0)

	cur := loc
	for cur.ParentID != nil {
		if len(chain) >= s.gis.MaxResolveDepth {
			s.log.Warn("Ancestor walk exceeded max depth", map[string]interface{}{
				"id":    loc.ID,
				"depth": s.gis.MaxResolveDepth,
			})
			return []models.Location{}, fmt.Errorf("%w: chain of %d longer than %d", ErrCycleDetected, loc.ID, s.gis.MaxResolveDepth)
		}
		if visited[*cur.ParentID] {
			s.log.Warn("Cycle in parent chain", map[string]interface{}{
				"id":        loc.ID,
				"repeat_id": *cur.ParentID,
			})
			return []models.Location{}, fmt.Errorf("%w: at %d", ErrCycleDetected, *cur.ParentID)
		}

		parent, err := s.repo.Get(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor: %w", err)
		}
		if parent == nil {
			break
		}
		visited[parent.ID] = true
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

func (s *hierarchyService) Ancestors(ctx context.Context, id int64) ([]models.Location, error) {
	loc, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.walk(ctx, loc)
}

func (s *hierarchyService) Descendants(ctx context.Context, id int64) ([]models.Location, error) {
	loc, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	path := loc.Path
	if path == "" {
		path = strconv.FormatInt(loc.ID, 10)
	}
	return s.repo.ListByPathPrefix(ctx, path+"/")
}

func (s *hierarchyService) Children(ctx context.Context, id int64) ([]models.Location, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListChildren(ctx, id)
}

func (s *hierarchyService) EffectiveLatLon(ctx context.Context, id int64) (*models.LatLon, error) {
	loc, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, loc, false)
}

func (s *hierarchyService) DisplayLatLon(ctx context.Context, id int64) (*models.LatLon, error) {
	loc, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, loc, !s.gis.DisplayL0)
}

func (s *hierarchyService) EffectiveLatLonByUUID(ctx context.Context, uuid string) (*models.LatLon, error) {
	loc, err := s.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %s", ErrLocationNotFound, uuid)
	}
	return s.resolve(ctx, loc, false)
}

// resolve walks up from loc. With skipL0 set, country rows never supply
// coordinates.
func (s *hierarchyService) resolve(ctx context.Context, loc *models.Location, skipL0 bool) (*models.LatLon, error) {
	if loc.HasCoordinates() {
		return &models.LatLon{Lat: *loc.Lat, Lon: *loc.Lon, SourceID: loc.ID}, nil
	}

	chain, err := s.walk(ctx, loc)
	if err != nil {
		return nil, err
	}
	for _, a := range chain {
		if skipL0 && a.Level == models.L0 {
			continue
		}
		if a.HasCoordinates() {
			return &models.LatLon{Lat: *a.Lat, Lon: *a.Lon, SourceID: a.ID}, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnresolvableCoordinates, loc.ID)
}

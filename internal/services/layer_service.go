package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
)

// ResourceID names a registered source of map features.
type ResourceID string

// ResourceLocation is the location store.
const ResourceLocation ResourceID = "location"

// FeedResource returns the resource id of a configured feed layer.
func FeedResource(layer string) ResourceID {
	return ResourceID("feed:" + layer)
}

// MapFeature is one renderable feature. Lat and Lon are resolved, never
// defaulted; features that cannot be placed are left out.
type MapFeature struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Category string        `json:"category,omitempty"`
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
	WKT      string        `json:"wkt,omitempty"`
	Type     geometry.Type `json:"featureType"`
	Marker   config.Marker `json:"marker"`
}

// FeatureFilter narrows a layer. Zero values do not filter, except that a
// location layer with neither Level nor BBox lists non-administrative points.
type FeatureFilter struct {
	Level    models.Level
	BBox     *geometry.BBox
	Category string
}

// FeatureSource produces the features of one resource.
type FeatureSource interface {
	Features(ctx context.Context, filter FeatureFilter) ([]MapFeature, error)
}

type markerKey struct {
	resource  ResourceID
	category  string
	symbology int
}

// Registry maps resource ids to their feature sources and resolves the
// marker each feature is drawn with.
type Registry struct {
	mu      sync.RWMutex
	sources map[ResourceID]FeatureSource
	markers map[markerKey]config.Marker
	gis     config.GISConfig
	log     *logger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(gis config.GISConfig, log *logger.Logger) *Registry {
	return &Registry{
		sources: make(map[ResourceID]FeatureSource),
		markers: make(map[markerKey]config.Marker),
		gis:     gis,
		log:     log.WithComponent("layer_registry"),
	}
}

// Register adds or replaces the source for id.
func (r *Registry) Register(id ResourceID, src FeatureSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[id] = src
}

// Resources lists the registered ids in order.
func (r *Registry) Resources() []ResourceID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ResourceID, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetMarker sets the marker of a feature class under a symbology.
func (r *Registry) SetMarker(resource ResourceID, category string, symbology int, m config.Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[markerKey{resource, category, symbology}] = m
}

// Marker returns the marker for a feature class under the configured
// symbology, else the deployment default.
func (r *Registry) Marker(resource ResourceID, category string) config.Marker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.markers[markerKey{resource, category, r.gis.SymbologyID}]; ok {
		return m
	}
	return r.gis.DefaultMarker
}

// FeatureLayer returns the features of resource with markers filled in.
func (r *Registry) FeatureLayer(ctx context.Context, resource ResourceID, filter FeatureFilter) ([]MapFeature, error) {
	r.mu.RLock()
	src, ok := r.sources[resource]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}

	features, err := src.Features(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := features[:0]
	for _, f := range features {
		if filter.Category != "" && f.Category != filter.Category {
			continue
		}
		f.Marker = r.Marker(resource, f.Category)
		out = append(out, f)
	}
	return out, nil
}

type locationSource struct {
	repo      repository.LocationRepository
	hierarchy HierarchyService
	log       *logger.Logger
}

// NewLocationSource exposes the location store as a feature source. Nodes
// without coordinates are placed at their nearest placed ancestor.
func NewLocationSource(repo repository.LocationRepository, hierarchy HierarchyService, log *logger.Logger) FeatureSource {
	return &locationSource{repo: repo, hierarchy: hierarchy, log: log.WithComponent("location_source")}
}

func (s *locationSource) Features(ctx context.Context, filter FeatureFilter) ([]MapFeature, error) {
	var (
		rows []models.Location
		err  error
	)
	if filter.BBox != nil {
		var levels []models.Level
		if filter.Level != models.LevelNone {
			levels = append(levels, filter.Level)
		}
		rows, err = s.repo.FindByBBox(ctx, *filter.BBox, levels...)
	} else {
		rows, err = s.repo.ListByLevel(ctx, filter.Level)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	features := make([]MapFeature, 0, len(rows))
	skipped := 0
	for _, loc := range rows {
		ll, err := s.place(ctx, &loc)
		if err != nil {
			if errors.Is(err, ErrUnresolvableCoordinates) || errors.Is(err, ErrCycleDetected) {
				skipped++
				continue
			}
			return nil, err
		}
		f := MapFeature{
			ID:       strconv.FormatInt(loc.ID, 10),
			Name:     loc.Name,
			Category: string(loc.Level),
			Lat:      ll.Lat,
			Lon:      ll.Lon,
			Type:     loc.FeatureType,
		}
		if loc.WKT != nil {
			f.WKT = *loc.WKT
		}
		features = append(features, f)
	}

	if skipped > 0 {
		s.log.Debug("Skipped unplaceable locations", map[string]interface{}{"skipped": skipped})
	}
	return features, nil
}

func (s *locationSource) place(ctx context.Context, loc *models.Location) (*models.LatLon, error) {
	if loc.HasCoordinates() {
		return &models.LatLon{Lat: *loc.Lat, Lon: *loc.Lon, SourceID: loc.ID}, nil
	}
	return s.hierarchy.DisplayLatLon(ctx, loc.ID)
}

type feedSource struct {
	pipeline *feeds.Pipeline
	layer    feeds.Layer
}

// NewFeedSource exposes one feed layer as a feature source. An inaccessible
// layer yields no features rather than an error.
func NewFeedSource(pipeline *feeds.Pipeline, layer feeds.Layer) FeatureSource {
	return &feedSource{pipeline: pipeline, layer: layer}
}

func (s *feedSource) Features(ctx context.Context, filter FeatureFilter) ([]MapFeature, error) {
	desc := s.pipeline.Layer(ctx, s.layer)

	features := make([]MapFeature, 0, len(desc.Features))
	for i, f := range desc.Features {
		if f.Lat == nil || f.Lon == nil {
			continue
		}
		if filter.BBox != nil && !filter.BBox.ContainsPoint(*f.Lat, *f.Lon) {
			continue
		}
		features = append(features, MapFeature{
			ID:       s.layer.Name + "/" + strconv.Itoa(i),
			Name:     f.Name,
			Category: string(s.layer.Kind),
			Lat:      *f.Lat,
			Lon:      *f.Lon,
			WKT:      f.WKT,
			Type:     f.Type,
		})
	}
	return features, nil
}

package services

import (
	"context"
	"fmt"
	"iter"

	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
)

var tracer = otel.Tracer("github.com/reliefmap/locus/internal/services")

// SpatialService evaluates spatial queries over the location store.
type SpatialService interface {
	// ByBBox returns locations whose stored bounds overlap box.
	ByBBox(ctx context.Context, box geometry.BBox, levels ...models.Level) ([]models.Location, error)

	// ByShape narrows by the shape's bounds and then keeps candidates whose
	// WKT exactly intersects shape. It needs a geometry engine and returns
	// geometry.ErrUnsupportedOperation without one.
	ByShape(ctx context.Context, shape orb.Geometry) (iter.Seq[models.Location], error)

	// ByLatLon returns locations whose geometry contains or touches the point.
	ByLatLon(ctx context.Context, lat, lon float64) (iter.Seq[models.Location], error)

	// ByFeature returns the other locations intersecting the geometry of id.
	ByFeature(ctx context.Context, id int64) (iter.Seq[models.Location], error)

	// Bounds returns the union of the bounds of ids, clamped to the
	// configured maximum extent.
	Bounds(ctx context.Context, ids []int64) (geometry.BBox, error)

	// SetAllBounds fills in missing bounds and returns how many rows changed.
	SetAllBounds(ctx context.Context) (int, error)
}

type spatialService struct {
	repo    repository.LocationRepository
	engine  geometry.Engine
	gis     config.GISConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewSpatialService creates a SpatialService. m may be nil.
func NewSpatialService(repo repository.LocationRepository, engine geometry.Engine, gis config.GISConfig, m *metrics.Metrics, log *logger.Logger) SpatialService {
	return &spatialService{
		repo:    repo,
		engine:  engine,
		gis:     gis,
		metrics: m,
		log:     log.WithComponent("spatial_service"),
	}
}

func validateBBox(box geometry.BBox) error {
	if !box.Valid() {
		return fmt.Errorf("%w: minimums must not exceed maximums", ErrInvalidBBox)
	}
	if box.LatMin < -90 || box.LatMax > 90 || box.LonMin < -180 || box.LonMax > 180 {
		return fmt.Errorf("%w: outside [-180,-90,180,90]", ErrInvalidBBox)
	}
	return nil
}

func (s *spatialService) ByBBox(ctx context.Context, box geometry.BBox, levels ...models.Level) ([]models.Location, error) {
	ctx, span := tracer.Start(ctx, "spatial.ByBBox", trace.WithAttributes(
		attribute.Float64Slice("bbox", []float64{box.LonMin, box.LatMin, box.LonMax, box.LatMax}),
	))
	defer span.End()

	if err := validateBBox(box); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := s.repo.FindByBBox(ctx, box, levels...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bbox query failed")
		return nil, fmt.Errorf("failed to query by bbox: %w", err)
	}

	span.SetAttributes(attribute.Int("results", len(result)))
	s.metrics.ObserveSpatialQuery("bbox", len(result))
	return result, nil
}

func (s *spatialService) ByShape(ctx context.Context, shape orb.Geometry) (iter.Seq[models.Location], error) {
	return s.byShape(ctx, shape, 0)
}

func (s *spatialService) byShape(ctx context.Context, shape orb.Geometry, exclude int64) (iter.Seq[models.Location], error) {
	ctx, span := tracer.Start(ctx, "spatial.ByShape")
	defer span.End()

	if s.engine == nil || !s.engine.Available() {
		span.SetStatus(codes.Error, geometry.ErrUnsupportedOperation.Error())
		return nil, geometry.ErrUnsupportedOperation
	}
	if shape == nil {
		return nil, fmt.Errorf("%w: empty shape", geometry.ErrMissingInput)
	}

	candidates, err := s.repo.FindByBBox(ctx, geometry.FromBound(s.engine.Bound(shape)))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query shape candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	s.metrics.ObserveSpatialQuery("shape", len(candidates))

	return func(yield func(models.Location) bool) {
		for _, c := range candidates {
			if c.ID == exclude || c.WKT == nil || *c.WKT == "" {
				continue
			}
			g, err := s.engine.ParseWKT(*c.WKT)
			if err != nil {
				s.log.Warn("Skipping location with unparseable WKT", map[string]interface{}{
					"id":    c.ID,
					"error": err.Error(),
				})
				continue
			}
			if s.engine.Intersects(shape, g) && !yield(c) {
				return
			}
		}
	}, nil
}

func (s *spatialService) ByLatLon(ctx context.Context, lat, lon float64) (iter.Seq[models.Location], error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, lat, lon)
	}
	return s.ByShape(ctx, orb.Point{lon, lat})
}

func (s *spatialService) ByFeature(ctx context.Context, id int64) (iter.Seq[models.Location], error) {
	if s.engine == nil || !s.engine.Available() {
		return nil, geometry.ErrUnsupportedOperation
	}
	loc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %d", ErrLocationNotFound, id)
	}
	if loc.WKT == nil || *loc.WKT == "" {
		return nil, fmt.Errorf("%w: location %d has no geometry", geometry.ErrMissingInput, id)
	}
	g, err := s.engine.ParseWKT(*loc.WKT)
	if err != nil {
		return nil, &geometry.InvalidWKTError{Kind: loc.FeatureType, Err: err}
	}
	return s.byShape(ctx, g, id)
}

func (s *spatialService) Bounds(ctx context.Context, ids []int64) (geometry.BBox, error) {
	boxes := make([]geometry.BBox, 0, len(ids))
	for _, id := range ids {
		loc, err := s.repo.Get(ctx, id)
		if err != nil {
			return geometry.BBox{}, fmt.Errorf("failed to get location: %w", err)
		}
		if loc == nil {
			continue
		}
		if b, ok := loc.BBox(); ok {
			boxes = append(boxes, b)
		} else if loc.HasCoordinates() {
			boxes = append(boxes, geometry.PointBBox(*loc.Lat, *loc.Lon))
		}
	}

	ext := s.gis.MaxExtent
	box, ok := geometry.Union(boxes, geometry.BBox{LonMin: ext[0], LatMin: ext[1], LonMax: ext[2], LatMax: ext[3]})
	if !ok {
		return geometry.BBox{}, fmt.Errorf("%w: none of %d locations has bounds", ErrUnresolvableCoordinates, len(ids))
	}
	return box, nil
}

func (s *spatialService) SetAllBounds(ctx context.Context) (int, error) {
	rows, err := s.repo.ListMissingBounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list locations without bounds: %w", err)
	}

	updated := 0
	for _, loc := range rows {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		box := geometry.PointBBox(*loc.Lat, *loc.Lon)
		if loc.WKT != nil && *loc.WKT != "" && s.engine != nil && s.engine.Available() {
			if g, err := s.engine.ParseWKT(*loc.WKT); err == nil {
				box = geometry.FromBound(s.engine.Bound(g))
			} else {
				s.log.Warn("Using point bounds for location with unparseable WKT", map[string]interface{}{
					"id":    loc.ID,
					"error": err.Error(),
				})
			}
		}
		if err := s.repo.SetBounds(ctx, loc.ID, box); err != nil {
			return updated, fmt.Errorf("failed to set bounds of %d: %w", loc.ID, err)
		}
		updated++
	}

	s.log.Info("Bounds set", map[string]interface{}{"updated": updated})
	return updated, nil
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apierrors "github.com/reliefmap/locus/internal/errors"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/middleware"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

// LocationHandler handles location and spatial query HTTP requests.
type LocationHandler struct {
	locations services.LocationService
	hierarchy services.HierarchyService
	spatial   services.SpatialService
	engine    geometry.Engine
}

// NewLocationHandler creates a new LocationHandler instance.
func NewLocationHandler(locations services.LocationService, hierarchy services.HierarchyService, spatial services.SpatialService, engine geometry.Engine) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		hierarchy: hierarchy,
		spatial:   spatial,
		engine:    engine,
	}
}

// Register mounts the location routes on rg.
func (h *LocationHandler) Register(rg *gin.RouterGroup) {
	locations := rg.Group("/locations")
	{
		locations.POST("", h.Create)
		locations.GET("", h.GetByUUID)
		locations.GET("/:id", h.Get)
		locations.DELETE("/:id", h.Delete)
		locations.PUT("/:id/parent", h.Move)
		locations.PUT("/:id/geometry", h.UpdateGeometry)
		locations.GET("/:id/ancestors", h.Ancestors)
		locations.GET("/:id/children", h.Children)
		locations.GET("/:id/descendants", h.Descendants)
		locations.GET("/:id/latlon", h.LatLon)
		locations.GET("/:id/bearing/:to", h.Bearing)
		locations.GET("/:id/intersecting", h.Intersecting)
	}

	spatial := rg.Group("/spatial")
	{
		spatial.GET("/bbox", h.BBox)
		spatial.GET("/point", h.AtPoint)
		spatial.POST("/intersects", h.Intersects)
		spatial.POST("/bounds", h.Bounds)
	}

	admin := rg.Group("/admin")
	{
		admin.POST("/bounds", h.SetAllBounds)
		admin.POST("/paths", h.RebuildPaths)
	}
}

// GeometryRequest carries a location's raw geometry. WKT wins over lat/lon.
type GeometryRequest struct {
	WKT string   `json:"wkt"`
	Lat *float64 `json:"lat" binding:"omitempty,gte=-90,lte=90"`
	Lon *float64 `json:"lon" binding:"omitempty,gte=-180,lte=180"`
}

func (r GeometryRequest) input() geometry.Input {
	return geometry.Input{WKT: r.WKT, Lat: r.Lat, Lon: r.Lon}
}

// CreateLocationRequest is the body of POST /api/v1/locations.
type CreateLocationRequest struct {
	GeometryRequest
	ParentID *int64  `json:"parentId"`
	UUID     *string `json:"uuid"`
	Source   *string `json:"source"`
	Name     string  `json:"name" binding:"required,max=255"`
	Level    string  `json:"level" binding:"omitempty,oneof=L0 L1 L2 L3 L4 L5"`
}

// MoveRequest is the body of PUT /api/v1/locations/:id/parent. A nil
// ParentID detaches the node.
type MoveRequest struct {
	ParentID *int64 `json:"parentId"`
	Level    string `json:"level" binding:"omitempty,oneof=L0 L1 L2 L3 L4 L5"`
}

// BBoxRequest represents the query parameters for the bbox endpoint.
type BBoxRequest struct {
	LonMin *float64 `form:"lonMin" binding:"required,gte=-180,lte=180"`
	LatMin *float64 `form:"latMin" binding:"required,gte=-90,lte=90"`
	LonMax *float64 `form:"lonMax" binding:"required,gte=-180,lte=180"`
	LatMax *float64 `form:"latMax" binding:"required,gte=-90,lte=90"`
	Levels []string `form:"level" binding:"omitempty,dive,oneof=L0 L1 L2 L3 L4 L5"`
}

// PointRequest represents the query parameters for the point endpoint.
type PointRequest struct {
	Lat *float64 `form:"lat" binding:"required,gte=-90,lte=90"`
	Lon *float64 `form:"lon" binding:"required,gte=-180,lte=180"`
}

// IntersectsRequest is the body of POST /api/v1/spatial/intersects. The
// shape is given either as WKT or as a GeoJSON geometry; WKT wins when both
// are set.
type IntersectsRequest struct {
	WKT      string       `json:"wkt"`
	Geometry models.Shape `json:"geometry"`
}

// BoundsRequest is the body of POST /api/v1/spatial/bounds.
type BoundsRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

// LocationResponse wraps a single location.
type LocationResponse struct {
	Location *models.Location `json:"location"`
}

// LocationsResponse wraps a list of locations.
type LocationsResponse struct {
	Locations []models.Location `json:"locations"`
	Count     int               `json:"count"`
}

// CountResponse reports how many rows a maintenance operation touched.
type CountResponse struct {
	Updated int `json:"updated"`
}

func newLocationsResponse(locs []models.Location) LocationsResponse {
	if locs == nil {
		locs = []models.Location{}
	}
	return LocationsResponse{Locations: locs, Count: len(locs)}
}

// bindError answers a failed ShouldBind call.
func bindError(c *gin.Context, err error, message string) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apierrors.ValidationError(c, validationErrors)
		return
	}
	apierrors.BadRequest(c, message, nil)
}

// pathID reads the :id parameter, answering 400 when it is not a number.
func pathID(c *gin.Context) (int64, bool) {
	return paramID(c, "id")
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		apierrors.BadRequest(c, "Location id must be a positive integer", map[string]interface{}{
			name: c.Param(name),
		})
		return 0, false
	}
	return id, true
}

// serviceError maps service and geometry errors onto API responses.
func serviceError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, services.ErrLocationNotFound):
		apierrors.NotFound(c, "Location not found")
	case errors.Is(err, services.ErrUnresolvableCoordinates):
		apierrors.NotFound(c, err.Error())
	case errors.Is(err, services.ErrUnknownResource):
		apierrors.NotFound(c, err.Error())
	case errors.Is(err, services.ErrCycleDetected),
		errors.Is(err, repository.ErrDuplicateUUID):
		apierrors.Conflict(c, err.Error())
	case errors.Is(err, geometry.ErrUnsupportedOperation):
		apierrors.NotImplemented(c, err.Error())
	case errors.Is(err, services.ErrUnknownParent),
		errors.Is(err, services.ErrInvalidBBox),
		errors.Is(err, services.ErrInvalidCoordinates),
		errors.Is(err, services.ErrMissingName),
		errors.Is(err, geometry.ErrMissingInput),
		errors.Is(err, geometry.ErrLatitudeEmpty),
		errors.Is(err, geometry.ErrLongitudeEmpty),
		errors.Is(err, geometry.ErrCoordinateRange),
		errors.Is(err, geometry.ErrInvalidWKT),
		errors.Is(err, geometry.ErrUnknownType):
		apierrors.BadRequest(c, err.Error(), nil)
	default:
		apierrors.InternalServerError(c, message, err)
	}
}

// Create handles POST /api/v1/locations.
func (h *LocationHandler) Create(c *gin.Context) {
	var req CreateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid location body")
		return
	}

	loc, err := h.locations.Create(c.Request.Context(), services.LocationInput{
		Name:     req.Name,
		Level:    models.Level(req.Level),
		ParentID: req.ParentID,
		UUID:     req.UUID,
		Source:   req.Source,
		Geometry: req.input(),
	})
	if err != nil {
		serviceError(c, err, "Failed to create location")
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Info("Location created", map[string]interface{}{
			"id":    loc.ID,
			"level": loc.Level,
			"path":  loc.Path,
		})
	}

	c.JSON(http.StatusCreated, LocationResponse{Location: loc})
}

// Get handles GET /api/v1/locations/:id.
func (h *LocationHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	loc, err := h.locations.Get(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "Failed to load location")
		return
	}
	c.JSON(http.StatusOK, LocationResponse{Location: loc})
}

// GetByUUID handles GET /api/v1/locations?uuid=...
func (h *LocationHandler) GetByUUID(c *gin.Context) {
	uuid := c.Query("uuid")
	if uuid == "" {
		apierrors.BadRequest(c, "uuid query parameter is required", nil)
		return
	}

	loc, err := h.locations.GetByUUID(c.Request.Context(), uuid)
	if err != nil {
		serviceError(c, err, "Failed to load location")
		return
	}
	c.JSON(http.StatusOK, LocationResponse{Location: loc})
}

// Delete handles DELETE /api/v1/locations/:id.
func (h *LocationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.locations.Delete(c.Request.Context(), id); err != nil {
		serviceError(c, err, "Failed to delete location")
		return
	}
	c.Status(http.StatusNoContent)
}

// Move handles PUT /api/v1/locations/:id/parent.
func (h *LocationHandler) Move(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid move body")
		return
	}

	loc, err := h.locations.Move(c.Request.Context(), id, req.ParentID, models.Level(req.Level))
	if err != nil {
		serviceError(c, err, "Failed to move location")
		return
	}
	c.JSON(http.StatusOK, LocationResponse{Location: loc})
}

// UpdateGeometry handles PUT /api/v1/locations/:id/geometry.
func (h *LocationHandler) UpdateGeometry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req GeometryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid geometry body")
		return
	}

	loc, err := h.locations.UpdateGeometry(c.Request.Context(), id, req.input())
	if err != nil {
		serviceError(c, err, "Failed to update geometry")
		return
	}
	c.JSON(http.StatusOK, LocationResponse{Location: loc})
}

// Ancestors handles GET /api/v1/locations/:id/ancestors. The list runs from
// the immediate parent up to the root.
func (h *LocationHandler) Ancestors(c *gin.Context) {
	h.list(c, h.hierarchy.Ancestors, "Failed to load ancestors")
}

// Children handles GET /api/v1/locations/:id/children.
func (h *LocationHandler) Children(c *gin.Context) {
	h.list(c, h.hierarchy.Children, "Failed to load children")
}

// Descendants handles GET /api/v1/locations/:id/descendants.
func (h *LocationHandler) Descendants(c *gin.Context) {
	h.list(c, h.hierarchy.Descendants, "Failed to load descendants")
}

func (h *LocationHandler) list(c *gin.Context, fn func(ctx context.Context, id int64) ([]models.Location, error), message string) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	locs, err := fn(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, message)
		return
	}
	c.JSON(http.StatusOK, newLocationsResponse(locs))
}

// LatLon handles GET /api/v1/locations/:id/latlon.
func (h *LocationHandler) LatLon(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	ll, err := h.hierarchy.EffectiveLatLon(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "Failed to resolve coordinates")
		return
	}
	c.JSON(http.StatusOK, ll)
}

// BearingResponse describes the great-circle course between two locations.
type BearingResponse struct {
	From     models.LatLon `json:"from"`
	To       models.LatLon `json:"to"`
	Bearing  float64       `json:"bearing"`
	Distance float64       `json:"distanceMeters"`
}

// Bearing handles GET /api/v1/locations/:id/bearing/:to. Both ends use their
// effective coordinates, so either may come from an ancestor.
func (h *LocationHandler) Bearing(c *gin.Context) {
	from, ok := pathID(c)
	if !ok {
		return
	}
	to, ok := paramID(c, "to")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	start, err := h.hierarchy.EffectiveLatLon(ctx, from)
	if err != nil {
		serviceError(c, err, "Failed to resolve coordinates")
		return
	}
	end, err := h.hierarchy.EffectiveLatLon(ctx, to)
	if err != nil {
		serviceError(c, err, "Failed to resolve coordinates")
		return
	}

	c.JSON(http.StatusOK, BearingResponse{
		From:     *start,
		To:       *end,
		Bearing:  geometry.Bearing(start.Lat, start.Lon, end.Lat, end.Lon),
		Distance: geometry.Distance(start.Lat, start.Lon, end.Lat, end.Lon),
	})
}

// Intersecting handles GET /api/v1/locations/:id/intersecting.
func (h *LocationHandler) Intersecting(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	seq, err := h.spatial.ByFeature(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "Failed to run intersection query")
		return
	}
	c.JSON(http.StatusOK, newLocationsResponse(slices.Collect(seq)))
}

// BBox handles GET /api/v1/spatial/bbox.
func (h *LocationHandler) BBox(c *gin.Context) {
	var req BBoxRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err, "Invalid query parameters")
		return
	}

	box := geometry.BBox{LonMin: *req.LonMin, LatMin: *req.LatMin, LonMax: *req.LonMax, LatMax: *req.LatMax}
	levels := make([]models.Level, 0, len(req.Levels))
	for _, l := range req.Levels {
		levels = append(levels, models.Level(l))
	}

	locs, err := h.spatial.ByBBox(c.Request.Context(), box, levels...)
	if err != nil {
		serviceError(c, err, "Failed to run bbox query")
		return
	}
	c.JSON(http.StatusOK, newLocationsResponse(locs))
}

// AtPoint handles GET /api/v1/spatial/point.
func (h *LocationHandler) AtPoint(c *gin.Context) {
	var req PointRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err, "Invalid query parameters")
		return
	}

	seq, err := h.spatial.ByLatLon(c.Request.Context(), *req.Lat, *req.Lon)
	if err != nil {
		serviceError(c, err, "Failed to run point query")
		return
	}
	c.JSON(http.StatusOK, newLocationsResponse(slices.Collect(seq)))
}

// Intersects handles POST /api/v1/spatial/intersects.
func (h *LocationHandler) Intersects(c *gin.Context) {
	var req IntersectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid intersects body")
		return
	}

	shape := req.Geometry.Geometry
	if strings.TrimSpace(req.WKT) != "" {
		var err error
		shape, err = h.engine.ParseWKT(req.WKT)
		if err != nil {
			if !errors.Is(err, geometry.ErrUnsupportedOperation) {
				err = &geometry.InvalidWKTError{Kind: geometry.ClassifyWKT(req.WKT), Err: err}
			}
			serviceError(c, err, "Failed to parse shape")
			return
		}
	}
	if shape == nil {
		apierrors.BadRequest(c, "wkt or geometry is required", nil)
		return
	}

	seq, err := h.spatial.ByShape(c.Request.Context(), shape)
	if err != nil {
		serviceError(c, err, "Failed to run intersection query")
		return
	}
	c.JSON(http.StatusOK, newLocationsResponse(slices.Collect(seq)))
}

// Bounds handles POST /api/v1/spatial/bounds.
func (h *LocationHandler) Bounds(c *gin.Context) {
	var req BoundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid bounds body")
		return
	}

	box, err := h.spatial.Bounds(c.Request.Context(), req.IDs)
	if err != nil {
		serviceError(c, err, "Failed to compute bounds")
		return
	}
	c.JSON(http.StatusOK, box)
}

// SetAllBounds handles POST /api/v1/admin/bounds.
func (h *LocationHandler) SetAllBounds(c *gin.Context) {
	n, err := h.spatial.SetAllBounds(c.Request.Context())
	if err != nil {
		serviceError(c, err, "Failed to set bounds")
		return
	}
	c.JSON(http.StatusOK, CountResponse{Updated: n})
}

// RebuildPaths handles POST /api/v1/admin/paths.
func (h *LocationHandler) RebuildPaths(c *gin.Context) {
	n, err := h.locations.RebuildPaths(c.Request.Context())
	if err != nil {
		serviceError(c, err, "Failed to rebuild paths")
		return
	}
	c.JSON(http.StatusOK, CountResponse{Updated: n})
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	apierrors "github.com/reliefmap/locus/internal/errors"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/services"
)

// LayerHandler renders registered feature resources as GeoJSON.
type LayerHandler struct {
	registry      *services.Registry
	sessionCookie string
}

// NewLayerHandler creates a new LayerHandler instance.
func NewLayerHandler(registry *services.Registry, sessionCookie string) *LayerHandler {
	return &LayerHandler{
		registry:      registry,
		sessionCookie: sessionCookie,
	}
}

// Register mounts the layer routes on rg.
func (h *LayerHandler) Register(rg *gin.RouterGroup) {
	layers := rg.Group("/layers")
	{
		layers.GET("", h.List)
		layers.GET("/:resource", h.Features)
	}
}

// LayerRequest represents the query parameters for the features endpoint.
// BBox is "lonMin,latMin,lonMax,latMax".
type LayerRequest struct {
	Level    string `form:"level" binding:"omitempty,oneof=L0 L1 L2 L3 L4 L5"`
	Category string `form:"category"`
	BBox     string `form:"bbox"`
	Shapes   bool   `form:"shapes"`
}

// ResourcesResponse lists the registered resources.
type ResourcesResponse struct {
	Resources []services.ResourceID `json:"resources"`
}

// List handles GET /api/v1/layers.
func (h *LayerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, ResourcesResponse{Resources: h.registry.Resources()})
}

// Features handles GET /api/v1/layers/:resource. Features are points at
// their resolved coordinates unless shapes=true asks for the stored WKT.
func (h *LayerHandler) Features(c *gin.Context) {
	var req LayerRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err, "Invalid query parameters")
		return
	}

	filter := services.FeatureFilter{
		Level:    models.Level(req.Level),
		Category: req.Category,
	}
	if req.BBox != "" {
		box, err := parseBBoxParam(req.BBox)
		if err != nil {
			apierrors.BadRequest(c, "bbox must be lonMin,latMin,lonMax,latMax", map[string]interface{}{
				"bbox": req.BBox,
			})
			return
		}
		filter.BBox = &box
	}

	ctx := sessionContext(c, h.sessionCookie)
	features, err := h.registry.FeatureLayer(ctx, services.ResourceID(c.Param("resource")), filter)
	if err != nil {
		serviceError(c, err, "Failed to load layer")
		return
	}

	c.JSON(http.StatusOK, toFeatureCollection(features, req.Shapes))
}

func parseBBoxParam(s string) (geometry.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geometry.BBox{}, services.ErrInvalidBBox
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.BBox{}, services.ErrInvalidBBox
		}
		v[i] = f
	}
	box := geometry.BBox{LonMin: v[0], LatMin: v[1], LonMax: v[2], LatMax: v[3]}
	if !box.Valid() {
		return geometry.BBox{}, services.ErrInvalidBBox
	}
	return box, nil
}

func toFeatureCollection(features []services.MapFeature, shapes bool) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		var g orb.Geometry = orb.Point{f.Lon, f.Lat}
		if shapes && f.WKT != "" {
			if parsed, err := wkt.Unmarshal(f.WKT); err == nil {
				g = parsed
			}
		}

		feature := geojson.NewFeature(g)
		feature.ID = f.ID
		feature.Properties["name"] = f.Name
		feature.Properties["featureType"] = f.Type.String()
		if f.Category != "" {
			feature.Properties["category"] = f.Category
		}
		if f.Marker.Image != "" {
			feature.Properties["marker"] = f.Marker.Image
			feature.Properties["markerHeight"] = f.Marker.Height
			feature.Properties["markerWidth"] = f.Marker.Width
		}
		fc.Append(feature)
	}
	return fc
}

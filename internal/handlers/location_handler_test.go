package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefmap/locus/internal/config"
	apierrors "github.com/reliefmap/locus/internal/errors"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/middleware"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

type handlerFixture struct {
	router    *gin.Engine
	repo      repository.LocationRepository
	locations services.LocationService
	hierarchy services.HierarchyService
}

// newHandlerFixture wires the location routes over the in-memory repository.
func newHandlerFixture(t *testing.T, engine geometry.Engine) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Nop()
	gis := config.DefaultGIS()
	repo := repository.NewMemoryRepository()
	locations := services.NewLocationService(repo, engine, gis, log)
	hierarchy := services.NewHierarchyService(repo, gis, log)
	spatial := services.NewSpatialService(repo, engine, gis, nil, log)

	return &handlerFixture{
		router:    newTestRouter(log, NewLocationHandler(locations, hierarchy, spatial, engine)),
		repo:      repo,
		locations: locations,
		hierarchy: hierarchy,
	}
}

type registrar interface {
	Register(rg *gin.RouterGroup)
}

func newTestRouter(log *logger.Logger, handlers ...registrar) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, "session_id"))

	v1 := router.Group("/api/v1")
	for _, h := range handlers {
		h.Register(v1)
	}
	return router
}

func (f *handlerFixture) create(t *testing.T, name string, level models.Level, parent *models.Location, lat, lon *float64) *models.Location {
	t.Helper()
	in := services.LocationInput{Name: name, Level: level, Geometry: geometry.Input{Lat: lat, Lon: lon}}
	if parent != nil {
		in.ParentID = &parent.ID
	}
	loc, err := f.locations.Create(context.Background(), in)
	require.NoError(t, err)
	return loc
}

func doRequest(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return serve(router, req)
}

func newCookieRequest(method, path, cookieName, value string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: value})
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apierrors.ErrorResponse](t, w).Error.Code
}

func locationNames(resp LocationsResponse) []string {
	names := make([]string, 0, len(resp.Locations))
	for _, l := range resp.Locations {
		names = append(names, l.Name)
	}
	return names
}

func TestLocationHandler_Create(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	root := f.create(t, "Sri Lanka", models.L0, nil, nil, nil)

	tests := []struct {
		name           string
		body           map[string]interface{}
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "point under a parent",
			body:           map[string]interface{}{"name": "Colombo", "level": "L1", "parentId": root.ID, "lat": 6.9, "lon": 79.8},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "polygon",
			body:           map[string]interface{}{"name": "Zone", "wkt": "POLYGON((0 0, 2 0, 2 2, 0 2, 0 0))"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing name",
			body:           map[string]interface{}{"lat": 1, "lon": 1},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrValidation,
		},
		{
			name:           "unknown level",
			body:           map[string]interface{}{"name": "Deep", "level": "L9"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrValidation,
		},
		{
			name:           "latitude out of range",
			body:           map[string]interface{}{"name": "Pole", "lat": 91, "lon": 0},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrValidation,
		},
		{
			name:           "latitude without longitude",
			body:           map[string]interface{}{"name": "Half", "lat": 1},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrBadRequest,
		},
		{
			name:           "invalid wkt",
			body:           map[string]interface{}{"name": "Broken", "wkt": "POLYGON((0 0, 1"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrBadRequest,
		},
		{
			name:           "unknown parent",
			body:           map[string]interface{}{"name": "Orphan", "level": "L1", "parentId": 999, "lat": 1, "lon": 1},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apierrors.ErrBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(f.router, http.MethodPost, "/api/v1/locations", tt.body)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, errorCode(t, w))
				return
			}
			resp := decode[LocationResponse](t, w)
			require.NotNil(t, resp.Location)
			assert.NotZero(t, resp.Location.ID)
			assert.NotEmpty(t, resp.Location.Path)
		})
	}

	t.Run("path under the parent", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPost, "/api/v1/locations",
			map[string]interface{}{"name": "Kandy", "level": "L1", "parentId": root.ID, "lat": 0, "lon": 0})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		loc := decode[LocationResponse](t, w).Location
		assert.Equal(t, fmt.Sprintf("%d/%d", root.ID, loc.ID), loc.Path)
		require.NotNil(t, loc.Lat)
		assert.Equal(t, 0.0, *loc.Lat)
	})
}

func TestLocationHandler_GetAndDelete(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	uuid := "geo.test/well-1"
	loc, err := f.locations.Create(context.Background(), services.LocationInput{
		Name:     "Well",
		UUID:     &uuid,
		Geometry: geometry.Input{Lat: models.Float64Ptr(1), Lon: models.Float64Ptr(2)},
	})
	require.NoError(t, err)
	path := fmt.Sprintf("/api/v1/locations/%d", loc.ID)

	w := doRequest(f.router, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Well", decode[LocationResponse](t, w).Location.Name)

	w = doRequest(f.router, http.MethodGet, "/api/v1/locations?uuid="+uuid, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, loc.ID, decode[LocationResponse](t, w).Location.ID)

	w = doRequest(f.router, http.MethodGet, "/api/v1/locations", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/locations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/locations/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierrors.ErrNotFound, errorCode(t, w))

	w = doRequest(f.router, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(f.router, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLocationHandler_Hierarchy(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	root := f.create(t, "Root", models.L0, nil, nil, nil)
	province := f.create(t, "Province", models.L1, root, models.Float64Ptr(6), models.Float64Ptr(80))
	district := f.create(t, "District", models.L2, province, nil, nil)
	f.create(t, "Village", models.L3, district, nil, nil)
	lost := f.create(t, "Lost", models.L1, root, nil, nil)

	w := doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/ancestors", district.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"Province", "Root"}, locationNames(decode[LocationsResponse](t, w)))

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/descendants", province.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []string{"District", "Village"}, locationNames(decode[LocationsResponse](t, w)))

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/children", root.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LocationsResponse](t, w)
	assert.Equal(t, 2, resp.Count)
	assert.ElementsMatch(t, []string{"Province", "Lost"}, locationNames(resp))

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/latlon", district.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.LatLon{Lat: 6, Lon: 80, SourceID: province.ID}, decode[models.LatLon](t, w))

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/latlon", lost.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/locations/999/descendants", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLocationHandler_Bearing(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	south := f.create(t, "South", models.LevelNone, nil, models.Float64Ptr(0), models.Float64Ptr(10))
	north := f.create(t, "North", models.LevelNone, nil, models.Float64Ptr(1), models.Float64Ptr(10))
	nowhere := f.create(t, "Nowhere", models.L1, nil, nil, nil)

	w := doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/bearing/%d", south.ID, north.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[BearingResponse](t, w)
	assert.InDelta(t, 0, resp.Bearing, 1e-9)
	assert.InDelta(t, 111_319, resp.Distance, 10)
	assert.Equal(t, north.ID, resp.To.SourceID)

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/bearing/%d", north.ID, south.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 180, decode[BearingResponse](t, w).Bearing, 1e-9)

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/bearing/%d", south.ID, nowhere.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/bearing/x", south.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocationHandler_Move(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	a := f.create(t, "A", models.L0, nil, nil, nil)
	b := f.create(t, "B", models.L1, a, nil, nil)
	c := f.create(t, "C", models.L0, nil, nil, nil)

	t.Run("cycle is rejected", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPut, fmt.Sprintf("/api/v1/locations/%d/parent", a.ID),
			map[string]interface{}{"parentId": b.ID, "level": "L2"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, apierrors.ErrConflict, errorCode(t, w))
	})

	t.Run("move re-roots the path", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPut, fmt.Sprintf("/api/v1/locations/%d/parent", b.ID),
			map[string]interface{}{"parentId": c.ID, "level": "L1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, fmt.Sprintf("%d/%d", c.ID, b.ID), decode[LocationResponse](t, w).Location.Path)
	})

	t.Run("bad level", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPut, fmt.Sprintf("/api/v1/locations/%d/parent", b.ID),
			map[string]interface{}{"parentId": c.ID, "level": "country"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrValidation, errorCode(t, w))
	})
}

func TestLocationHandler_UpdateGeometry(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	loc := f.create(t, "Camp", models.LevelNone, nil, models.Float64Ptr(1), models.Float64Ptr(1))
	path := fmt.Sprintf("/api/v1/locations/%d/geometry", loc.ID)

	w := doRequest(f.router, http.MethodPut, path, map[string]interface{}{"wkt": "POLYGON((0 0, 4 0, 4 4, 0 4, 0 0))"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[LocationResponse](t, w).Location
	assert.Equal(t, geometry.TypePolygon, updated.FeatureType)
	require.NotNil(t, updated.Lat)
	assert.InDelta(t, 2.0, *updated.Lat, 1e-9)

	w = doRequest(f.router, http.MethodPut, path, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocationHandler_Spatial(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	a := f.create(t, "A", models.LevelNone, nil, models.Float64Ptr(1), models.Float64Ptr(2))
	b := f.create(t, "B", models.LevelNone, nil, models.Float64Ptr(3), models.Float64Ptr(4))
	_, err := f.locations.Create(context.Background(), services.LocationInput{
		Name:     "Zone",
		Level:    models.L1,
		Geometry: geometry.Input{WKT: "POLYGON((0 0, 5 0, 5 5, 0 5, 0 0))"},
	})
	require.NoError(t, err)

	t.Run("bbox", func(t *testing.T) {
		w := doRequest(f.router, http.MethodGet, "/api/v1/spatial/bbox?lonMin=0&latMin=0&lonMax=2.5&latMax=2", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []string{"A", "Zone"}, locationNames(decode[LocationsResponse](t, w)))

		w = doRequest(f.router, http.MethodGet, "/api/v1/spatial/bbox?lonMin=0&latMin=0&lonMax=10&latMax=10&level=L1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"Zone"}, locationNames(decode[LocationsResponse](t, w)))

		w = doRequest(f.router, http.MethodGet, "/api/v1/spatial/bbox?lonMin=5&latMin=0&lonMax=1&latMax=1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doRequest(f.router, http.MethodGet, "/api/v1/spatial/bbox?lonMin=0&latMin=0", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrValidation, errorCode(t, w))
	})

	t.Run("point", func(t *testing.T) {
		w := doRequest(f.router, http.MethodGet, "/api/v1/spatial/point?lat=4.5&lon=0.5", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []string{"Zone"}, locationNames(decode[LocationsResponse](t, w)))
	})

	t.Run("intersects", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects",
			map[string]interface{}{"wkt": "POLYGON((3.5 2.5, 4.5 2.5, 4.5 3.5, 3.5 3.5, 3.5 2.5))"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.ElementsMatch(t, []string{"B", "Zone"}, locationNames(decode[LocationsResponse](t, w)))

		w = doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects", map[string]interface{}{"wkt": "POINT(1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("intersects geojson", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects", map[string]interface{}{
			"geometry": map[string]interface{}{
				"type":        "Polygon",
				"coordinates": [][][]float64{{{3.5, 2.5}, {4.5, 2.5}, {4.5, 3.5}, {3.5, 3.5}, {3.5, 2.5}}},
			},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.ElementsMatch(t, []string{"B", "Zone"}, locationNames(decode[LocationsResponse](t, w)))

		w = doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects", map[string]interface{}{"geometry": "CIRCLE(1 2)"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("intersecting a stored feature", func(t *testing.T) {
		w := doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/intersecting", a.ID), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []string{"Zone"}, locationNames(decode[LocationsResponse](t, w)))
	})

	t.Run("bounds", func(t *testing.T) {
		w := doRequest(f.router, http.MethodPost, "/api/v1/spatial/bounds", map[string]interface{}{"ids": []int64{a.ID, b.ID}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, geometry.BBox{LonMin: 2, LatMin: 1, LonMax: 4, LatMax: 3}, decode[geometry.BBox](t, w))

		w = doRequest(f.router, http.MethodPost, "/api/v1/spatial/bounds", map[string]interface{}{"ids": []int64{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLocationHandler_WithoutEngine(t *testing.T) {
	f := newHandlerFixture(t, geometry.Unavailable())
	loc := f.create(t, "A", models.LevelNone, nil, models.Float64Ptr(1), models.Float64Ptr(2))

	w := doRequest(f.router, http.MethodPost, "/api/v1/spatial/intersects", map[string]interface{}{"wkt": "POINT(2 1)"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, apierrors.ErrNotImplemented, errorCode(t, w))

	w = doRequest(f.router, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d/intersecting", loc.ID), nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/spatial/bbox?lonMin=0&latMin=0&lonMax=3&latMax=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"A"}, locationNames(decode[LocationsResponse](t, w)))
}

func TestLocationHandler_Admin(t *testing.T) {
	f := newHandlerFixture(t, geometry.NewOrbEngine())
	root := f.create(t, "Root", models.L0, nil, nil, nil)
	child := f.create(t, "Child", models.L1, root, nil, nil)
	f.create(t, "Grandchild", models.L2, child, nil, nil)

	w := doRequest(f.router, http.MethodPost, "/api/v1/admin/paths", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, CountResponse{Updated: 3}, decode[CountResponse](t, w))

	require.NoError(t, f.repo.Insert(context.Background(), &models.Location{
		Name: "Unbounded",
		Lat:  models.Float64Ptr(5),
		Lon:  models.Float64Ptr(5),
	}))
	w = doRequest(f.router, http.MethodPost, "/api/v1/admin/bounds", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, CountResponse{Updated: 1}, decode[CountResponse](t, w))
}

// brokenLocations fails every read with a storage error.
type brokenLocations struct {
	services.LocationService
}

func (brokenLocations) Get(context.Context, int64) (*models.Location, error) {
	return nil, errors.New("connection reset by peer")
}

func TestLocationHandler_InternalError(t *testing.T) {
	log := logger.Nop()
	router := newTestRouter(log, NewLocationHandler(brokenLocations{}, nil, nil, geometry.NewOrbEngine()))

	w := doRequest(router, http.MethodGet, "/api/v1/locations/1", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[apierrors.ErrorResponse](t, w)
	assert.Equal(t, apierrors.ErrInternalServer, resp.Error.Code)
	assert.Equal(t, "Failed to load location", resp.Error.Message)
	assert.NotContains(t, w.Body.String(), "connection reset")
	assert.NotEmpty(t, resp.Error.RequestID)
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apierrors "github.com/reliefmap/locus/internal/errors"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/middleware"
)

// FeedHandler serves the configured remote feed layers.
type FeedHandler struct {
	pipeline      *feeds.Pipeline
	layers        []feeds.Layer
	sessionCookie string
}

// NewFeedHandler creates a new FeedHandler. sessionCookie names the cookie
// forwarded to same-origin feed URLs; empty disables forwarding.
func NewFeedHandler(pipeline *feeds.Pipeline, layers []feeds.Layer, sessionCookie string) *FeedHandler {
	return &FeedHandler{
		pipeline:      pipeline,
		layers:        layers,
		sessionCookie: sessionCookie,
	}
}

// Register mounts the feed routes on rg.
func (h *FeedHandler) Register(rg *gin.RouterGroup) {
	feedRoutes := rg.Group("/feeds")
	{
		feedRoutes.GET("", h.List)
		feedRoutes.GET("/:name", h.Get)
		feedRoutes.GET("/:name/cache", h.Cache)
	}
}

// FeedsResponse is the response of GET /api/v1/feeds.
type FeedsResponse struct {
	Layers []feeds.LayerDescriptor `json:"layers"`
	Count  int                     `json:"count"`
}

// sessionContext attaches the caller's session cookie, when present, to the
// request context.
func sessionContext(c *gin.Context, cookieName string) context.Context {
	ctx := c.Request.Context()
	if cookieName == "" {
		return ctx
	}
	if session, err := c.Cookie(cookieName); err == nil && session != "" {
		ctx = feeds.WithSession(ctx, session)
	}
	return ctx
}

func (h *FeedHandler) layer(name string) (feeds.Layer, bool) {
	for _, l := range h.layers {
		if l.Name == name {
			return l, true
		}
	}
	return feeds.Layer{}, false
}

// List handles GET /api/v1/feeds. Every configured layer is fetched; a
// layer that fails shows up with its warnings instead of failing the request.
func (h *FeedHandler) List(c *gin.Context) {
	descs := h.pipeline.Layers(sessionContext(c, h.sessionCookie), h.layers)

	if log := middleware.GetLogger(c); log != nil {
		inaccessible := 0
		for i := range descs {
			if !descs[i].Accessible() {
				inaccessible++
			}
		}
		log.Info("Feed layers fetched", map[string]interface{}{
			"layers":       len(descs),
			"inaccessible": inaccessible,
		})
	}

	c.JSON(http.StatusOK, FeedsResponse{Layers: descs, Count: len(descs)})
}

// Get handles GET /api/v1/feeds/:name.
func (h *FeedHandler) Get(c *gin.Context) {
	layer, ok := h.layer(c.Param("name"))
	if !ok {
		apierrors.NotFound(c, "Feed layer not configured")
		return
	}

	desc := h.pipeline.Layer(sessionContext(c, h.sessionCookie), layer)
	c.Set(middleware.FeedCacheStateKey, string(desc.CacheState))
	c.Header(middleware.FeedCacheStateHeader, string(desc.CacheState))
	c.JSON(http.StatusOK, desc)
}

// Cache handles GET /api/v1/feeds/:name/cache. It never fetches.
func (h *FeedHandler) Cache(c *gin.Context) {
	layer, ok := h.layer(c.Param("name"))
	if !ok {
		apierrors.NotFound(c, "Feed layer not configured")
		return
	}

	desc, err := h.pipeline.Cached(c.Request.Context(), layer)
	if err != nil {
		apierrors.InternalServerError(c, "Failed to read feed cache", err)
		return
	}
	if desc == nil {
		apierrors.NotFound(c, "Feed layer has not been cached yet")
		return
	}
	c.JSON(http.StatusOK, desc)
}

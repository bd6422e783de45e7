package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefmap/locus/internal/cache"
	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/middleware"
)

const campsKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Placemark><name>Camp</name><Point><coordinates>80.5,6.25,0</coordinates></Point></Placemark>
  </Document>
</kml>`

// stubTransport serves fixed bodies and remembers the cookies it was given.
type stubTransport struct {
	mu      sync.Mutex
	bodies  map[string]string
	cookies map[string]*http.Cookie
}

func newStubTransport(bodies map[string]string) *stubTransport {
	return &stubTransport{bodies: bodies, cookies: map[string]*http.Cookie{}}
}

func (s *stubTransport) Get(_ context.Context, url string, cookie *http.Cookie) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[url] = cookie
	body, ok := s.bodies[url]
	if !ok {
		return nil, &feeds.HTTPStatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return []byte(body), nil
}

func (s *stubTransport) cookie(url string) *http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies[url]
}

func newFeedPipeline(transport feeds.Transport, cfg config.FeedsConfig) (*feeds.Pipeline, *cache.MemoryFeedCache) {
	log := logger.Nop()
	fetcher := feeds.NewFetcher(transport, feeds.FetcherConfig{
		PublicURL:         cfg.PublicURL,
		SessionCookieName: cfg.SessionCookieName,
		MaxLinkHops:       cfg.MaxLinkHops,
	}, log)
	store := cache.NewMemoryFeedCache(0)
	return feeds.NewPipeline(fetcher, store, cfg, geometry.NewOrbEngine(), nil, log), store
}

func TestFeedHandler(t *testing.T) {
	cfg := config.DefaultFeeds()
	cfg.PublicURL = "http://locus.test"
	camps := feeds.Layer{Kind: feeds.KindKML, Name: "camps", URL: "http://locus.test/feeds/camps.kml"}
	roads := feeds.Layer{Kind: feeds.KindGPX, Name: "roads", URL: "http://feeds.test/roads.gpx"}

	transport := newStubTransport(map[string]string{camps.URL: campsKML})
	pipeline, store := newFeedPipeline(transport, cfg)
	router := newTestRouter(logger.Nop(), NewFeedHandler(pipeline, []feeds.Layer{camps, roads}, cfg.SessionCookieName))

	t.Run("cache is empty before any fetch", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/feeds/camps/cache", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("list fetches every layer", func(t *testing.T) {
		req := newCookieRequest(http.MethodGet, "/api/v1/feeds", cfg.SessionCookieName, "s3cr3t")
		w := serve(router, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[FeedsResponse](t, w)
		require.Equal(t, 2, resp.Count)

		assert.Equal(t, "camps", resp.Layers[0].Name)
		assert.Equal(t, feeds.CacheFresh, resp.Layers[0].CacheState)
		require.Len(t, resp.Layers[0].Features, 1)
		assert.Equal(t, "Camp", resp.Layers[0].Features[0].Name)

		assert.Equal(t, "roads", resp.Layers[1].Name)
		assert.Equal(t, feeds.CacheInaccessible, resp.Layers[1].CacheState)
		assert.True(t, feeds.HasWarning(resp.Layers[1].Warnings, feeds.WarnInaccessible))
		assert.Empty(t, resp.Layers[1].Features)

		// only the locally served feed sees the caller's session
		require.NotNil(t, transport.cookie(camps.URL))
		assert.Equal(t, "s3cr3t", transport.cookie(camps.URL).Value)
		assert.Nil(t, transport.cookie(roads.URL))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("failed fetch falls back to the cache", func(t *testing.T) {
		delete(transport.bodies, camps.URL)

		w := doRequest(router, http.MethodGet, "/api/v1/feeds/camps", nil)
		require.Equal(t, http.StatusOK, w.Code)

		desc := decode[feeds.LayerDescriptor](t, w)
		assert.Equal(t, feeds.CacheStale, desc.CacheState)
		assert.Equal(t, "stale", w.Header().Get(middleware.FeedCacheStateHeader))
		assert.True(t, feeds.HasWarning(desc.Warnings, feeds.WarnStaleCache))
		assert.True(t, feeds.HasWarning(desc.Warnings, feeds.WarnHTTPStatusError))
		assert.Len(t, desc.Features, 1)
	})

	t.Run("cached copy", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/feeds/camps/cache", nil)
		require.Equal(t, http.StatusOK, w.Code)
		desc := decode[feeds.LayerDescriptor](t, w)
		assert.Equal(t, feeds.CacheStale, desc.CacheState)
		assert.NotNil(t, desc.ModifiedOn)
	})

	t.Run("unknown layer", func(t *testing.T) {
		w := doRequest(router, http.MethodGet, "/api/v1/feeds/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = doRequest(router, http.MethodGet, "/api/v1/feeds/nope/cache", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

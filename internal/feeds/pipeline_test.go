package feeds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/models"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*models.FeedCacheEntry
	puts    int
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*models.FeedCacheEntry{}}
}

func (c *fakeCache) Get(_ context.Context, name string) (*models.FeedCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	e, ok := c.entries[name]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (c *fakeCache) Put(_ context.Context, entry *models.FeedCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	cp := *entry
	c.entries[entry.Name] = &cp
	return nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPipeline(t *testing.T, tr Transport, cache CacheStore, m *metrics.Metrics) *Pipeline {
	t.Helper()
	cfg := config.DefaultFeeds()
	p := NewPipeline(testFetcher(t, tr, cfg.MaxLinkHops), cache, cfg, geometry.NewOrbEngine(), m, logger.Nop())
	p.now = func() time.Time { return fixedNow }
	return p
}

var campLayer = Layer{Kind: KindKML, Name: "camps", URL: "http://feeds.test/camps.kml"}

func TestPipeline_FreshFetchIsCached(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies[campLayer.URL] = []byte(placemarkKML)
	cache := newFakeCache()

	desc := testPipeline(t, tr, cache, nil).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheFresh, desc.CacheState)
	assert.Empty(t, desc.Warnings)
	require.Len(t, desc.Features, 1)
	assert.Equal(t, "Camp", desc.Features[0].Name)
	assert.Equal(t, 1, cache.puts)
	assert.Equal(t, []byte(placemarkKML), cache.entries["camps"].Payload)
	assert.Equal(t, fixedNow, cache.entries["camps"].ModifiedOn)
}

func TestPipeline_FailedFetchServesStaleCache(t *testing.T) {
	tr := newFakeTransport()
	tr.errs[campLayer.URL] = &ConnectionError{URL: campLayer.URL, Err: errors.New("timeout")}
	cache := newFakeCache()
	cache.entries["camps"] = &models.FeedCacheEntry{
		Name:       "camps",
		URL:        campLayer.URL,
		Payload:    []byte(placemarkKML),
		ModifiedOn: fixedNow.Add(-2 * time.Hour),
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	desc := testPipeline(t, tr, cache, m).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheStale, desc.CacheState)
	assert.True(t, HasWarning(desc.Warnings, WarnConnectionError))
	require.True(t, HasWarning(desc.Warnings, WarnStaleCache))
	for _, w := range desc.Warnings {
		if w.Kind == WarnStaleCache {
			assert.Equal(t, 2*time.Hour, w.Age)
		}
	}
	require.Len(t, desc.Features, 1)
	assert.Equal(t, 0, cache.puts)
	assert.Equal(t, fixedNow.Add(-2*time.Hour), cache.entries["camps"].ModifiedOn)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheFallbacks.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedFetches.WithLabelValues("kml", "failed")))
}

func TestPipeline_LinkLoopKeepsCachedCopy(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies[campLayer.URL] = networkLinkKML(campLayer.URL)
	cache := newFakeCache()
	cache.entries["camps"] = &models.FeedCacheEntry{
		Name:       "camps",
		URL:        campLayer.URL,
		Payload:    []byte(placemarkKML),
		ModifiedOn: fixedNow.Add(-time.Hour),
	}
	m := metrics.New(prometheus.NewRegistry())

	desc := testPipeline(t, tr, cache, m).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheStale, desc.CacheState)
	assert.True(t, HasWarning(desc.Warnings, WarnLinkLoop))
	assert.True(t, HasWarning(desc.Warnings, WarnStaleCache))
	require.Len(t, desc.Features, 1)
	assert.Equal(t, "Camp", desc.Features[0].Name)
	assert.Equal(t, 0, cache.puts)
	assert.Equal(t, []byte(placemarkKML), cache.entries["camps"].Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedFetches.WithLabelValues("kml", "failed")))
}

func TestPipeline_FailedFetchWithoutCacheIsInaccessible(t *testing.T) {
	tr := newFakeTransport()
	cache := newFakeCache()

	desc := testPipeline(t, tr, cache, nil).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheInaccessible, desc.CacheState)
	assert.False(t, desc.Accessible())
	assert.True(t, HasWarning(desc.Warnings, WarnHTTPStatusError))
	assert.True(t, HasWarning(desc.Warnings, WarnInaccessible))
	assert.Empty(t, desc.Features)
	assert.Nil(t, desc.ModifiedOn)
	assert.Equal(t, 0, cache.puts)
}

func TestPipeline_CacheReadErrorIsInaccessible(t *testing.T) {
	tr := newFakeTransport()
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")

	desc := testPipeline(t, tr, cache, nil).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheInaccessible, desc.CacheState)
}

func TestPipeline_ParseFailureKeepsLayer(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies[campLayer.URL] = []byte("<kml><Placemark>")
	cache := newFakeCache()

	desc := testPipeline(t, tr, cache, nil).Layer(context.Background(), campLayer)

	assert.Equal(t, CacheFresh, desc.CacheState)
	assert.True(t, HasWarning(desc.Warnings, WarnParseError))
	assert.Empty(t, desc.Features)
}

func TestPipeline_LayersKeepsOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/a.kml"] = []byte(placemarkKML)
	tr.bodies["http://feeds.test/c.kml"] = []byte(placemarkKML)
	layers := LayersFromConfig([]config.FeedLayer{
		{Kind: "kml", Name: "a", URL: "http://feeds.test/a.kml"},
		{Kind: "kml", Name: "b", URL: "http://feeds.test/b.kml"},
		{Kind: "kml", Name: "c", URL: "http://feeds.test/c.kml"},
	})

	out := testPipeline(t, tr, newFakeCache(), nil).Layers(context.Background(), layers)

	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, CacheFresh, out[0].CacheState)
	assert.Equal(t, "b", out[1].Name)
	assert.Equal(t, CacheInaccessible, out[1].CacheState)
	assert.Equal(t, "c", out[2].Name)
}

func TestPipeline_Cached(t *testing.T) {
	cache := newFakeCache()
	p := testPipeline(t, newFakeTransport(), cache, nil)

	desc, err := p.Cached(context.Background(), campLayer)
	require.NoError(t, err)
	assert.Nil(t, desc)

	cache.entries["camps"] = &models.FeedCacheEntry{Name: "camps", Payload: []byte(placemarkKML), ModifiedOn: fixedNow}
	desc, err = p.Cached(context.Background(), campLayer)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, CacheStale, desc.CacheState)
	assert.Len(t, desc.Features, 1)
}

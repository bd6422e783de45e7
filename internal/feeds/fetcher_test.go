package feeds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefmap/locus/internal/logger"
)

type fakeTransport struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	errs    map[string]error
	calls   []string
	cookies []*http.Cookie
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bodies: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeTransport) Get(_ context.Context, url string, cookie *http.Cookie) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	f.cookies = append(f.cookies, cookie)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if body, ok := f.bodies[url]; ok {
		return body, nil
	}
	return nil, &HTTPStatusError{URL: url, StatusCode: http.StatusNotFound}
}

func networkLinkKML(href string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <NetworkLink><name>next</name><Link><href>%s</href></Link></NetworkLink>
  </Document>
</kml>`, href))
}

const placemarkKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Placemark><name>Camp</name><Point><coordinates>80.5,6.25,0</coordinates></Point></Placemark>
  </Document>
</kml>`

func testFetcher(t *testing.T, tr Transport, hops int) *Fetcher {
	t.Helper()
	return NewFetcher(tr, FetcherConfig{
		PublicURL:         "http://locus.test",
		SessionCookieName: "session_id",
		MaxLinkHops:       hops,
	}, logger.Nop())
}

func TestFetch_PlainFeed(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/a.gpx"] = []byte("<gpx/>")

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindGPX, "http://feeds.test/a.gpx")

	require.True(t, res.OK())
	assert.Equal(t, []byte("<gpx/>"), res.Payload)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 0, res.Hops)
}

func TestFetch_SelfLinkTerminatesWithLinkLoop(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/loop.kml"] = networkLinkKML("http://feeds.test/loop.kml")

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindKML, "http://feeds.test/loop.kml")

	assert.False(t, res.OK())
	assert.Nil(t, res.Payload)
	assert.True(t, HasWarning(res.Warnings, WarnLinkLoop))
	assert.Equal(t, 0, res.Hops)
	assert.Len(t, tr.calls, 1)
}

func TestFetch_LinkChainStopsAtHopLimit(t *testing.T) {
	tr := newFakeTransport()
	for i := 0; i < 6; i++ {
		tr.bodies[fmt.Sprintf("http://feeds.test/%d.kml", i)] = networkLinkKML(fmt.Sprintf("%d.kml", i+1))
	}

	res := testFetcher(t, tr, 2).Fetch(context.Background(), KindKML, "http://feeds.test/0.kml")

	assert.False(t, res.OK())
	assert.Equal(t, 2, res.Hops)
	assert.True(t, HasWarning(res.Warnings, WarnLinkLoop))
	assert.Equal(t, []string{"http://feeds.test/0.kml", "http://feeds.test/1.kml", "http://feeds.test/2.kml"}, tr.calls)
	assert.Equal(t, "http://feeds.test/2.kml", res.FinalURL)
}

func TestFetch_FollowsRelativeLink(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/dir/root.kml"] = networkLinkKML("leaf.kml")
	tr.bodies["http://feeds.test/dir/leaf.kml"] = []byte(placemarkKML)

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindKML, "http://feeds.test/dir/root.kml")

	require.True(t, res.OK())
	assert.Equal(t, 1, res.Hops)
	assert.Equal(t, []byte(placemarkKML), res.Payload)
	assert.Empty(t, res.Warnings)
}

func TestFetch_FailuresBecomeWarnings(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want WarningKind
	}{
		{"status", &HTTPStatusError{URL: "http://feeds.test/x", StatusCode: 503}, WarnHTTPStatusError},
		{"connection", &ConnectionError{URL: "http://feeds.test/x", Err: errors.New("refused")}, WarnConnectionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			tr.errs["http://feeds.test/x"] = tt.err

			res := testFetcher(t, tr, 5).Fetch(context.Background(), KindGeoRSS, "http://feeds.test/x")

			assert.False(t, res.OK())
			require.Len(t, res.Warnings, 1)
			assert.Equal(t, tt.want, res.Warnings[0].Kind)
		})
	}
}

func TestFetch_UnwrapsKMZ(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("images/readme.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("not kml"))
	w, err = zw.Create("doc.kml")
	require.NoError(t, err)
	_, _ = w.Write([]byte(placemarkKML))
	require.NoError(t, zw.Close())

	tr := newFakeTransport()
	tr.bodies["http://feeds.test/a.kmz"] = buf.Bytes()

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindKML, "http://feeds.test/a.kmz")

	require.True(t, res.OK())
	assert.Equal(t, []byte(placemarkKML), res.Payload)
}

func TestFetch_CorruptArchive(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/a.kmz"] = append([]byte("PK\x03\x04"), []byte("garbage")...)

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindKML, "http://feeds.test/a.kmz")

	assert.False(t, res.OK())
	assert.True(t, HasWarning(res.Warnings, WarnArchiveError))
}

func TestFetch_OverlaysWarn(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://feeds.test/o.kml"] = []byte(`<kml><Document>
  <GroundOverlay><name>g</name></GroundOverlay>
  <ScreenOverlay><name>s</name></ScreenOverlay>
</Document></kml>`)

	res := testFetcher(t, tr, 5).Fetch(context.Background(), KindKML, "http://feeds.test/o.kml")

	require.True(t, res.OK())
	assert.True(t, HasWarning(res.Warnings, WarnGroundOverlay))
	assert.True(t, HasWarning(res.Warnings, WarnScreenOverlay))
}

func TestFetch_SessionCookieOnlyForLocalFeeds(t *testing.T) {
	tr := newFakeTransport()
	tr.bodies["http://locus.test/feeds/1.gpx"] = []byte("<gpx/>")
	tr.bodies["http://elsewhere.test/1.gpx"] = []byte("<gpx/>")
	f := testFetcher(t, tr, 5)
	ctx := WithSession(context.Background(), "abc123")

	f.Fetch(ctx, KindGPX, "http://locus.test/feeds/1.gpx")
	f.Fetch(ctx, KindGPX, "http://elsewhere.test/1.gpx")

	require.Len(t, tr.cookies, 2)
	require.NotNil(t, tr.cookies[0])
	assert.Equal(t, "session_id", tr.cookies[0].Name)
	assert.Equal(t, "abc123", tr.cookies[0].Value)
	assert.Nil(t, tr.cookies[1])
}

func TestUnwrap(t *testing.T) {
	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("<rss/>"))
		require.NoError(t, zw.Close())

		out, unwrapped, err := Unwrap(buf.Bytes(), "", 0)
		require.NoError(t, err)
		assert.True(t, unwrapped)
		assert.Equal(t, []byte("<rss/>"), out)
	})

	t.Run("passthrough", func(t *testing.T) {
		out, unwrapped, err := Unwrap([]byte("<rss/>"), "", 0)
		require.NoError(t, err)
		assert.False(t, unwrapped)
		assert.Equal(t, []byte("<rss/>"), out)
	})

	t.Run("empty zip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		_, err := zw.Create("dir/")
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		_, _, err = Unwrap(buf.Bytes(), "doc.kml", 0)
		assert.ErrorIs(t, err, ErrEmptyArchive)
	})

	t.Run("too large", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(bytes.Repeat([]byte("a"), 100))
		require.NoError(t, zw.Close())

		_, _, err := Unwrap(buf.Bytes(), "", 10)
		assert.Error(t, err)
	})
}

func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			c, err := r.Cookie("session_id")
			if err == nil {
				_, _ = w.Write([]byte("cookie:" + c.Value))
				return
			}
			_, _ = w.Write([]byte("anonymous"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2 * time.Second)
	ctx := context.Background()

	body, err := tr.Get(ctx, srv.URL+"/ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", string(body))

	body, err = tr.Get(ctx, srv.URL+"/ok", &http.Cookie{Name: "session_id", Value: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "cookie:s1", string(body))

	_, err = tr.Get(ctx, srv.URL+"/missing", nil)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()
	_, err = tr.Get(ctx, closedURL+"/ok", nil)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

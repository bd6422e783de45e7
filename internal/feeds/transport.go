package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxPayload caps a single download.
const DefaultMaxPayload = 32 << 20

// Transport performs a GET and distinguishes connection failures from
// unexpected status codes. cookie may be nil for an anonymous request.
type Transport interface {
	Get(ctx context.Context, url string, cookie *http.Cookie) ([]byte, error)
}

// ConnectionError means the request never produced a response.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPStatusError means the server answered with a non-2xx status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	Client     *http.Client
	MaxPayload int64
	UserAgent  string
}

// NewHTTPTransport creates an HTTPTransport whose client times out after
// timeout. Callers should still bound each call with a context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Client:     &http.Client{Timeout: timeout},
		MaxPayload: DefaultMaxPayload,
		UserAgent:  "locus-feeds/1.0",
	}
}

func (t *HTTPTransport) Get(ctx context.Context, url string, cookie *http.Cookie) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	limit := t.MaxPayload
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	if int64(len(body)) > limit {
		return nil, &ConnectionError{URL: url, Err: fmt.Errorf("payload larger than %d bytes", limit)}
	}
	return body, nil
}

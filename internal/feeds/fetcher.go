package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/reliefmap/locus/internal/logger"
)

// Kind is a supported feed format.
type Kind string

const (
	KindGeoRSS Kind = "georss"
	KindGPX    Kind = "gpx"
	KindKML    Kind = "kml"
)

// kmlMember is the canonical entry name inside a KMZ archive.
const kmlMember = "doc.kml"

// Result is the outcome of one fetch. Payload is nil when the fetch failed;
// Warnings collects problems from every hop.
type Result struct {
	Payload  []byte
	Warnings []Warning
	Hops     int
	FinalURL string
}

// OK reports whether a payload was produced.
func (r *Result) OK() bool {
	return r.Payload != nil
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// PublicURL is the base of feeds served by this deployment. Requests
	// rooted at it carry the caller's session cookie.
	PublicURL         string
	SessionCookieName string
	MaxLinkHops       int
	MaxPayload        int64
}

// Fetcher downloads a feed, unwraps archives and follows KML network links.
type Fetcher struct {
	transport Transport
	cfg       FetcherConfig
	log       *logger.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(transport Transport, cfg FetcherConfig, log *logger.Logger) *Fetcher {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &Fetcher{transport: transport, cfg: cfg, log: log.WithComponent("feed_fetcher")}
}

type sessionKey struct{}

// WithSession attaches the caller's session id to ctx so that fetches of
// locally served feeds are authenticated as that caller.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// cookieFor returns the session cookie when rawURL is rooted at PublicURL.
func (f *Fetcher) cookieFor(ctx context.Context, rawURL string) *http.Cookie {
	session := sessionFrom(ctx)
	if session == "" || f.cfg.PublicURL == "" || f.cfg.SessionCookieName == "" {
		return nil
	}
	if !strings.HasPrefix(rawURL, strings.TrimRight(f.cfg.PublicURL, "/")+"/") && rawURL != f.cfg.PublicURL {
		return nil
	}
	return &http.Cookie{Name: f.cfg.SessionCookieName, Value: session}
}

// Fetch runs the download state machine for one feed. It never returns an
// error: every failure is reported as a warning and a nil payload. A link
// loop or an exhausted hop budget counts as a failure.
func (f *Fetcher) Fetch(ctx context.Context, kind Kind, rawURL string) Result {
	res := Result{}
	seen := make(map[string]bool)
	current := rawURL

	for {
		seen[current] = true
		res.FinalURL = current

		payload, warn := f.download(ctx, kind, current)
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
			res.Payload = nil
			return res
		}

		if kind != KindKML {
			res.Payload = payload
			return res
		}

		scan, err := scanKML(payload)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnParseError, URL: current, Message: err.Error()})
		}
		if scan.groundOverlay {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnGroundOverlay, URL: current, Message: "ground overlays are not supported"})
		}
		if scan.screenOverlay {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnScreenOverlay, URL: current, Message: "screen overlays are not supported"})
		}
		res.Payload = payload

		if scan.link == "" {
			return res
		}
		next, err := resolveLink(current, scan.link)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Kind: WarnParseError, URL: current, Message: err.Error()})
			return res
		}
		if seen[next] || res.Hops >= f.cfg.MaxLinkHops {
			f.log.Warn("Network link not followed", map[string]interface{}{
				"url":  rawURL,
				"link": next,
				"hops": res.Hops,
			})
			res.Warnings = append(res.Warnings, Warning{
				Kind:    WarnLinkLoop,
				URL:     next,
				Message: fmt.Sprintf("network link not followed after %d hops", res.Hops),
			})
			// the last hop is only a link, not the feed
			res.Payload = nil
			return res
		}

		res.Hops++
		current = next
	}
}

// download fetches one URL and unwraps an archive if there is one.
func (f *Fetcher) download(ctx context.Context, kind Kind, rawURL string) ([]byte, *Warning) {
	body, err := f.transport.Get(ctx, rawURL, f.cookieFor(ctx, rawURL))
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return nil, &Warning{Kind: WarnHTTPStatusError, URL: rawURL, Message: err.Error()}
		}
		return nil, &Warning{Kind: WarnConnectionError, URL: rawURL, Message: err.Error()}
	}

	member := ""
	if kind == KindKML {
		member = kmlMember
	}
	out, _, err := Unwrap(body, member, f.cfg.MaxPayload)
	if err != nil {
		return nil, &Warning{Kind: WarnArchiveError, URL: rawURL, Message: err.Error()}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func resolveLink(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad base url %q: %w", base, err)
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("bad network link %q: %w", href, err)
	}
	return b.ResolveReference(h).String(), nil
}

type kmlScan struct {
	link          string
	groundOverlay bool
	screenOverlay bool
}

// scanKML looks for the first NetworkLink href and for overlay elements.
func scanKML(payload []byte) (kmlScan, error) {
	var scan kmlScan
	dec := newDecoder(payload)

	inNetworkLink := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return scan, nil
		}
		if err != nil {
			return scan, fmt.Errorf("invalid KML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "NetworkLink":
				inNetworkLink++
			case "GroundOverlay":
				scan.groundOverlay = true
			case "ScreenOverlay":
				scan.screenOverlay = true
			case "href":
				if inNetworkLink > 0 && scan.link == "" {
					var href string
					if err := dec.DecodeElement(&href, &t); err != nil {
						return scan, fmt.Errorf("invalid KML: %w", err)
					}
					scan.link = strings.TrimSpace(href)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "NetworkLink" && inNetworkLink > 0 {
				inNetworkLink--
			}
		}
	}
}

// newDecoder returns a decoder that accepts any declared charset. Feeds in
// the wild often declare latin-1 for ASCII content.
func newDecoder(payload []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	return dec
}

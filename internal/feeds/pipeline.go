package feeds

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/models"
)

var tracer = otel.Tracer("github.com/reliefmap/locus/internal/feeds")

// maxParallelLayers bounds concurrent layer fetches.
const maxParallelLayers = 4

// CacheState says where a layer's payload came from.
type CacheState string

const (
	CacheFresh        CacheState = "fresh"
	CacheStale        CacheState = "stale"
	CacheInaccessible CacheState = "inaccessible"
)

// Layer is one remote feed to ingest.
type Layer struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// LayersFromConfig converts the configured layers.
func LayersFromConfig(cfg []config.FeedLayer) []Layer {
	layers := make([]Layer, 0, len(cfg))
	for _, l := range cfg {
		layers = append(layers, Layer{Kind: Kind(l.Kind), Name: l.Name, URL: l.URL})
	}
	return layers
}

// LayerDescriptor is a fetched layer ready for display. Features is empty
// when the layer is inaccessible.
type LayerDescriptor struct {
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	URL        string     `json:"url"`
	CacheState CacheState `json:"cacheState"`
	ModifiedOn *time.Time `json:"modifiedOn,omitempty"`
	Warnings   []Warning  `json:"warnings"`
	Features   []Feature  `json:"features"`
}

// Accessible reports whether the layer produced any payload.
func (d *LayerDescriptor) Accessible() bool {
	return d.CacheState != CacheInaccessible
}

// Pipeline fetches layers, falls back to the cache on failure and parses the
// result into features.
type Pipeline struct {
	fetcher *Fetcher
	cache   CacheStore
	cfg     config.FeedsConfig
	engine  geometry.Engine
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewPipeline creates a Pipeline. m may be nil.
func NewPipeline(fetcher *Fetcher, cache CacheStore, cfg config.FeedsConfig, engine geometry.Engine, m *metrics.Metrics, log *logger.Logger) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		cache:   cache,
		cfg:     cfg,
		engine:  engine,
		metrics: m,
		log:     log.WithComponent("feed_pipeline"),
		now:     time.Now,
	}
}

// Layer fetches one layer. Failures never surface as errors; they are
// reported through the descriptor's warnings and cache state. The cache is
// only written after a successful fetch.
func (p *Pipeline) Layer(ctx context.Context, layer Layer) LayerDescriptor {
	ctx, span := tracer.Start(ctx, "feeds.Layer", trace.WithAttributes(
		attribute.String("layer.name", layer.Name),
		attribute.String("layer.kind", string(layer.Kind)),
	))
	defer span.End()

	desc := LayerDescriptor{
		Name:     layer.Name,
		Kind:     layer.Kind,
		URL:      layer.URL,
		Warnings: []Warning{},
		Features: []Feature{},
	}

	start := p.now()
	fetchCtx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	res := p.fetcher.Fetch(fetchCtx, layer.Kind, layer.URL)
	desc.Warnings = append(desc.Warnings, res.Warnings...)
	took := p.now().Sub(start)

	var payload []byte
	if res.OK() {
		payload = res.Payload
		desc.CacheState = CacheFresh
		modified := p.now()
		desc.ModifiedOn = &modified
		p.store(ctx, layer, payload, modified)
		p.metrics.ObserveFeedFetch(string(layer.Kind), "ok", took, res.Hops)
	} else {
		p.metrics.ObserveFeedFetch(string(layer.Kind), "failed", took, res.Hops)
		payload = p.fallback(ctx, layer, &desc)
	}
	span.SetAttributes(attribute.String("layer.cache_state", string(desc.CacheState)))

	if payload == nil {
		span.SetStatus(codes.Error, "layer inaccessible")
		return desc
	}

	features, err := ParseFeatures(p.engine, layer.Kind, payload)
	if err != nil {
		p.log.Warn("Failed to parse layer", map[string]interface{}{
			"layer": layer.Name,
			"error": err.Error(),
		})
		desc.Warnings = append(desc.Warnings, Warning{Kind: WarnParseError, URL: layer.URL, Message: err.Error()})
		return desc
	}
	desc.Features = features
	return desc
}

func (p *Pipeline) store(ctx context.Context, layer Layer, payload []byte, modified time.Time) {
	if p.cache == nil {
		return
	}
	entry := &models.FeedCacheEntry{Name: layer.Name, URL: layer.URL, Payload: payload, ModifiedOn: modified}
	if err := p.cache.Put(ctx, entry); err != nil {
		p.log.Error("Failed to cache layer", err, map[string]interface{}{"layer": layer.Name})
	}
}

// fallback answers a failed fetch from the cache, marking desc stale or
// inaccessible. It returns the cached payload, or nil.
func (p *Pipeline) fallback(ctx context.Context, layer Layer, desc *LayerDescriptor) []byte {
	var entry *models.FeedCacheEntry
	if p.cache != nil {
		var err error
		entry, err = p.cache.Get(ctx, layer.Name)
		if err != nil {
			p.log.Error("Failed to read layer cache", err, map[string]interface{}{"layer": layer.Name})
		}
	}

	if entry == nil {
		desc.CacheState = CacheInaccessible
		desc.Warnings = append(desc.Warnings, Warning{
			Kind:    WarnInaccessible,
			URL:     layer.URL,
			Message: "layer could not be fetched and has no cached copy",
		})
		p.metrics.ObserveCacheFallback(string(CacheInaccessible))
		p.log.Warn("Layer inaccessible", map[string]interface{}{"layer": layer.Name, "url": layer.URL})
		return nil
	}

	age := entry.Age(p.now())
	modified := entry.ModifiedOn
	desc.CacheState = CacheStale
	desc.ModifiedOn = &modified
	desc.Warnings = append(desc.Warnings, Warning{
		Kind:    WarnStaleCache,
		URL:     layer.URL,
		Message: fmt.Sprintf("serving cached copy from %s", modified.UTC().Format(time.RFC3339)),
		Age:     age,
	})
	p.metrics.ObserveCacheFallback(string(CacheStale))
	p.log.Info("Serving cached layer", map[string]interface{}{
		"layer":  layer.Name,
		"age_ms": age.Milliseconds(),
	})
	if entry.Payload == nil {
		return []byte{}
	}
	return entry.Payload
}

// Layers fetches all layers concurrently and returns the descriptors in
// input order.
func (p *Pipeline) Layers(ctx context.Context, layers []Layer) []LayerDescriptor {
	out := make([]LayerDescriptor, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLayers)
	for i, layer := range layers {
		g.Go(func() error {
			out[i] = p.Layer(gctx, layer)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Cached parses the cached copy of a layer without fetching it. It returns
// nil, nil when the layer has never been cached.
func (p *Pipeline) Cached(ctx context.Context, layer Layer) (*LayerDescriptor, error) {
	if p.cache == nil {
		return nil, nil
	}
	entry, err := p.cache.Get(ctx, layer.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for %q: %w", layer.Name, err)
	}
	if entry == nil {
		return nil, nil
	}

	modified := entry.ModifiedOn
	desc := &LayerDescriptor{
		Name:       layer.Name,
		Kind:       layer.Kind,
		URL:        layer.URL,
		CacheState: CacheStale,
		ModifiedOn: &modified,
		Warnings:   []Warning{},
		Features:   []Feature{},
	}
	features, err := ParseFeatures(p.engine, layer.Kind, entry.Payload)
	if err != nil {
		desc.Warnings = append(desc.Warnings, Warning{Kind: WarnParseError, URL: layer.URL, Message: err.Error()})
		return desc, nil
	}
	desc.Features = features
	return desc, nil
}

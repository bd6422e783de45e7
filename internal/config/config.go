package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Redis    RedisConfig
	GIS      GISConfig
	Feeds    FeedsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host        string
	Port        string
	Name        string
	User        string
	Password    string
	PoolMin     int
	PoolMax     int
	AutoMigrate bool
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// RedisConfig holds the connection settings for the shared feed cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GISConfig is the deployment-wide map configuration. It is built once at
// startup and handed to components by value; nothing reads it from ambient
// process state afterwards.
type GISConfig struct {
	CenterLat       float64
	CenterLon       float64
	Zoom            int
	DefaultMarker   Marker
	SymbologyID     int
	DisplayL0       bool
	MaxResolveDepth int
	UUIDDomain      string
	// MaxExtent clamps feature bounds; [lon_min, lat_min, lon_max, lat_max].
	MaxExtent [4]float64
}

// Marker is the symbol used to draw point features.
type Marker struct {
	Image  string `json:"image"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// FeedsConfig controls remote feed ingestion.
type FeedsConfig struct {
	PublicURL         string
	SessionCookieName string
	MaxLinkHops       int
	FetchTimeout      time.Duration
	CacheBackend      string
	CacheTTL          time.Duration
	Layers            []FeedLayer
}

// FeedLayer is one configured remote feed.
type FeedLayer struct {
	Kind string
	Name string
	URL  string
}

// Supported feed cache backends.
const (
	CacheBackendMemory   = "memory"
	CacheBackendRedis    = "redis"
	CacheBackendPostgres = "postgres"
)

// Supported feed kinds.
var feedKinds = map[string]bool{"georss": true, "gpx": true, "kml": true}

// Load reads configuration from environment variables, after merging an
// optional .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "locus")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("GIS_CENTER_LAT", 0.0)
	v.SetDefault("GIS_CENTER_LON", 0.0)
	v.SetDefault("GIS_ZOOM", 2)
	v.SetDefault("GIS_MARKER_IMAGE", "marker_red.png")
	v.SetDefault("GIS_MARKER_HEIGHT", 34)
	v.SetDefault("GIS_MARKER_WIDTH", 20)
	v.SetDefault("GIS_SYMBOLOGY_ID", 1)
	v.SetDefault("GIS_DISPLAY_L0", false)
	v.SetDefault("GIS_MAX_RESOLVE_DEPTH", 16)
	v.SetDefault("GIS_UUID_DOMAIN", "geo.locus.local")
	v.SetDefault("GIS_MAX_EXTENT", "-180,-90,180,90")
	v.SetDefault("FEEDS_PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("FEEDS_SESSION_COOKIE", "session_id")
	v.SetDefault("FEEDS_MAX_LINK_HOPS", 5)
	v.SetDefault("FEEDS_FETCH_TIMEOUT", "10s")
	v.SetDefault("FEEDS_CACHE_BACKEND", CacheBackendMemory)
	v.SetDefault("FEEDS_CACHE_TTL", "0s")
	v.SetDefault("FEEDS_LAYERS", "")

	v.AutomaticEnv()

	extent, err := parseExtent(v.GetString("GIS_MAX_EXTENT"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	layers, err := parseLayers(v.GetString("FEEDS_LAYERS"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Env:  v.GetString("ENV"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("DB_HOST"),
			Port:        v.GetString("DB_PORT"),
			Name:        v.GetString("DB_NAME"),
			User:        v.GetString("DB_USER"),
			Password:    v.GetString("DB_PASSWORD"),
			PoolMin:     v.GetInt("DB_POOL_MIN"),
			PoolMax:     v.GetInt("DB_POOL_MAX"),
			AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),
		},
		CORS: CORSConfig{
			Origins: parseOrigins(v.GetString("CORS_ORIGINS")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		GIS: GISConfig{
			CenterLat: v.GetFloat64("GIS_CENTER_LAT"),
			CenterLon: v.GetFloat64("GIS_CENTER_LON"),
			Zoom:      v.GetInt("GIS_ZOOM"),
			DefaultMarker: Marker{
				Image:  v.GetString("GIS_MARKER_IMAGE"),
				Height: v.GetInt("GIS_MARKER_HEIGHT"),
				Width:  v.GetInt("GIS_MARKER_WIDTH"),
			},
			SymbologyID:     v.GetInt("GIS_SYMBOLOGY_ID"),
			DisplayL0:       v.GetBool("GIS_DISPLAY_L0"),
			MaxResolveDepth: v.GetInt("GIS_MAX_RESOLVE_DEPTH"),
			UUIDDomain:      v.GetString("GIS_UUID_DOMAIN"),
			MaxExtent:       extent,
		},
		Feeds: FeedsConfig{
			PublicURL:         v.GetString("FEEDS_PUBLIC_URL"),
			SessionCookieName: v.GetString("FEEDS_SESSION_COOKIE"),
			MaxLinkHops:       v.GetInt("FEEDS_MAX_LINK_HOPS"),
			FetchTimeout:      v.GetDuration("FEEDS_FETCH_TIMEOUT"),
			CacheBackend:      v.GetString("FEEDS_CACHE_BACKEND"),
			CacheTTL:          v.GetDuration("FEEDS_CACHE_TTL"),
			Layers:            layers,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultGIS returns the GIS configuration used when nothing is configured.
func DefaultGIS() GISConfig {
	return GISConfig{
		Zoom:            2,
		DefaultMarker:   Marker{Image: "marker_red.png", Height: 34, Width: 20},
		SymbologyID:     1,
		MaxResolveDepth: 16,
		UUIDDomain:      "geo.locus.local",
		MaxExtent:       [4]float64{-180, -90, 180, 90},
	}
}

// DefaultFeeds returns the feed configuration used when nothing is configured.
func DefaultFeeds() FeedsConfig {
	return FeedsConfig{
		PublicURL:         "http://localhost:8080",
		SessionCookieName: "session_id",
		MaxLinkHops:       5,
		FetchTimeout:      10 * time.Second,
		CacheBackend:      CacheBackendMemory,
	}
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if c.Database.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}

	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	if c.GIS.MaxResolveDepth < 1 {
		return fmt.Errorf("GIS_MAX_RESOLVE_DEPTH must be at least 1")
	}
	if c.GIS.CenterLat < -90 || c.GIS.CenterLat > 90 {
		return fmt.Errorf("GIS_CENTER_LAT must be between -90 and 90")
	}
	if c.GIS.CenterLon < -180 || c.GIS.CenterLon > 180 {
		return fmt.Errorf("GIS_CENTER_LON must be between -180 and 180")
	}

	if c.Feeds.MaxLinkHops < 0 {
		return fmt.Errorf("FEEDS_MAX_LINK_HOPS must be non-negative")
	}
	if c.Feeds.FetchTimeout <= 0 {
		return fmt.Errorf("FEEDS_FETCH_TIMEOUT must be positive")
	}
	switch c.Feeds.CacheBackend {
	case CacheBackendMemory, CacheBackendPostgres:
	case CacheBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis feed cache")
		}
	default:
		return fmt.Errorf("FEEDS_CACHE_BACKEND must be one of %q, %q, %q",
			CacheBackendMemory, CacheBackendRedis, CacheBackendPostgres)
	}

	return nil
}

// parseOrigins splits a comma-separated string of origins into a slice.
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseLayers reads "kind|name|url" entries separated by commas.
func parseLayers(raw string) ([]FeedLayer, error) {
	var layers []FeedLayer
	seen := make(map[string]bool)
	for _, entry := range parseOrigins(raw) {
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("FEEDS_LAYERS entry %q must be kind|name|url", entry)
		}
		layer := FeedLayer{
			Kind: strings.ToLower(strings.TrimSpace(parts[0])),
			Name: strings.TrimSpace(parts[1]),
			URL:  strings.TrimSpace(parts[2]),
		}
		if !feedKinds[layer.Kind] {
			return nil, fmt.Errorf("FEEDS_LAYERS entry %q has unsupported kind %q", entry, layer.Kind)
		}
		if layer.Name == "" || layer.URL == "" {
			return nil, fmt.Errorf("FEEDS_LAYERS entry %q needs a name and url", entry)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("FEEDS_LAYERS has duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true
		layers = append(layers, layer)
	}
	return layers, nil
}

// parseExtent reads "lon_min,lat_min,lon_max,lat_max".
func parseExtent(raw string) ([4]float64, error) {
	var extent [4]float64
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return extent, fmt.Errorf("GIS_MAX_EXTENT must have four comma-separated values")
	}
	for i, part := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%g", &extent[i]); err != nil {
			return extent, fmt.Errorf("GIS_MAX_EXTENT value %q is not a number", part)
		}
	}
	if extent[0] > extent[2] || extent[1] > extent[3] {
		return extent, fmt.Errorf("GIS_MAX_EXTENT minimums must not exceed maximums")
	}
	return extent, nil
}

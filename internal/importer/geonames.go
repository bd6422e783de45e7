package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

// GeonamesBaseURL is where the per-country dumps are published.
const GeonamesBaseURL = "http://download.geonames.org/export/dump/"

// GeonamesSource is stored in Location.Source for imported rows.
const GeonamesSource = "geonames"

// maxGazetteerSize caps an unpacked country dump.
const maxGazetteerSize = 1 << 30

// Columns of the tab-separated dump.
const (
	gnID          = 0
	gnName        = 1
	gnLat         = 4
	gnLon         = 5
	gnFeatureCode = 7
	gnMinColumns  = 8
)

// featureCodes maps the level being imported to the dump's feature code.
var featureCodes = map[models.Level]string{
	models.L1: "ADM1",
	models.L2: "ADM2",
	models.L3: "ADM3",
	models.L4: "ADM4",
	models.L5: "PPL",
}

// GeonamesImporter loads one administrative level from a GeoNames country
// dump, attaching each entry to the enclosing location of the level above.
type GeonamesImporter struct {
	locations services.LocationService
	repo      repository.LocationRepository
	engine    geometry.Engine
	domain    string
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewGeonamesImporter creates a GeonamesImporter. UUIDs are minted under
// gis.UUIDDomain. m may be nil.
func NewGeonamesImporter(locations services.LocationService, repo repository.LocationRepository, engine geometry.Engine, gis config.GISConfig, m *metrics.Metrics, log *logger.Logger) *GeonamesImporter {
	return &GeonamesImporter{
		locations: locations,
		repo:      repo,
		engine:    engine,
		domain:    strings.TrimRight(gis.UUIDDomain, "/"),
		metrics:   m,
		log:       log.WithComponent("geonames_importer"),
	}
}

// candidate is a possible parent with its parsed shape. shape is nil when
// the geometry engine is unavailable or the WKT does not parse.
type candidate struct {
	id    int64
	box   geometry.BBox
	shape orb.Geometry
}

// candidates loads the possible parents of level. When the level above has
// no rows the next coarser one is used.
func (imp *GeonamesImporter) candidates(ctx context.Context, level models.Level) ([]candidate, models.Level, error) {
	rank, _ := level.Rank()
	for parentRank := rank - 1; parentRank >= 0; parentRank-- {
		parentLevel := models.LevelFromRank(parentRank)
		rows, err := imp.repo.ListByLevel(ctx, parentLevel)
		if err != nil {
			return nil, parentLevel, fmt.Errorf("failed to list %s locations: %w", parentLevel, err)
		}
		if len(rows) == 0 {
			continue
		}

		out := make([]candidate, 0, len(rows))
		for _, row := range rows {
			box, ok := row.BBox()
			if !ok {
				continue
			}
			c := candidate{id: row.ID, box: box}
			if row.WKT != nil && imp.engine != nil && imp.engine.Available() {
				shape, err := imp.engine.ParseWKT(*row.WKT)
				if err != nil {
					imp.log.Warn("Ignoring parent with unreadable WKT", map[string]interface{}{
						"id":    row.ID,
						"error": err.Error(),
					})
					continue
				}
				c.shape = shape
			}
			out = append(out, c)
		}
		return out, parentLevel, nil
	}
	return nil, models.LevelNone, nil
}

// parentOf returns the first candidate whose box holds the point and whose
// shape intersects it. Without shapes the box test decides.
func (imp *GeonamesImporter) parentOf(cands []candidate, lat, lon float64) (int64, bool) {
	pt := orb.Point{lon, lat}
	for _, c := range cands {
		if !c.box.ContainsPoint(lat, lon) {
			continue
		}
		if c.shape == nil || imp.engine.Intersects(c.shape, pt) {
			return c.id, true
		}
	}
	return 0, false
}

// Import reads a GeoNames dump and upserts every entry whose feature code
// matches level. Entries with no enclosing parent are stored without one.
func (imp *GeonamesImporter) Import(ctx context.Context, level models.Level, r io.Reader) (Result, error) {
	var res Result

	code, ok := featureCodes[level]
	if !ok {
		return res, fmt.Errorf("geonames import supports L1 to L5, got %q", level)
	}

	cands, parentLevel, err := imp.candidates(ctx, level)
	if err != nil {
		return res, err
	}
	imp.log.Info("Starting geonames import", map[string]interface{}{
		"level":        level,
		"feature_code": code,
		"parent_level": parentLevel,
		"parents":      len(cands),
	})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line++
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < gnMinColumns || cols[gnFeatureCode] != code {
			continue
		}
		res.Rows++
		imp.importEntry(ctx, level, cols, cands, line, &res)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read geonames dump: %w", err)
	}

	imp.log.Info("Geonames import finished", map[string]interface{}{
		"rows":     res.Rows,
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"skipped":  res.Skipped,
	})
	return res, nil
}

func (imp *GeonamesImporter) importEntry(ctx context.Context, level models.Level, cols []string, cands []candidate, line int, res *Result) {
	name := strings.TrimSpace(cols[gnName])
	if name == "" {
		imp.fail(res, line, "", ErrMissingRequiredName)
		return
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(cols[gnLat]), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(cols[gnLon]), 64)
	if errLat != nil || errLon != nil {
		imp.fail(res, line, name, fmt.Errorf("%w: bad coordinates %q %q", ErrInvalidRow, cols[gnLat], cols[gnLon]))
		return
	}

	id := imp.uuidFor(strings.TrimSpace(cols[gnID]))
	source := GeonamesSource
	in := services.LocationInput{
		Name:     name,
		Level:    level,
		UUID:     &id,
		Source:   &source,
		Geometry: geometry.Input{Lat: &lat, Lon: &lon},
	}
	if parentID, ok := imp.parentOf(cands, lat, lon); ok {
		in.ParentID = &parentID
	} else {
		imp.log.Debug("No enclosing parent", map[string]interface{}{"line": line, "name": name})
	}

	_, created, err := imp.locations.Upsert(ctx, in)
	if err != nil {
		if isGeometryError(err) {
			err = fmt.Errorf("%w: %w", ErrInvalidRow, err)
		}
		imp.fail(res, line, name, err)
		return
	}
	if created {
		res.Inserted++
		imp.metrics.ObserveImportRow(GeonamesSource, outcomeInserted)
		return
	}
	res.Updated++
	imp.metrics.ObserveImportRow(GeonamesSource, outcomeUpdated)
}

// uuidFor derives a stable UUID from the GeoNames id so re-imports update
// rows instead of minting new identities.
func (imp *GeonamesImporter) uuidFor(geonameID string) string {
	var id uuid.UUID
	if geonameID == "" {
		id = uuid.New()
	} else {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sws.geonames.org/"+geonameID+"/"))
	}
	if imp.domain == "" {
		return id.String()
	}
	return imp.domain + "/" + id.String()
}

func (imp *GeonamesImporter) fail(res *Result, line int, name string, err error) {
	res.reject(line, name, err)
	imp.metrics.ObserveImportRow(GeonamesSource, outcomeFailed)
	imp.log.Warn("Skipping geonames entry", map[string]interface{}{
		"line":  line,
		"name":  name,
		"error": err.Error(),
	})
}

// Download fetches the dump for a two-letter country code and returns the
// unpacked <country>.txt.
func Download(ctx context.Context, transport feeds.Transport, baseURL, country string) ([]byte, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 2 {
		return nil, fmt.Errorf("country must be a two-letter code, got %q", country)
	}
	if baseURL == "" {
		baseURL = GeonamesBaseURL
	}
	url := strings.TrimRight(baseURL, "/") + "/" + country + ".zip"

	payload, err := transport.Get(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	body, _, err := feeds.Unwrap(payload, country+".txt", maxGazetteerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", url, err)
	}
	return body, nil
}

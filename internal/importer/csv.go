package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

// unknownName marks placeholder rows in boundary datasets.
const unknownName = "Name Unknown"

// maxParallelFiles bounds concurrent file imports.
const maxParallelFiles = 4

const (
	parentCacheTTL     = 10 * time.Minute
	parentCacheCleanup = 15 * time.Minute
)

// CSVImporter loads administrative boundary rows. Columns are ADM0_NAME to
// ADM5_NAME, optionally WKT or LAT and LON, and optionally UUID; header
// names are case-insensitive. The highest populated ADMn_NAME is the row's
// own name and level, the next lower populated one names its parent.
type CSVImporter struct {
	locations services.LocationService
	repo      repository.LocationRepository
	domain    string
	parents   *gocache.Cache
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewCSVImporter creates a CSVImporter. A non-empty domain prefixes the
// UUID column as "<domain>/<uuid>". m may be nil.
func NewCSVImporter(locations services.LocationService, repo repository.LocationRepository, domain string, m *metrics.Metrics, log *logger.Logger) *CSVImporter {
	return &CSVImporter{
		locations: locations,
		repo:      repo,
		domain:    strings.TrimRight(domain, "/"),
		parents:   gocache.New(parentCacheTTL, parentCacheCleanup),
		metrics:   m,
		log:       log.WithComponent("csv_importer"),
	}
}

type csvColumns struct {
	names    [models.MaxLevelRank + 1]int
	wkt      int
	lat, lon int
	uuid     int
}

func newCSVColumns(header []string) csvColumns {
	cols := csvColumns{wkt: -1, lat: -1, lon: -1, uuid: -1}
	for i := range cols.names {
		cols.names[i] = -1
	}
	for i, h := range header {
		h = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch h {
		case "WKT":
			cols.wkt = i
		case "LAT":
			cols.lat = i
		case "LON":
			cols.lon = i
		case "UUID":
			cols.uuid = i
		default:
			if rank, ok := admRank(h); ok {
				cols.names[rank] = i
			}
		}
	}
	return cols
}

// admRank parses "ADMn_NAME".
func admRank(h string) (int, bool) {
	if !strings.HasPrefix(h, "ADM") || !strings.HasSuffix(h, "_NAME") {
		return 0, false
	}
	rank, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(h, "ADM"), "_NAME"))
	if err != nil || rank < 0 || rank > models.MaxLevelRank {
		return 0, false
	}
	return rank, true
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// csvRow is a decoded data row.
type csvRow struct {
	name       string
	level      models.Level
	parentName string
	parentLvl  models.Level
	uuid       string
	geom       geometry.Input
}

// decode picks the row's own name and parent name from the ADM columns.
func (c csvColumns) decode(record []string) (csvRow, error) {
	var row csvRow
	own := -1
	for rank := models.MaxLevelRank; rank >= 0; rank-- {
		if field(record, c.names[rank]) != "" {
			own = rank
			break
		}
	}
	if own < 0 {
		return row, ErrMissingRequiredName
	}
	row.name = field(record, c.names[own])
	row.level = models.LevelFromRank(own)
	for rank := own - 1; rank >= 0; rank-- {
		if name := field(record, c.names[rank]); name != "" {
			row.parentName = name
			row.parentLvl = models.LevelFromRank(rank)
			break
		}
	}
	row.uuid = field(record, c.uuid)

	if wkt := field(record, c.wkt); wkt != "" {
		row.geom = geometry.Input{WKT: wkt, Expected: geometry.TypePolygon}
		return row, nil
	}
	lat, err := optionalFloat(field(record, c.lat))
	if err != nil {
		return row, fmt.Errorf("%w: LAT: %v", ErrInvalidRow, err)
	}
	lon, err := optionalFloat(field(record, c.lon))
	if err != nil {
		return row, fmt.Errorf("%w: LON: %v", ErrInvalidRow, err)
	}
	row.geom = geometry.Input{Lat: lat, Lon: lon}
	return row, nil
}

func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Import reads every row of r. It stops early only when ctx is cancelled or
// the input is not readable CSV; rows already written stay written.
func (imp *CSVImporter) Import(ctx context.Context, r io.Reader) (Result, error) {
	var res Result

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		return res, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := newCSVColumns(header)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		res.Rows++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.reject(res.Rows, "", fmt.Errorf("%w: %v", ErrInvalidRow, err))
				imp.metrics.ObserveImportRow("csv", outcomeFailed)
				continue
			}
			return res, fmt.Errorf("failed to read csv: %w", err)
		}

		imp.importRow(ctx, cols, record, &res)
	}

	imp.log.Info("CSV import finished", map[string]interface{}{
		"rows":     res.Rows,
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"skipped":  res.Skipped,
	})
	return res, nil
}

func (imp *CSVImporter) importRow(ctx context.Context, cols csvColumns, record []string, res *Result) {
	n := res.Rows
	row, err := cols.decode(record)
	if err != nil {
		imp.fail(res, n, row.name, err)
		return
	}
	if row.name == unknownName || row.parentName == unknownName {
		res.Skipped++
		imp.metrics.ObserveImportRow("csv", outcomeSkipped)
		return
	}

	in := services.LocationInput{
		Name:     row.name,
		Level:    row.level,
		Geometry: row.geom,
	}
	if row.uuid != "" {
		uuid := row.uuid
		if imp.domain != "" {
			uuid = imp.domain + "/" + row.uuid
		}
		in.UUID = &uuid
	}
	if row.parentName != "" {
		parentID, err := imp.parentID(ctx, row.parentName, row.parentLvl)
		if err != nil {
			imp.fail(res, n, row.name, err)
			return
		}
		in.ParentID = &parentID
	}

	loc, created, err := imp.locations.Upsert(ctx, in)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateUUID) {
			err = fmt.Errorf("%w: %w", ErrDuplicateConflict, err)
		} else if isGeometryError(err) {
			err = fmt.Errorf("%w: %w", ErrInvalidRow, err)
		}
		imp.fail(res, n, row.name, err)
		return
	}

	if created {
		res.Inserted++
		imp.metrics.ObserveImportRow("csv", outcomeInserted)
	} else {
		res.Updated++
		imp.metrics.ObserveImportRow("csv", outcomeUpdated)
		imp.log.Debug("Duplicate location updated", map[string]interface{}{
			"row":  n,
			"id":   loc.ID,
			"name": loc.Name,
		})
	}
	// an earlier row with the same name keeps the slot
	_ = imp.parents.Add(parentKey(loc.Name, loc.Level), loc.ID, gocache.DefaultExpiration)
}

func (imp *CSVImporter) fail(res *Result, row int, name string, err error) {
	res.reject(row, name, err)
	imp.metrics.ObserveImportRow("csv", outcomeFailed)
	imp.log.Warn("Skipping import row", map[string]interface{}{
		"row":   row,
		"name":  name,
		"error": err.Error(),
	})
}

func parentKey(name string, level models.Level) string {
	return string(level) + "|" + name
}

// parentID resolves a parent by exact name at its level. When several rows
// share the name the oldest wins.
func (imp *CSVImporter) parentID(ctx context.Context, name string, level models.Level) (int64, error) {
	key := parentKey(name, level)
	if id, ok := imp.parents.Get(key); ok {
		return id.(int64), nil
	}

	matches, err := imp.repo.FindByName(ctx, name, level)
	if err != nil {
		return 0, fmt.Errorf("failed to look up parent %q: %w", name, err)
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrParentNotFound, level, name)
	}
	id := matches[0].ID
	for _, m := range matches[1:] {
		if m.ID < id {
			id = m.ID
		}
	}
	imp.parents.SetDefault(key, id)
	return id, nil
}

func isGeometryError(err error) bool {
	for _, target := range []error{
		geometry.ErrMissingInput,
		geometry.ErrLatitudeEmpty,
		geometry.ErrLongitudeEmpty,
		geometry.ErrCoordinateRange,
		geometry.ErrInvalidWKT,
		geometry.ErrUnknownType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FileResult is the outcome of importing one file.
type FileResult struct {
	Path   string
	Result Result
	Err    error
}

// ImportFiles imports several files concurrently. Rows within a file stay
// sequential; a failing file does not stop the others. Results are in
// input order.
func (imp *CSVImporter) ImportFiles(ctx context.Context, paths []string) []FileResult {
	out := make([]FileResult, len(paths))

	var g errgroup.Group
	g.SetLimit(maxParallelFiles)
	for i, path := range paths {
		g.Go(func() error {
			out[i] = FileResult{Path: path}
			f, err := os.Open(path)
			if err != nil {
				out[i].Err = fmt.Errorf("failed to open %s: %w", path, err)
				return nil
			}
			defer f.Close()

			out[i].Result, out[i].Err = imp.Import(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

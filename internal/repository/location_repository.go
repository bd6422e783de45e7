package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/reliefmap/locus/internal/database"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/models"
)

const locationColumns = `id, uuid, name, level, feature_type, lat, lon, wkt,
	lon_min, lat_min, lon_max, lat_max, parent_id, path, source, created_at, updated_at`

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// locationRepository is the PostgreSQL implementation of LocationRepository.
type locationRepository struct {
	db database.Querier
}

// NewLocationRepository creates a LocationRepository backed by db, usually a
// *pgxpool.Pool.
func NewLocationRepository(db database.Querier) LocationRepository {
	return &locationRepository{db: db}
}

func scanLocation(row pgx.Row) (*models.Location, error) {
	var loc models.Location
	var level string
	var featureType int16

	err := row.Scan(
		&loc.ID,
		&loc.UUID,
		&loc.Name,
		&level,
		&featureType,
		&loc.Lat,
		&loc.Lon,
		&loc.WKT,
		&loc.LonMin,
		&loc.LatMin,
		&loc.LonMax,
		&loc.LatMax,
		&loc.ParentID,
		&loc.Path,
		&loc.Source,
		&loc.CreatedAt,
		&loc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loc.Level = models.Level(level)
	loc.FeatureType = geometry.Type(featureType)
	return &loc, nil
}

func (r *locationRepository) queryOne(ctx context.Context, what, query string, args ...any) (*models.Location, error) {
	loc, err := scanLocation(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query location by %s: %w", what, err)
	}
	return loc, nil
}

func (r *locationRepository) queryMany(ctx context.Context, what, query string, args ...any) ([]models.Location, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations by %s: %w", what, err)
	}
	defer rows.Close()

	result := make([]models.Location, 0)
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location row: %w", err)
		}
		result = append(result, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating location rows: %w", err)
	}
	return result, nil
}

func (r *locationRepository) exec(ctx context.Context, what, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateUUID, pgErr.Detail)
	}
	return err
}

func (r *locationRepository) Insert(ctx context.Context, loc *models.Location) error {
	query := `
		INSERT INTO locations (uuid, name, level, feature_type, lat, lon, wkt,
			lon_min, lat_min, lon_max, lat_max, parent_id, path, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		loc.UUID, loc.Name, string(loc.Level), int16(loc.FeatureType), loc.Lat, loc.Lon, loc.WKT,
		loc.LonMin, loc.LatMin, loc.LonMax, loc.LatMax, loc.ParentID, loc.Path, loc.Source,
	).Scan(&loc.ID, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert location %q: %w", loc.Name, mapPgError(err))
	}
	return nil
}

func (r *locationRepository) Get(ctx context.Context, id int64) (*models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE id = $1 AND NOT deleted`
	return r.queryOne(ctx, "id", query, id)
}

func (r *locationRepository) GetByUUID(ctx context.Context, uuid string) (*models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE uuid = $1 AND NOT deleted`
	return r.queryOne(ctx, "uuid", query, uuid)
}

func (r *locationRepository) FindByName(ctx context.Context, name string, level models.Level) ([]models.Location, error) {
	if level == models.LevelNone {
		query := `SELECT ` + locationColumns + ` FROM locations WHERE name = $1 AND NOT deleted ORDER BY id`
		return r.queryMany(ctx, "name", query, name)
	}
	query := `SELECT ` + locationColumns + ` FROM locations WHERE name = $1 AND level = $2 AND NOT deleted ORDER BY id`
	return r.queryMany(ctx, "name", query, name, string(level))
}

func (r *locationRepository) FindDuplicate(ctx context.Context, name string, level models.Level, parentID *int64) (*models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE name = $1 AND level = $2 AND parent_id IS NOT DISTINCT FROM $3 AND NOT deleted
		ORDER BY id
		LIMIT 1
	`
	return r.queryOne(ctx, "name/level/parent", query, name, string(level), parentID)
}

func (r *locationRepository) Update(ctx context.Context, loc *models.Location) error {
	query := `
		UPDATE locations
		SET uuid = $2, name = $3, feature_type = $4, lat = $5, lon = $6, wkt = $7,
			lon_min = $8, lat_min = $9, lon_max = $10, lat_max = $11, source = $12,
			updated_at = NOW()
		WHERE id = $1 AND NOT deleted
	`
	return r.exec(ctx, "update location", query,
		loc.ID, loc.UUID, loc.Name, int16(loc.FeatureType), loc.Lat, loc.Lon, loc.WKT,
		loc.LonMin, loc.LatMin, loc.LonMax, loc.LatMax, loc.Source,
	)
}

func (r *locationRepository) SetParent(ctx context.Context, id int64, parentID *int64, level models.Level) error {
	query := `UPDATE locations SET parent_id = $2, level = $3, updated_at = NOW() WHERE id = $1 AND NOT deleted`
	return r.exec(ctx, "set location parent", query, id, parentID, string(level))
}

func (r *locationRepository) SetPath(ctx context.Context, id int64, path string) error {
	query := `UPDATE locations SET path = $2 WHERE id = $1 AND NOT deleted`
	return r.exec(ctx, "set location path", query, id, path)
}

func (r *locationRepository) SetBounds(ctx context.Context, id int64, box geometry.BBox) error {
	query := `UPDATE locations SET lon_min = $2, lat_min = $3, lon_max = $4, lat_max = $5 WHERE id = $1 AND NOT deleted`
	return r.exec(ctx, "set location bounds", query, id, box.LonMin, box.LatMin, box.LonMax, box.LatMax)
}

func (r *locationRepository) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE locations SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND NOT deleted`
	return r.exec(ctx, "delete location", query, id)
}

func (r *locationRepository) ListChildren(ctx context.Context, parentID int64) ([]models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE parent_id = $1 AND NOT deleted ORDER BY id`
	return r.queryMany(ctx, "parent", query, parentID)
}

func (r *locationRepository) ListByPathPrefix(ctx context.Context, prefix string) ([]models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE path LIKE $1 ESCAPE '\' AND NOT deleted ORDER BY path`
	return r.queryMany(ctx, "path prefix", query, escapeLike(prefix)+"%")
}

func (r *locationRepository) ListByLevel(ctx context.Context, level models.Level) ([]models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE level = $1 AND NOT deleted ORDER BY id`
	return r.queryMany(ctx, "level", query, string(level))
}

func (r *locationRepository) ListRoots(ctx context.Context) ([]models.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE (parent_id IS NULL OR level = 'L0') AND NOT deleted ORDER BY id`
	return r.queryMany(ctx, "root", query)
}

func (r *locationRepository) FindByBBox(ctx context.Context, box geometry.BBox, levels ...models.Level) ([]models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE NOT deleted
			AND lat_min <= $4 AND lat_max >= $2
			AND lon_min <= $3 AND lon_max >= $1`
	args := []any{box.LonMin, box.LatMin, box.LonMax, box.LatMax}
	if len(levels) > 0 {
		names := make([]string, len(levels))
		for i, l := range levels {
			names[i] = string(l)
		}
		query += ` AND level = ANY($5)`
		args = append(args, names)
	}
	query += ` ORDER BY id`
	return r.queryMany(ctx, "bbox", query, args...)
}

func (r *locationRepository) ListMissingBounds(ctx context.Context) ([]models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE NOT deleted AND lat IS NOT NULL AND lon IS NOT NULL
			AND (lon_min IS NULL OR lat_min IS NULL OR lon_max IS NULL OR lat_max IS NULL)
		ORDER BY id`
	return r.queryMany(ctx, "missing bounds", query)
}

func (r *locationRepository) InTx(ctx context.Context, fn func(LocationRepository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&locationRepository{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

package repository

import (
	"context"
	"errors"

	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/models"
)

var (
	// ErrNotFound is returned by writes that target a missing or deleted row.
	ErrNotFound = errors.New("location not found")
	// ErrDuplicateUUID is returned when an insert or update would reuse a UUID.
	ErrDuplicateUUID = errors.New("duplicate location uuid")
)

// LocationRepository defines the row-store operations on locations.
// Reads never return soft-deleted rows. Single-row reads return nil, nil
// when nothing matches.
type LocationRepository interface {
	// Insert stores loc and fills in its ID and timestamps.
	Insert(ctx context.Context, loc *models.Location) error

	Get(ctx context.Context, id int64) (*models.Location, error)
	GetByUUID(ctx context.Context, uuid string) (*models.Location, error)

	// FindByName matches name exactly. An empty level matches any level.
	FindByName(ctx context.Context, name string, level models.Level) ([]models.Location, error)

	// FindDuplicate returns the row with the same name, level and parent.
	FindDuplicate(ctx context.Context, name string, level models.Level, parentID *int64) (*models.Location, error)

	// Update writes the descriptive and geometric columns of loc. The parent
	// link, level and path are changed only through SetParent and SetPath.
	Update(ctx context.Context, loc *models.Location) error

	SetParent(ctx context.Context, id int64, parentID *int64, level models.Level) error
	SetPath(ctx context.Context, id int64, path string) error
	SetBounds(ctx context.Context, id int64, box geometry.BBox) error
	SoftDelete(ctx context.Context, id int64) error

	ListChildren(ctx context.Context, parentID int64) ([]models.Location, error)

	// ListByPathPrefix returns rows whose path starts with prefix, ordered by path.
	ListByPathPrefix(ctx context.Context, prefix string) ([]models.Location, error)

	ListByLevel(ctx context.Context, level models.Level) ([]models.Location, error)
	ListRoots(ctx context.Context) ([]models.Location, error)

	// FindByBBox returns rows whose stored box overlaps box. Rows without
	// bounds never match. levels, when given, restricts the result.
	FindByBBox(ctx context.Context, box geometry.BBox, levels ...models.Level) ([]models.Location, error)

	// ListMissingBounds returns rows with coordinates but no stored box.
	ListMissingBounds(ctx context.Context) ([]models.Location, error)

	// InTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(LocationRepository) error) error
}

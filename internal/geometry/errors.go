package geometry

import (
	"errors"
	"fmt"
)

// Geometry errors. Callers branch on these with errors.Is; none of them is
// ever converted into a default coordinate.
var (
	ErrMissingInput         = errors.New("need wkt or lat+lon to parse a location")
	ErrLatitudeEmpty        = errors.New("latitude can't be empty if longitude specified")
	ErrLongitudeEmpty       = errors.New("longitude can't be empty if latitude specified")
	ErrCoordinateRange      = errors.New("coordinates out of range")
	ErrInvalidWKT           = errors.New("invalid wkt")
	ErrUnknownType          = errors.New("unknown geometry type")
	ErrUnsupportedOperation = errors.New("geometry engine not available")
)

// InvalidWKTError reports unparseable WKT together with the geometry kind the
// caller expected, so the message can show an example of the right format.
type InvalidWKTError struct {
	Kind Type
	Err  error
}

func (e *InvalidWKTError) Error() string {
	msg := fmt.Sprintf("Invalid WKT: Must be like %s!", e.Kind.Example())
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

// Is makes errors.Is(err, ErrInvalidWKT) hold for every InvalidWKTError.
func (e *InvalidWKTError) Is(target error) bool {
	return target == ErrInvalidWKT
}

func (e *InvalidWKTError) Unwrap() error {
	return e.Err
}

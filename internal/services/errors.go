package services

import "errors"

// Service-level errors
var (
	ErrLocationNotFound        = errors.New("location not found")
	ErrUnknownParent           = errors.New("parent location not found")
	ErrCycleDetected           = errors.New("cycle detected in location hierarchy")
	ErrUnresolvableCoordinates = errors.New("location has no coordinates and no ancestor with coordinates")
	ErrInvalidBBox             = errors.New("invalid bounding box")
	ErrInvalidCoordinates      = errors.New("invalid coordinates")
	ErrMissingName             = errors.New("location name is required")
	ErrUnknownResource         = errors.New("unknown feature resource")
)

// Package importer loads administrative boundaries and gazetteer entries
// into the location store in bulk. Rows are processed one at a time, each in
// its own transaction, so a cancelled import leaves every processed prefix
// committed and nothing half-written.
package importer

import (
	"errors"
	"fmt"
)

// Row-level import errors. A failing row is recorded and skipped; the
// import carries on with the next one.
var (
	ErrMissingRequiredName = errors.New("row has no location name")
	ErrParentNotFound      = errors.New("parent location not found")
	ErrDuplicateConflict   = errors.New("row conflicts with an existing location")
	ErrInvalidRow          = errors.New("invalid row")
)

// Row outcomes, used as metric labels.
const (
	outcomeInserted = "inserted"
	outcomeUpdated  = "updated"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"
)

// RowError describes one rejected row. Row is 1-based and counts data rows
// only.
type RowError struct {
	Row  int
	Name string
	Err  error
}

func (e RowError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d (%s): %v", e.Row, e.Name, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// Result summarizes an import. Skipped counts every row that was not
// written, whether deliberately ignored or rejected; Errors holds the
// rejected ones.
type Result struct {
	Rows     int        `json:"rows"`
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Skipped  int        `json:"skipped"`
	Errors   []RowError `json:"-"`
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Rows += o.Rows
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *Result) reject(row int, name string, err error) {
	r.Skipped++
	r.Errors = append(r.Errors, RowError{Row: row, Name: name, Err: err})
}

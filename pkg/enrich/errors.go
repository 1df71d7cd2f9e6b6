package enrich

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("enrich: invalid plan")

// IndexError is an index catalog or creation failure. It fails the entry that
// needed the index; siblings continue.
type IndexError struct {
	Label    string
	Property string
	Err      error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s(%s): %v", e.Label, e.Property, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// MutationError is an engine-side failure of a bulk request. Batches committed
// before the failure stay committed.
type MutationError struct {
	Stage Stage
	Name  string
	Query string
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Stage, e.Name, e.Query, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

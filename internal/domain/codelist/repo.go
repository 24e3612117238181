package codelist

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no codelist is registered under a name.
var ErrNotFound = errors.New("codelist not found")

// Repository provides access to versioned codelist reference data.
type Repository interface {
	List(ctx context.Context, limit, offset int) ([]*Codelist, int, error)
	GetByName(ctx context.Context, name string) (*Codelist, error)
}

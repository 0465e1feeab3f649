package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

type PatientRepository interface {
	// GetByID returns ErrNotFound when no row matches.
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}
